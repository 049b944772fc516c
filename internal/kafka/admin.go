package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// topicCreator is the subset of *kadm.Client used by EnsureTopic.
type topicCreator interface {
	CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
}

// EnsureTopic creates topic with broker-default partitions and replication.
// An existing topic is not an error. It reports whether the topic was created.
func EnsureTopic(ctx context.Context, admin topicCreator, topic string) (bool, error) {
	resp, err := admin.CreateTopic(ctx, -1, -1, nil, topic)
	if err == nil {
		err = resp.Err
	}
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, kerr.TopicAlreadyExists):
		return false, nil
	default:
		return false, fmt.Errorf("create topic %s: %w", topic, err)
	}
}

// NewAdmin returns an admin client for c. Closing the returned client also
// closes the underlying connection.
func NewAdmin(c *Config) (*kadm.Client, error) {
	opts, err := c.ClientOptions()
	if err != nil {
		return nil, err
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka admin client: %w", err)
	}
	return kadm.NewClient(cl), nil
}
