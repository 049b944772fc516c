package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanKafkaConsume    = "kafka.consume"
	SpanAMQPConsume     = "amqp.consume"
	SpanDispatch        = "feeder.dispatch"
	SpanArchive         = "feeder.archive"
	SpanTransform       = "feeder.transform"
	SpanResolveCustomer = "billing.resolve_customer"
	SpanCreateInvoice   = "billing.create_invoice"
)

// Attribute keys.
const (
	AttrEventGUID      = "feeder.event.guid"
	AttrEventType      = "feeder.event.type"
	AttrExternalID     = "feeder.invoice.external_id"
	AttrCustomerID     = "feeder.customer.external_id"
	AttrOutcome        = "feeder.outcome"
	AttrCorrelationID  = "feeder.correlation_id"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrAMQPQueue      = "messaging.rabbitmq.queue"
	AttrAMQPTag        = "messaging.rabbitmq.delivery_tag"
)

// StartSpan starts a span. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// End records err on the span, sets its status and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func EventGUIDAttr(guid string) attribute.KeyValue { return attribute.String(AttrEventGUID, guid) }
func EventTypeAttr(typ string) attribute.KeyValue  { return attribute.String(AttrEventType, typ) }
func ExternalIDAttr(id string) attribute.KeyValue  { return attribute.String(AttrExternalID, id) }
func CustomerAttr(id string) attribute.KeyValue    { return attribute.String(AttrCustomerID, id) }
func OutcomeAttr(o string) attribute.KeyValue      { return attribute.String(AttrOutcome, o) }

func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

func AMQPQueueAttr(queue string) attribute.KeyValue {
	return attribute.String(AttrAMQPQueue, queue)
}

func AMQPDeliveryTagAttr(tag uint64) attribute.KeyValue {
	return attribute.Int64(AttrAMQPTag, int64(tag))
}
