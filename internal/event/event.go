// Package event models the invoice lifecycle events published by Balanced.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// InvoiceTypePrefix marks the only event family the feeder processes.
const InvoiceTypePrefix = "invoice."

// ErrMalformed is wrapped by every Parse error.
var ErrMalformed = errors.New("malformed event")

// Event is one upstream event as received from the queue. Numbers are kept
// as their JSON literals so rates render exactly as Balanced sent them.
type Event struct {
	GUID                      string
	Type                      string
	MirroredCustomerGUID      string
	MirroredFundingSourceGUID string
	EntityData                EntityData
	EntityViews               map[string]json.RawMessage

	raw map[string]any
}

type envelope struct {
	GUID                      string                     `json:"guid"`
	Type                      string                     `json:"type"`
	MirroredCustomerGUID      *string                    `json:"mirrored_customer_guid"`
	MirroredFundingSourceGUID *string                    `json:"mirrored_funding_source_guid"`
	EntityData                map[string]any             `json:"entity_data"`
	EntityViews               map[string]json.RawMessage `json:"entity_views"`
}

// Parse decodes a raw queue payload. Only the JSON shape is checked here;
// field presence is enforced by the consumers of the event.
func Parse(body []byte) (*Event, error) {
	var env envelope
	if err := decode(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var raw map[string]any
	if err := decode(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	evt := &Event{
		GUID:        env.GUID,
		Type:        env.Type,
		EntityData:  EntityData(env.EntityData),
		EntityViews: env.EntityViews,
		raw:         raw,
	}
	if env.MirroredCustomerGUID != nil {
		evt.MirroredCustomerGUID = *env.MirroredCustomerGUID
	}
	if env.MirroredFundingSourceGUID != nil {
		evt.MirroredFundingSourceGUID = *env.MirroredFundingSourceGUID
	}
	return evt, nil
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

// IsInvoice reports whether the event belongs to the invoice family.
func (e *Event) IsInvoice() bool {
	return IsInvoiceType(e.Type)
}

// IsInvoiceType reports whether typ names an invoice event.
func IsInvoiceType(typ string) bool {
	return strings.HasPrefix(typ, InvoiceTypePrefix)
}

// PeekType decodes only the type of body. A type that is absent or not a
// string yields "". Only a body that is not a JSON object is malformed.
func PeekType(body []byte) (string, error) {
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := decode(body, &head); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var typ string
	if err := json.Unmarshal(head.Type, &typ); err != nil {
		return "", nil
	}
	return typ, nil
}

// Raw returns the decoded payload as a generic document.
func (e *Event) Raw() map[string]any {
	return e.raw
}

// MarketplaceGUID returns entity_data.marketplace_guid, or "" when absent.
func (e *Event) MarketplaceGUID() string {
	s, _ := e.EntityData.String("marketplace_guid")
	return s
}
