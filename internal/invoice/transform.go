// Package invoice maps Balanced invoice events to Billy invoice requests.
//
// The mapping is pure: no I/O, no clock, no logging. Every failure is a
// typed mapping error that redelivery cannot fix.
package invoice

import (
	"fmt"
	"strings"

	"github.com/balanced/invoice-feeder/internal/billing"
	"github.com/balanced/invoice-feeder/internal/event"
)

// Title is the title of every invoice the feeder creates.
const Title = "Balanced Transaction Usage Invoice"

// CustomerKey selects which upstream entity a Billy customer represents.
type CustomerKey string

const (
	// CustomerKeyCustomer keys Billy customers by the mirrored customer URI.
	CustomerKeyCustomer CustomerKey = "customer"
	// CustomerKeyMarketplace keys Billy customers by the marketplace URI.
	CustomerKeyMarketplace CustomerKey = "marketplace"
)

// Valid reports whether k is a known customer key.
func (k CustomerKey) Valid() bool {
	return k == CustomerKeyCustomer || k == CustomerKeyMarketplace
}

// UnrecognizedFundingSourceError is returned when the funding source GUID is
// neither a bank account (BA) nor a proxy account (PA).
type UnrecognizedFundingSourceError struct {
	GUID string
}

func (e *UnrecognizedFundingSourceError) Error() string {
	return fmt.Sprintf("unrecognized funding source %q", e.GUID)
}

// Draft is the outcome of a transformation: the request to submit plus the
// URIs resolved along the way.
type Draft struct {
	Request            billing.InvoiceRequest
	CustomerExternalID string
	CustomerURI        string
	MarketplaceURI     string
	MarketplaceGUID    string
	FundingSourceURI   string
}

// Transformer builds Drafts from invoice events.
type Transformer struct {
	customerKey CustomerKey
	viewVersion string
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithCustomerKey selects how the Billy customer external id is derived.
func WithCustomerKey(k CustomerKey) Option {
	return func(t *Transformer) {
		t.customerKey = k
	}
}

// NewTransformer creates a Transformer. Customers are keyed by the mirrored
// customer unless configured otherwise.
func NewTransformer(opts ...Option) *Transformer {
	t := &Transformer{
		customerKey: CustomerKeyCustomer,
		viewVersion: event.InvoiceViewVersion,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Transform maps one invoice event to a Draft.
func (t *Transformer) Transform(evt *event.Event) (*Draft, error) {
	if evt.MirroredCustomerGUID == "" {
		return nil, &event.MissingFieldError{Field: "mirrored_customer_guid"}
	}
	invoiceGUID, err := evt.EntityData.String("guid")
	if err != nil {
		return nil, err
	}

	d := &Draft{
		CustomerURI:     "/v1/customers/" + evt.MirroredCustomerGUID,
		MarketplaceGUID: evt.MarketplaceGUID(),
	}
	if d.MarketplaceGUID != "" {
		d.MarketplaceURI = "/v1/marketplaces/" + d.MarketplaceGUID
	}

	switch t.customerKey {
	case CustomerKeyMarketplace:
		if d.MarketplaceURI == "" {
			return nil, &event.MissingFieldError{Field: "marketplace_guid"}
		}
		d.CustomerExternalID = d.MarketplaceURI
	default:
		d.CustomerExternalID = d.CustomerURI
	}

	if d.FundingSourceURI, err = FundingSourceURI(evt.MirroredFundingSourceGUID); err != nil {
		return nil, err
	}

	items, err := LineItems(evt.EntityData)
	if err != nil {
		return nil, err
	}

	view, err := evt.InvoiceView(t.viewVersion)
	if err != nil {
		return nil, err
	}
	adjustments := make([]billing.Adjustment, len(view.Adjustments))
	for i, adj := range view.Adjustments {
		adjustments[i] = billing.Adjustment{Amount: adj.Amount, Reason: adj.Description}
	}

	totalFee, err := evt.EntityData.Int("total_fee")
	if err != nil {
		return nil, err
	}

	d.Request = billing.InvoiceRequest{
		Title:       Title,
		Amount:      Amount(totalFee, adjustments),
		ExternalID:  invoiceGUID,
		PaymentURI:  d.FundingSourceURI,
		Items:       items,
		Adjustments: adjustments,
	}
	return d, nil
}

// Amount is the billed amount: the total fee plus every adjustment, each
// adjustment carrying its own sign.
func Amount(totalFee int64, adjustments []billing.Adjustment) int64 {
	amount := totalFee
	for _, adj := range adjustments {
		amount += adj.Amount
	}
	return amount
}

// FundingSourceURI classifies a funding source GUID by prefix. An empty GUID
// means no funding source is known and yields an empty URI.
func FundingSourceURI(guid string) (string, error) {
	var kind string
	switch {
	case guid == "":
		return "", nil
	case strings.HasPrefix(guid, "BA"):
		kind = "bank_accounts"
	case strings.HasPrefix(guid, "PA"):
		kind = "proxy_accounts"
	default:
		return "", &UnrecognizedFundingSourceError{GUID: guid}
	}
	return fmt.Sprintf("/v1/%s/%s", kind, guid), nil
}
