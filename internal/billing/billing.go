// Package billing defines the contract the feeder needs from the Billy
// billing service.
package billing

import (
	"context"
	"errors"
	"fmt"
)

// ErrDuplicateExternalID is reported by the Billy API when an invoice with
// the same external id already exists. Service implementations translate it
// into a Duplicate outcome instead of returning it.
var ErrDuplicateExternalID = errors.New("duplicate external id")

// Company is the Billy tenant invoices are created under.
type Company struct {
	GUID      string `json:"guid"`
	APIKey    string `json:"api_key,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Customer is a Billy customer record, keyed by ExternalID.
type Customer struct {
	GUID        string `json:"guid"`
	CompanyGUID string `json:"company_guid,omitempty"`
	ExternalID  string `json:"external_id"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Invoice is an invoice as stored by Billy.
type Invoice struct {
	GUID         string `json:"guid"`
	CustomerGUID string `json:"customer_guid,omitempty"`
	ExternalID   string `json:"external_id,omitempty"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status,omitempty"`
}

// LineItem is one fee category on an invoice.
type LineItem struct {
	Type     string `json:"type"`
	Quantity int64  `json:"quantity"`
	Volume   int64  `json:"volume"`
	Amount   int64  `json:"amount"`
	Name     string `json:"name"`
}

// Adjustment is a signed correction applied on top of the line items.
type Adjustment struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// InvoiceRequest is everything needed to create one invoice. ExternalID is
// the idempotency key.
type InvoiceRequest struct {
	Title       string       `json:"title"`
	Amount      int64        `json:"amount"`
	ExternalID  string       `json:"external_id"`
	PaymentURI  string       `json:"payment_uri,omitempty"`
	Items       []LineItem   `json:"items"`
	Adjustments []Adjustment `json:"adjustments"`
}

// Outcome is the terminal result of an invoice submission.
type Outcome int

const (
	// Created means a new invoice was stored.
	Created Outcome = iota
	// Duplicate means an invoice with the same external id already existed.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// InvoiceResult is returned by CreateInvoice. Invoice is nil for Duplicate.
type InvoiceResult struct {
	Outcome Outcome
	Invoice *Invoice
}

// Service is the subset of the Billy API used by the feeder.
type Service interface {
	GetCompany(ctx context.Context, guid string) (*Company, error)
	ListCustomers(ctx context.Context, externalID string) ([]Customer, error)
	CreateCustomer(ctx context.Context, company *Company, externalID string) (*Customer, error)
	CreateInvoice(ctx context.Context, customer *Customer, req InvoiceRequest) (InvoiceResult, error)
}

// AmbiguousCustomerError means more than one Billy customer shares an
// external id. It indicates corrupted data and needs manual repair.
type AmbiguousCustomerError struct {
	ExternalID string
	Count      int
}

func (e *AmbiguousCustomerError) Error() string {
	return fmt.Sprintf("found %d customers with external id %s, expected at most one", e.Count, e.ExternalID)
}

// ResolveCustomer returns the single customer with the given external id,
// creating it under company when none exists. created reports whether a new
// customer was made.
func ResolveCustomer(ctx context.Context, svc Service, company *Company, externalID string) (customer *Customer, created bool, err error) {
	customers, err := svc.ListCustomers(ctx, externalID)
	if err != nil {
		return nil, false, fmt.Errorf("list customers: %w", err)
	}

	switch len(customers) {
	case 0:
		c, err := svc.CreateCustomer(ctx, company, externalID)
		if err != nil {
			return nil, false, fmt.Errorf("create customer: %w", err)
		}
		return c, true, nil
	case 1:
		return &customers[0], false, nil
	default:
		return nil, false, &AmbiguousCustomerError{ExternalID: externalID, Count: len(customers)}
	}
}
