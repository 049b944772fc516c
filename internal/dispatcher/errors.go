package dispatcher

import (
	"errors"

	"github.com/balanced/invoice-feeder/internal/billing"
	"github.com/balanced/invoice-feeder/internal/circuitbreaker"
	"github.com/balanced/invoice-feeder/internal/event"
	"github.com/balanced/invoice-feeder/internal/invoice"
)

// Error codes recorded in dead-letter headers and logs.
const (
	CodeInvalidEvent      = "INVALID_EVENT"
	CodeMappingFailed     = "MAPPING_FAILED"
	CodeFundingSource     = "UNRECOGNIZED_FUNDING_SOURCE"
	CodeSchemaVersion     = "SCHEMA_VERSION"
	CodeAmbiguousCustomer = "AMBIGUOUS_CUSTOMER"
	CodeBillingRejected   = "BILLING_REJECTED"
	CodeBillingFailed     = "BILLING_UNAVAILABLE"
	CodeProcessingFailed  = "PROCESSING_FAILED"
)

// ErrorCode classifies an error returned by Handle.
func ErrorCode(err error) string {
	var (
		missing   *event.MissingFieldError
		invalid   *event.InvalidFieldError
		schema    *event.SchemaVersionError
		funding   *invoice.UnrecognizedFundingSourceError
		ambiguous *billing.AmbiguousCustomerError
		temporary interface{ Temporary() bool }
	)
	switch {
	case errors.Is(err, event.ErrMalformed):
		return CodeInvalidEvent
	case errors.As(err, &missing), errors.As(err, &invalid):
		return CodeMappingFailed
	case errors.As(err, &schema):
		return CodeSchemaVersion
	case errors.As(err, &funding):
		return CodeFundingSource
	case errors.As(err, &ambiguous):
		return CodeAmbiguousCustomer
	case errors.Is(err, circuitbreaker.ErrOpen):
		return CodeBillingFailed
	case errors.As(err, &temporary):
		if temporary.Temporary() {
			return CodeBillingFailed
		}
		return CodeBillingRejected
	default:
		return CodeProcessingFailed
	}
}

// deadLetterable reports whether an error code marks a permanent failure.
// Redelivery cannot fix these, so the dead-letter policy may ack them.
func deadLetterable(code string) bool {
	switch code {
	case CodeBillingFailed, CodeProcessingFailed:
		return false
	}
	return true
}

// guidOf extracts the event guid from a raw body for dead-letter headers.
func guidOf(body []byte) string {
	e, err := event.Parse(body)
	if err != nil {
		return ""
	}
	return e.GUID
}
