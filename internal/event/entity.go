package event

import (
	"encoding/json"
	"fmt"
	"math"
)

// EntityData holds the fee-accounting counters of an invoice entity.
type EntityData map[string]any

// MissingFieldError reports a required field that is absent or null.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("entity_data: missing required field %q", e.Field)
}

// InvalidFieldError reports a field whose value has the wrong type.
type InvalidFieldError struct {
	Field string
	Value any
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("entity_data: field %q has invalid value %v", e.Field, e.Value)
}

// Number returns a numeric field as its JSON literal.
func (d EntityData) Number(field string) (json.Number, error) {
	v, ok := d[field]
	if !ok || v == nil {
		return "", &MissingFieldError{Field: field}
	}
	n, ok := v.(json.Number)
	if !ok {
		return "", &InvalidFieldError{Field: field, Value: v}
	}
	return n, nil
}

// Int returns an integral numeric field. Integral floats such as 30.0 are
// accepted.
func (d EntityData) Int(field string) (int64, error) {
	n, err := d.Number(field)
	if err != nil {
		return 0, err
	}
	return toInt(field, n)
}

// OptionalInt returns an integral field, reporting false when it is absent
// or null.
func (d EntityData) OptionalInt(field string) (int64, bool, error) {
	v, ok := d[field]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case json.Number:
		i, err := toInt(field, n)
		return i, err == nil, err
	case bool:
		// Balanced emits false for unset fees on older invoices.
		if !n {
			return 0, false, nil
		}
	}
	return 0, false, &InvalidFieldError{Field: field, Value: v}
}

// String returns a string field.
func (d EntityData) String(field string) (string, error) {
	v, ok := d[field]
	if !ok || v == nil {
		return "", &MissingFieldError{Field: field}
	}
	s, ok := v.(string)
	if !ok {
		return "", &InvalidFieldError{Field: field, Value: v}
	}
	return s, nil
}

func toInt(field string, n json.Number) (int64, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, &InvalidFieldError{Field: field, Value: n}
	}
	return int64(f), nil
}
