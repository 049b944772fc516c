package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// InvoiceViewVersion is the entity view version the feeder reads
// adjustments from.
const InvoiceViewVersion = "1.1"

// SchemaVersionError reports that the wanted entity view version is not
// present in the event, or that its shape does not match the version.
type SchemaVersionError struct {
	Want   string
	Found  []string
	Reason string
}

func (e *SchemaVersionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("entity_views[%q]: %s", e.Want, e.Reason)
	}
	return fmt.Sprintf("entity_views: version %q not present (found: %s)", e.Want, strings.Join(e.Found, ", "))
}

// Adjustment is one manual fee adjustment on an invoice. Amount carries its
// own sign.
type Adjustment struct {
	Amount      int64
	Description string
}

// InvoiceView is the version-independent form of an invoice entity view.
type InvoiceView struct {
	Version     string
	Adjustments []Adjustment
}

type viewParser func(raw json.RawMessage) (*InvoiceView, error)

var viewParsers = map[string]viewParser{
	"1.1": parseInvoiceViewV11,
}

// InvoiceView resolves entity_views[version] with the strict parser
// registered for that version. Unknown or absent versions are rejected.
func (e *Event) InvoiceView(version string) (*InvoiceView, error) {
	parse, ok := viewParsers[version]
	if !ok {
		return nil, &SchemaVersionError{Want: version, Found: e.viewVersions(), Reason: "no parser for version"}
	}
	raw, ok := e.EntityViews[version]
	if !ok || isNull(raw) {
		return nil, &SchemaVersionError{Want: version, Found: e.viewVersions()}
	}
	view, err := parse(raw)
	if err != nil {
		return nil, &SchemaVersionError{Want: version, Found: e.viewVersions(), Reason: err.Error()}
	}
	view.Version = version
	return view, nil
}

func (e *Event) viewVersions() []string {
	versions := make([]string, 0, len(e.EntityViews))
	for v := range e.EntityViews {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

type viewV11 struct {
	Invoices []struct {
		Adjustments *[]struct {
			Amount      *json.Number `json:"amount"`
			Description *string      `json:"description"`
		} `json:"adjustments"`
	} `json:"invoices"`
}

func parseInvoiceViewV11(raw json.RawMessage) (*InvoiceView, error) {
	var v viewV11
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(v.Invoices) == 0 {
		return nil, fmt.Errorf("no invoices")
	}
	inv := v.Invoices[0]
	if inv.Adjustments == nil {
		return nil, fmt.Errorf("invoices[0].adjustments missing")
	}

	view := &InvoiceView{Adjustments: make([]Adjustment, 0, len(*inv.Adjustments))}
	for i, adj := range *inv.Adjustments {
		if adj.Amount == nil {
			return nil, fmt.Errorf("adjustments[%d].amount missing", i)
		}
		if adj.Description == nil {
			return nil, fmt.Errorf("adjustments[%d].description missing", i)
		}
		amount, err := toInt("amount", *adj.Amount)
		if err != nil {
			return nil, fmt.Errorf("adjustments[%d]: %w", i, err)
		}
		view.Adjustments = append(view.Adjustments, Adjustment{
			Amount:      amount,
			Description: *adj.Description,
		})
	}
	return view, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
