package invoice

import (
	"fmt"

	"github.com/balanced/invoice-feeder/internal/billing"
	"github.com/balanced/invoice-feeder/internal/event"
)

type rateKind int

const (
	fixedRate rateKind = iota
	percentRate
	zeroRate
)

type category struct {
	name     string
	count    string
	amount   string
	fee      string
	rate     string
	kind     rateKind
	unit     string
	capField string
}

// categories is the fixed line-item layout; the order is part of the
// invoice format.
var categories = []category{
	{
		name: "Holds", count: "holds_count", amount: "holds_total_amount", fee: "holds_total_fee",
		rate: "hold_fee", kind: fixedRate, unit: "per hold",
	},
	{
		name: "Debits: cards", count: "card_debits_count", amount: "card_debits_total_amount", fee: "card_debits_total_fee",
		rate: "variable_fee_percentage", kind: percentRate, unit: "of txn amount",
	},
	{
		name: "Debits: bank accounts", count: "bank_account_debits_count", amount: "bank_account_debits_total_amount", fee: "bank_account_debits_total_fee",
		rate: "bank_account_debit_variable_fee_percentage", kind: percentRate, unit: "of txn amount",
		capField: "bank_account_debit_variable_fee_cap",
	},
	{
		name: "Credits: succeeded", count: "bank_account_credits_count", amount: "bank_account_credits_total_amount", fee: "bank_account_credits_total_fee",
		rate: "bank_account_credit_fee", kind: fixedRate, unit: "per credit",
	},
	{
		name: "Credits: failed", count: "failed_credits_count", amount: "failed_credits_total_amount", fee: "failed_credits_total_fee",
		rate: "failed_credit_fee", kind: fixedRate, unit: "per failed credit",
	},
	{
		name: "Refunds", count: "refunds_count", amount: "refunds_total_amount", fee: "refunds_total_fee",
		rate: "variable_fee_percentage", kind: percentRate, unit: "of txn amount returned",
	},
	{
		name: "Reversals", count: "reversals_count", amount: "reversals_total_amount", fee: "reversals_total_fee",
		kind: zeroRate, unit: "per reversal",
	},
	{
		name: "Chargebacks", count: "lost_debit_chargebacks_count", amount: "lost_debit_chargebacks_total_amount", fee: "lost_debit_chargebacks_total_fee",
		rate: "chargeback_fixed_fee", kind: fixedRate, unit: "per failed chargeback",
	},
}

// Categories returns the line-item category names in invoice order.
func Categories() []string {
	names := make([]string, len(categories))
	for i, c := range categories {
		names[i] = c.name
	}
	return names
}

// LineItems builds one line item per category. Categories with no activity
// are kept with zero values.
func LineItems(data event.EntityData) ([]billing.LineItem, error) {
	items := make([]billing.LineItem, 0, len(categories))
	for _, c := range categories {
		item, err := c.build(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (c category) build(data event.EntityData) (billing.LineItem, error) {
	var (
		item = billing.LineItem{Type: c.name}
		err  error
	)
	if item.Quantity, err = data.Int(c.count); err != nil {
		return item, err
	}
	if item.Volume, err = data.Int(c.amount); err != nil {
		return item, err
	}
	if item.Amount, err = data.Int(c.fee); err != nil {
		return item, err
	}
	if item.Name, err = c.describe(data); err != nil {
		return item, err
	}
	return item, nil
}

func (c category) describe(data event.EntityData) (string, error) {
	var name string
	switch c.kind {
	case zeroRate:
		name = fmt.Sprintf("%s %s", dollars(0), c.unit)
	case fixedRate:
		n, err := data.Number(c.rate)
		if err != nil {
			return "", err
		}
		cents, err := n.Float64()
		if err != nil {
			return "", &event.InvalidFieldError{Field: c.rate, Value: n}
		}
		name = fmt.Sprintf("%s %s", dollars(cents), c.unit)
	case percentRate:
		n, err := data.Number(c.rate)
		if err != nil {
			return "", err
		}
		name = fmt.Sprintf("%s%% %s", n.String(), c.unit)
	}

	if c.capField != "" {
		limit, ok, err := data.OptionalInt(c.capField)
		if err != nil {
			return "", err
		}
		if ok && limit != 0 {
			name += fmt.Sprintf(" (max %s per debit)", dollars(float64(limit)))
		}
	}
	return name, nil
}

// dollars renders an amount in cents as a dollar string, e.g. 30 -> "$0.30".
func dollars(cents float64) string {
	return fmt.Sprintf("$%.2f", cents/100)
}
