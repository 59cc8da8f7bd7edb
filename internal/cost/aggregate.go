// Package cost rolls resource line items up into a bill-of-quantities summary.
package cost

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"irriline/internal/domain"
)

// DivisionUndefinedError reports a cost-per-hectare request against a
// non-positive area.
type DivisionUndefinedError struct {
	Area float64
}

func (e DivisionUndefinedError) Error() string {
	return fmt.Sprintf("cost per hectare undefined for area %v", e.Area)
}

// InputError reports a malformed aggregation input.
type InputError struct {
	Field   string
	Message string
}

func (e InputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Aggregate computes the BOQ summary. The order of the formula chain is fixed:
// category totals, subtotal, contingency, tax on subtotal plus contingency,
// grand total, cost per hectare.
func Aggregate(items []domain.ResourceLineItem, rates domain.Rates, potentialArea float64) (domain.BOQSummary, error) {
	if err := checkRate("contingency_rate", rates.ContingencyRate); err != nil {
		return domain.BOQSummary{}, err
	}
	if err := checkRate("tax_rate", rates.TaxRate); err != nil {
		return domain.BOQSummary{}, err
	}
	totals := map[string]decimal.Decimal{}
	for _, c := range domain.Categories {
		totals[c] = decimal.Zero
	}
	for i, it := range items {
		if !domain.ValidCategory(it.Category) {
			return domain.BOQSummary{}, InputError{Field: fmt.Sprintf("line_items[%d].category", i), Message: fmt.Sprintf("unknown category %q", it.Category)}
		}
		if it.Amount < 0 || !finite(it.Amount) {
			return domain.BOQSummary{}, InputError{Field: fmt.Sprintf("line_items[%d].amount", i), Message: "must be a non-negative number"}
		}
		totals[it.Category] = totals[it.Category].Add(decimal.NewFromFloat(it.Amount))
	}

	subtotal := decimal.Zero
	for _, c := range domain.Categories {
		subtotal = subtotal.Add(totals[c])
	}
	contingency := subtotal.Mul(decimal.NewFromFloat(rates.ContingencyRate))
	tax := subtotal.Add(contingency).Mul(decimal.NewFromFloat(rates.TaxRate))
	grand := subtotal.Add(contingency).Add(tax)

	summary := domain.BOQSummary{
		CategoryTotals: domain.CategoryTotals{
			Materials: totals[domain.CategoryMaterials].InexactFloat64(),
			Equipment: totals[domain.CategoryEquipment].InexactFloat64(),
			Labor:     totals[domain.CategoryLabor].InexactFloat64(),
		},
		Subtotal:        subtotal.InexactFloat64(),
		ContingencyRate: rates.ContingencyRate,
		Contingency:     contingency.InexactFloat64(),
		TaxRate:         rates.TaxRate,
		Tax:             tax.InexactFloat64(),
		GrandTotal:      grand.InexactFloat64(),
		PotentialArea:   potentialArea,
	}
	if potentialArea > 0 && finite(potentialArea) {
		perHa := grand.Div(decimal.NewFromFloat(potentialArea)).InexactFloat64()
		summary.CostPerHectare = &perHa
	} else {
		summary.AreaUndefined = true
	}
	return summary, nil
}

// PerHectare returns the cost per hectare or a DivisionUndefinedError.
func PerHectare(s domain.BOQSummary) (float64, error) {
	if s.AreaUndefined || s.CostPerHectare == nil {
		return 0, DivisionUndefinedError{Area: s.PotentialArea}
	}
	return *s.CostPerHectare, nil
}

func checkRate(field string, v float64) error {
	if !finite(v) || v < 0 || v > 1 {
		return InputError{Field: field, Message: "must be a fraction between 0 and 1"}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
