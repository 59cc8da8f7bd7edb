package derive

import (
	"errors"

	"irriline/internal/cost"
	"irriline/internal/domain"
)

// BOQInput carries optional rate overrides. Rates are fractions; the *_pct
// variants are whole-number percents. Setting both forms of one rate is an error.
type BOQInput struct {
	ContingencyRate *float64 `json:"contingency_rate,omitempty"`
	TaxRate         *float64 `json:"tax_rate,omitempty"`
	ContingencyPct  *float64 `json:"contingency_pct,omitempty"`
	TaxPct          *float64 `json:"tax_pct,omitempty"`
}

type BOQDerived struct {
	ContingencyRate float64           `json:"contingency_rate"`
	TaxRate         float64           `json:"tax_rate"`
	Summary         domain.BOQSummary `json:"summary"`
}

// ResolveRates applies overrides on top of the configured defaults.
func ResolveRates(in BOQInput, defaults domain.Rates) (domain.Rates, error) {
	const stage = "boq"
	var fe fieldErrors
	rates := defaults
	pick := func(name string, rate, pct *float64, dst *float64) {
		switch {
		case rate != nil && pct != nil:
			fe.add(name+"_rate", "set either %s_rate or %s_pct, not both", name, name)
		case rate != nil:
			if !nonNegative(*rate) || *rate > 1 {
				fe.add(name+"_rate", "must be a fraction between 0 and 1")
				return
			}
			*dst = *rate
		case pct != nil:
			f, ok := percentToFraction(*pct)
			if !ok {
				fe.add(name+"_pct", "must be between 0 and 100")
				return
			}
			*dst = f
		}
	}
	pick("contingency", in.ContingencyRate, in.ContingencyPct, &rates.ContingencyRate)
	pick("tax", in.TaxRate, in.TaxPct, &rates.TaxRate)
	if err := fe.err(stage); err != nil {
		return domain.Rates{}, err
	}
	return rates, nil
}

// DeriveBOQ aggregates priced line items into the bill-of-quantities summary.
func DeriveBOQ(items []domain.ResourceLineItem, rates domain.Rates, potentialArea float64) (BOQDerived, error) {
	summary, err := cost.Aggregate(items, rates, potentialArea)
	if err != nil {
		var in cost.InputError
		if errors.As(err, &in) {
			return BOQDerived{}, invalid("boq", in.Field, "%s", in.Message)
		}
		return BOQDerived{}, err
	}
	return BOQDerived{
		ContingencyRate: rates.ContingencyRate,
		TaxRate:         rates.TaxRate,
		Summary:         summary,
	}, nil
}
