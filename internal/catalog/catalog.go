// Package catalog serves technology and resource price lookups from a
// project's configuration.
package catalog

import (
	"context"
	"sort"
	"strings"

	"irriline/internal/config"
	"irriline/internal/derive"
	"irriline/internal/domain"
)

// Static is an immutable in-memory catalog. Keys are case-insensitive.
type Static struct {
	technologies map[string]domain.TechnologyDetails
	prices       map[string]domain.Rate
}

var (
	_ derive.TechnologyCatalog = (*Static)(nil)
	_ derive.PriceCatalog      = (*Static)(nil)
)

// FromConfig builds a catalog from a validated config. Efficiency is
// converted from the configured whole-number percent to a fraction.
func FromConfig(cfg *config.Config) *Static {
	s := &Static{
		technologies: map[string]domain.TechnologyDetails{},
		prices:       map[string]domain.Rate{},
	}
	if cfg == nil {
		return s
	}
	for _, t := range cfg.Catalog.Technologies {
		s.technologies[techKey(t.Technology, t.IrrigationType)] = domain.TechnologyDetails{
			Technology:       t.Technology,
			IrrigationType:   t.IrrigationType,
			Efficiency:       t.EfficiencyPct / 100,
			WaterRequirement: t.WaterRequirement,
			LifespanYears:    t.LifespanYears,
			MaintenanceLevel: t.MaintenanceLevel,
			SuitabilityTags:  append([]string{}, t.SuitabilityTags...),
		}
	}
	for _, p := range cfg.Catalog.Prices {
		s.prices[priceKey(p.Category, p.ItemID)] = domain.Rate{Unit: p.Unit, UnitRate: p.UnitRate}
	}
	return s
}

func (s *Static) GetTechnologyDetails(_ context.Context, technology, irrigationType string) (domain.TechnologyDetails, error) {
	d, ok := s.technologies[techKey(technology, irrigationType)]
	if !ok {
		return domain.TechnologyDetails{}, derive.NotFoundError{Kind: "technology", Key: technology + "/" + irrigationType}
	}
	d.SuitabilityTags = append([]string{}, d.SuitabilityTags...)
	return d, nil
}

func (s *Static) GetRate(_ context.Context, category, itemID string) (domain.Rate, error) {
	r, ok := s.prices[priceKey(category, itemID)]
	if !ok {
		return domain.Rate{}, derive.NotFoundError{Kind: "price", Key: category + "/" + itemID}
	}
	return r, nil
}

// Technologies lists catalog entries for display.
func (s *Static) Technologies() []domain.TechnologyDetails {
	out := make([]domain.TechnologyDetails, 0, len(s.technologies))
	for _, d := range s.technologies {
		out = append(out, d)
	}
	sortTechnologies(out)
	return out
}

func techKey(technology, irrigationType string) string {
	return strings.ToLower(strings.TrimSpace(technology)) + "|" + strings.ToLower(strings.TrimSpace(irrigationType))
}

func priceKey(category, itemID string) string {
	return strings.ToLower(strings.TrimSpace(category)) + "|" + strings.ToLower(strings.TrimSpace(itemID))
}

func sortTechnologies(items []domain.TechnologyDetails) {
	sort.Slice(items, func(i, j int) bool {
		return techKey(items[i].Technology, items[i].IrrigationType) < techKey(items[j].Technology, items[j].IrrigationType)
	})
}
