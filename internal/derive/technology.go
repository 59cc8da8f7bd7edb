package derive

import (
	"context"
	"errors"
	"strings"

	"irriline/internal/domain"
)

// TechnologyCatalog resolves a technology/irrigation-type pair. Misses are
// reported as NotFoundError.
type TechnologyCatalog interface {
	GetTechnologyDetails(ctx context.Context, technology, irrigationType string) (domain.TechnologyDetails, error)
}

type TechnologySelection struct {
	Technology     string `json:"technology"`
	IrrigationType string `json:"irrigation_type"`
}

type TechnologyDerived struct {
	Technology       string   `json:"technology"`
	IrrigationType   string   `json:"irrigation_type"`
	Efficiency       float64  `json:"efficiency"`
	WaterRequirement float64  `json:"water_requirement"`
	LifespanYears    float64  `json:"lifespan_years"`
	MaintenanceLevel string   `json:"maintenance_level"`
	SuitabilityTags  []string `json:"suitability_tags"`
}

// DeriveTechnology copies the catalog attributes of the selected pair onto
// the selection.
func DeriveTechnology(ctx context.Context, sel TechnologySelection, catalog TechnologyCatalog) (TechnologyDerived, error) {
	const stage = "technology"
	var fe fieldErrors
	sel.Technology = strings.TrimSpace(sel.Technology)
	sel.IrrigationType = strings.TrimSpace(sel.IrrigationType)
	if sel.Technology == "" {
		fe.add("technology", "is required")
	}
	if sel.IrrigationType == "" {
		fe.add("irrigation_type", "is required")
	}
	if err := fe.err(stage); err != nil {
		return TechnologyDerived{}, err
	}
	if catalog == nil {
		return TechnologyDerived{}, errors.New("technology catalog not configured")
	}
	details, err := catalog.GetTechnologyDetails(ctx, sel.Technology, sel.IrrigationType)
	if err != nil {
		return TechnologyDerived{}, err
	}
	if !positive(details.Efficiency) || details.Efficiency > 1 {
		return TechnologyDerived{}, invalid(stage, "efficiency", "catalog efficiency %v outside (0,1]", details.Efficiency)
	}
	tags := append([]string{}, details.SuitabilityTags...)
	return TechnologyDerived{
		Technology:       sel.Technology,
		IrrigationType:   sel.IrrigationType,
		Efficiency:       details.Efficiency,
		WaterRequirement: details.WaterRequirement,
		LifespanYears:    details.LifespanYears,
		MaintenanceLevel: details.MaintenanceLevel,
		SuitabilityTags:  tags,
	}, nil
}
