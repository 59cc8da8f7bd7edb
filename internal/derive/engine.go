// Package derive computes the derived fields of every wizard stage from the
// stage's own input and the data of the stages before it. All functions are
// pure apart from catalog lookups, which complete before any caller mutates
// state.
package derive

import (
	"context"
	"fmt"

	"irriline/internal/domain"
)

// Engine binds the collaborators and defaults the stage functions need.
type Engine struct {
	Technologies TechnologyCatalog
	Prices       PriceCatalog
	Area         AreaFunc
	Hydraulics   HydraulicsDefaults
	Rates        domain.Rates
}

// DeriveFor validates raw input for stage id and returns its derived fields.
// upstream holds the records of stages 1..id-1.
func (e Engine) DeriveFor(ctx context.Context, id int, raw map[string]any, upstream []domain.StageRecord) (map[string]any, error) {
	name := domain.StageName(id)
	if name == "" {
		return nil, fmt.Errorf("unknown stage %d", id)
	}
	var (
		derived any
		err     error
	)
	switch id {
	case domain.StageBasicInfo:
		derived, err = e.basicInfo(raw)
	case domain.StageTechnology:
		derived, err = e.technology(ctx, raw)
	case domain.StageCropWater:
		derived, err = e.cropWater(raw, upstream)
	case domain.StageHydraulics:
		derived, err = e.hydraulics(raw, upstream)
	case domain.StageResources:
		derived, err = e.resources(ctx, raw)
	case domain.StageBOQ:
		derived, err = e.boq(raw, upstream)
	}
	if err != nil {
		return nil, err
	}
	return encodeDerived(derived)
}

// Summarize aggregates the current resources stage with the given rates,
// reading the area from basic_info.
func (e Engine) Summarize(upstream []domain.StageRecord, rates domain.Rates) (domain.BOQSummary, error) {
	var basic BasicInfoDerived
	if err := upstreamDerived("boq", upstream, domain.StageBasicInfo, &basic); err != nil {
		return domain.BOQSummary{}, err
	}
	var res ResourcesDerived
	if err := upstreamDerived("boq", upstream, domain.StageResources, &res); err != nil {
		return domain.BOQSummary{}, err
	}
	out, err := DeriveBOQ(res.LineItems, rates, basic.PotentialAreaHa)
	if err != nil {
		return domain.BOQSummary{}, err
	}
	return out.Summary, nil
}

func (e Engine) basicInfo(raw map[string]any) (BasicInfoDerived, error) {
	var in BasicInfoInput
	if err := decodeInput("basic_info", raw, &in); err != nil {
		return BasicInfoDerived{}, err
	}
	return DeriveBasicInfo(in, e.Area)
}

func (e Engine) technology(ctx context.Context, raw map[string]any) (TechnologyDerived, error) {
	var sel TechnologySelection
	if err := decodeInput("technology", raw, &sel); err != nil {
		return TechnologyDerived{}, err
	}
	return DeriveTechnology(ctx, sel, e.Technologies)
}

func (e Engine) cropWater(raw map[string]any, upstream []domain.StageRecord) (CropWaterDerived, error) {
	const stage = "crop_water"
	var in CropWaterInput
	if err := decodeInput(stage, raw, &in); err != nil {
		return CropWaterDerived{}, err
	}
	var basic BasicInfoDerived
	if err := upstreamDerived(stage, upstream, domain.StageBasicInfo, &basic); err != nil {
		return CropWaterDerived{}, err
	}
	var tech TechnologyDerived
	if err := upstreamDerived(stage, upstream, domain.StageTechnology, &tech); err != nil {
		return CropWaterDerived{}, err
	}
	out, err := DeriveCropWaterDemand(in.Crops, in.Climate, tech.Efficiency)
	if err != nil {
		return CropWaterDerived{}, err
	}
	if out.CropAreaHa > basic.PotentialAreaHa {
		return CropWaterDerived{}, invalid(stage, "crops", "total crop area %.4g ha exceeds potential area %.4g ha", out.CropAreaHa, basic.PotentialAreaHa)
	}
	return out, nil
}

func (e Engine) hydraulics(raw map[string]any, upstream []domain.StageRecord) (HydraulicsDerived, error) {
	const stage = "hydraulics"
	var in HydraulicsInput
	if err := decodeInput(stage, raw, &in); err != nil {
		return HydraulicsDerived{}, err
	}
	var water CropWaterDerived
	if err := upstreamDerived(stage, upstream, domain.StageCropWater, &water); err != nil {
		return HydraulicsDerived{}, err
	}
	return DeriveHydraulics(in, water.MonthlyDemandM3, e.Hydraulics)
}

func (e Engine) resources(ctx context.Context, raw map[string]any) (ResourcesDerived, error) {
	var in ResourcesInput
	if err := decodeInput("resources", raw, &in); err != nil {
		return ResourcesDerived{}, err
	}
	items, err := ResolveLineItems(ctx, in.LineItems, e.Prices)
	if err != nil {
		return ResourcesDerived{}, err
	}
	priced, err := DeriveResourceCosts(items)
	if err != nil {
		return ResourcesDerived{}, err
	}
	return ResourcesDerived{LineItems: priced, TotalAmount: totalAmount(priced)}, nil
}

func (e Engine) boq(raw map[string]any, upstream []domain.StageRecord) (BOQDerived, error) {
	var in BOQInput
	if err := decodeInput("boq", raw, &in); err != nil {
		return BOQDerived{}, err
	}
	rates, err := ResolveRates(in, e.Rates)
	if err != nil {
		return BOQDerived{}, err
	}
	summary, err := e.Summarize(upstream, rates)
	if err != nil {
		return BOQDerived{}, err
	}
	return BOQDerived{
		ContingencyRate: rates.ContingencyRate,
		TaxRate:         rates.TaxRate,
		Summary:         summary,
	}, nil
}
