package derive

import "math"

const gravity = 9.81

// HydraulicsDefaults supply the parameters a stage input may omit.
// PumpEfficiency is a fraction.
type HydraulicsDefaults struct {
	PipeVelocityMPS float64
	PumpEfficiency  float64
}

type HydraulicsInput struct {
	OperatingHoursPerDay float64  `json:"operating_hours_per_day"`
	TotalHeadM           float64  `json:"total_head_m"`
	PipeVelocityMPS      *float64 `json:"pipe_velocity_mps,omitempty"`
	PumpEfficiencyPct    *float64 `json:"pump_efficiency_pct,omitempty"`
}

type HydraulicsDerived struct {
	PeakMonth       int     `json:"peak_month"`
	PeakDemandM3    float64 `json:"peak_demand_m3"`
	DesignFlowM3H   float64 `json:"design_flow_m3h"`
	DesignFlowLPS   float64 `json:"design_flow_lps"`
	PipeVelocityMPS float64 `json:"pipe_velocity_mps"`
	PipeDiameterMM  float64 `json:"pipe_diameter_mm"`
	PumpEfficiency  float64 `json:"pump_efficiency"`
	PumpPowerKW     float64 `json:"pump_power_kw"`
}

// DeriveHydraulics sizes the system for the peak month of the gross demand curve.
func DeriveHydraulics(in HydraulicsInput, monthlyDemand []float64, defaults HydraulicsDefaults) (HydraulicsDerived, error) {
	const stage = "hydraulics"
	var fe fieldErrors
	if !positive(in.OperatingHoursPerDay) || in.OperatingHoursPerDay > 24 {
		fe.add("operating_hours_per_day", "must be greater than 0 and at most 24")
	}
	if !positive(in.TotalHeadM) {
		fe.add("total_head_m", "must be greater than 0")
	}
	velocity := defaults.PipeVelocityMPS
	if in.PipeVelocityMPS != nil {
		velocity = *in.PipeVelocityMPS
	}
	if !positive(velocity) {
		fe.add("pipe_velocity_mps", "must be greater than 0")
	}
	pumpEff := defaults.PumpEfficiency
	if in.PumpEfficiencyPct != nil {
		f, ok := percentToFraction(*in.PumpEfficiencyPct)
		if !ok || f == 0 {
			fe.add("pump_efficiency_pct", "must be greater than 0 and at most 100")
		}
		pumpEff = f
	} else if !positive(pumpEff) || pumpEff > 1 {
		fe.add("pump_efficiency_pct", "default pump efficiency %v outside (0,1]", pumpEff)
	}
	if len(monthlyDemand) != 12 {
		fe.add("crop_water", "monthly demand curve must have 12 values")
	}
	if err := fe.err(stage); err != nil {
		return HydraulicsDerived{}, err
	}

	peak := 0
	for m := 1; m < 12; m++ {
		if monthlyDemand[m] > monthlyDemand[peak] {
			peak = m
		}
	}
	out := HydraulicsDerived{
		PeakMonth:       peak + 1,
		PeakDemandM3:    monthlyDemand[peak],
		PipeVelocityMPS: velocity,
		PumpEfficiency:  pumpEff,
	}
	hours := float64(daysInMonth[peak]) * in.OperatingHoursPerDay
	out.DesignFlowM3H = out.PeakDemandM3 / hours
	flowM3S := out.DesignFlowM3H / 3600
	out.DesignFlowLPS = flowM3S * 1000
	out.PipeDiameterMM = math.Sqrt(4*flowM3S/(math.Pi*velocity)) * 1000
	out.PumpPowerKW = gravity * flowM3S * in.TotalHeadM / pumpEff
	return out, nil
}

// percentToFraction converts a whole-number percent at the input boundary.
func percentToFraction(pct float64) (float64, bool) {
	if !nonNegative(pct) || pct > 100 {
		return -1, false
	}
	return pct / 100, true
}
