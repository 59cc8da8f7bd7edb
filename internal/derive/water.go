package derive

import (
	"fmt"
	"strings"
)

// daysInMonth uses a non-leap calendar.
var daysInMonth = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// m3PerMMHa converts a depth of 1 mm over 1 ha into cubic metres.
const m3PerMMHa = 10.0

const maxSeasonDays = 365

type Crop struct {
	Name            string    `json:"name"`
	AreaHa          float64   `json:"area_ha"`
	Kc              float64   `json:"kc"`
	SowingMonth     int       `json:"sowing_month"`
	GrowthStageDays []int     `json:"growth_stage_days"`
	StageKc         []float64 `json:"stage_kc,omitempty"`
}

// Climate holds monthly series indexed January..December.
type Climate struct {
	ET0MMDay        []float64 `json:"et0_mm_day"`
	EffectiveRainMM []float64 `json:"effective_rain_mm,omitempty"`
}

type CropWaterInput struct {
	Crops   []Crop  `json:"crops"`
	Climate Climate `json:"climate"`
}

type CropWaterDerived struct {
	CropAreaHa         float64   `json:"crop_area_ha"`
	Efficiency         float64   `json:"efficiency"`
	NetRequirementM3   float64   `json:"net_requirement_m3"`
	GrossRequirementM3 float64   `json:"gross_requirement_m3"`
	MonthlyNetM3       []float64 `json:"monthly_net_m3"`
	MonthlyDemandM3    []float64 `json:"monthly_demand_m3"`
}

// DeriveCropWaterDemand computes net and gross water requirement. efficiency
// is the technology stage's derived efficiency as a fraction.
func DeriveCropWaterDemand(crops []Crop, climate Climate, efficiency float64) (CropWaterDerived, error) {
	const stage = "crop_water"
	var fe fieldErrors
	if !positive(efficiency) || efficiency > 1 {
		fe.add("efficiency", "technology efficiency %v outside (0,1]", efficiency)
	}
	if len(crops) == 0 {
		fe.add("crops", "at least one crop is required")
	}
	if len(climate.ET0MMDay) != 12 {
		fe.add("climate.et0_mm_day", "must have 12 monthly values")
	} else {
		for m, v := range climate.ET0MMDay {
			if !nonNegative(v) {
				fe.add(fmt.Sprintf("climate.et0_mm_day[%d]", m), "must be non-negative")
			}
		}
	}
	rain := climate.EffectiveRainMM
	if len(rain) == 0 {
		rain = make([]float64, 12)
	} else if len(rain) != 12 {
		fe.add("climate.effective_rain_mm", "must have 12 monthly values")
	} else {
		for m, v := range rain {
			if !nonNegative(v) {
				fe.add(fmt.Sprintf("climate.effective_rain_mm[%d]", m), "must be non-negative")
			}
		}
	}
	for i, c := range crops {
		validateCrop(&fe, i, c)
	}
	if err := fe.err(stage); err != nil {
		return CropWaterDerived{}, err
	}

	out := CropWaterDerived{
		Efficiency:      efficiency,
		MonthlyNetM3:    make([]float64, 12),
		MonthlyDemandM3: make([]float64, 12),
	}
	for _, c := range crops {
		out.CropAreaHa += c.AreaHa
		etc, days := seasonProfile(c, climate.ET0MMDay)
		for m := 0; m < 12; m++ {
			if days[m] == 0 {
				continue
			}
			rainShare := rain[m] * float64(days[m]) / float64(daysInMonth[m])
			netMM := etc[m] - rainShare
			if netMM < 0 {
				netMM = 0
			}
			out.MonthlyNetM3[m] += netMM * c.AreaHa * m3PerMMHa
		}
	}
	for m := 0; m < 12; m++ {
		out.MonthlyDemandM3[m] = out.MonthlyNetM3[m] / efficiency
		out.NetRequirementM3 += out.MonthlyNetM3[m]
		out.GrossRequirementM3 += out.MonthlyDemandM3[m]
	}
	return out, nil
}

func validateCrop(fe *fieldErrors, i int, c Crop) {
	prefix := fmt.Sprintf("crops[%d]", i)
	if strings.TrimSpace(c.Name) == "" {
		fe.add(prefix+".name", "is required")
	}
	if !positive(c.AreaHa) {
		fe.add(prefix+".area_ha", "must be greater than 0")
	}
	if !positive(c.Kc) {
		fe.add(prefix+".kc", "must be greater than 0")
	}
	if c.SowingMonth < 1 || c.SowingMonth > 12 {
		fe.add(prefix+".sowing_month", "must be between 1 and 12")
	}
	if len(c.GrowthStageDays) == 0 {
		fe.add(prefix+".growth_stage_days", "at least one growth stage is required")
	}
	total := 0
	for j, d := range c.GrowthStageDays {
		if d <= 0 {
			fe.add(fmt.Sprintf("%s.growth_stage_days[%d]", prefix, j), "must be greater than 0")
		}
		total += d
	}
	if total > maxSeasonDays {
		fe.add(prefix+".growth_stage_days", "season longer than %d days", maxSeasonDays)
	}
	if len(c.StageKc) > 0 {
		if len(c.StageKc) != len(c.GrowthStageDays) {
			fe.add(prefix+".stage_kc", "must match growth_stage_days length")
		}
		for j, k := range c.StageKc {
			if !positive(k) {
				fe.add(fmt.Sprintf("%s.stage_kc[%d]", prefix, j), "must be greater than 0")
			}
		}
	}
}

// seasonProfile walks the season day by day from the first day of the sowing
// month and returns crop evapotranspiration (mm) and occupied days per month.
func seasonProfile(c Crop, et0 []float64) ([12]float64, [12]int) {
	var etc [12]float64
	var days [12]int
	month := c.SowingMonth - 1
	day := 0
	for s, n := range c.GrowthStageDays {
		kc := c.Kc
		if len(c.StageKc) == len(c.GrowthStageDays) {
			kc = c.StageKc[s]
		}
		for d := 0; d < n; d++ {
			etc[month] += kc * et0[month]
			days[month]++
			day++
			if day == daysInMonth[month] {
				day = 0
				month = (month + 1) % 12
			}
		}
	}
	return etc, days
}
