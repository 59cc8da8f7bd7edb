package derive

import (
	"math"
	"strings"
)

// AreaFunc computes hectares from a geometry. It is an external utility;
// a nil AreaFunc means geometry input is not supported.
type AreaFunc func(geometry map[string]any) (float64, error)

type BasicInfoInput struct {
	ProjectName     string         `json:"project_name"`
	State           string         `json:"state,omitempty"`
	District        string         `json:"district,omitempty"`
	Block           string         `json:"block,omitempty"`
	Village         string         `json:"village,omitempty"`
	PotentialAreaHa *float64       `json:"potential_area_ha,omitempty"`
	Geometry        map[string]any `json:"geometry,omitempty"`
}

type BasicInfoDerived struct {
	PotentialAreaHa float64 `json:"potential_area_ha"`
	AreaSource      string  `json:"area_source"`
}

const (
	AreaDeclared = "declared"
	AreaGeometry = "geometry"
)

// DeriveBasicInfo settles the potential area. A declared area wins over geometry.
func DeriveBasicInfo(in BasicInfoInput, area AreaFunc) (BasicInfoDerived, error) {
	const stage = "basic_info"
	var fe fieldErrors
	if strings.TrimSpace(in.ProjectName) == "" {
		fe.add("project_name", "is required")
	}
	out := BasicInfoDerived{}
	switch {
	case in.PotentialAreaHa != nil:
		if !positive(*in.PotentialAreaHa) {
			fe.add("potential_area_ha", "must be greater than 0")
		}
		out.PotentialAreaHa = *in.PotentialAreaHa
		out.AreaSource = AreaDeclared
	case len(in.Geometry) > 0:
		if area == nil {
			fe.add("geometry", "area utility not configured; send potential_area_ha")
			break
		}
		ha, err := area(in.Geometry)
		if err != nil {
			fe.add("geometry", "%v", err)
			break
		}
		if !positive(ha) {
			fe.add("geometry", "computed area must be greater than 0")
		}
		out.PotentialAreaHa = ha
		out.AreaSource = AreaGeometry
	default:
		fe.add("potential_area_ha", "is required when no geometry is given")
	}
	if err := fe.err(stage); err != nil {
		return BasicInfoDerived{}, err
	}
	return out, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func nonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
