package domain

// Stage identifiers in workflow order.
const (
	StageBasicInfo  = 1
	StageTechnology = 2
	StageCropWater  = 3
	StageHydraulics = 4
	StageResources  = 5
	StageBOQ        = 6

	StageCount = 6
)

var stageNames = [...]string{
	StageBasicInfo:  "basic_info",
	StageTechnology: "technology",
	StageCropWater:  "crop_water",
	StageHydraulics: "hydraulics",
	StageResources:  "resources",
	StageBOQ:        "boq",
}

// StageName returns the wire name for a stage id, or "" when out of range.
func StageName(id int) string {
	if id < 1 || id > StageCount {
		return ""
	}
	return stageNames[id]
}

// StageIDByName resolves a wire name to a stage id.
func StageIDByName(name string) (int, bool) {
	for id := 1; id <= StageCount; id++ {
		if stageNames[id] == name {
			return id, true
		}
	}
	return 0, false
}

// Project statuses.
const (
	ProjectDraft     = "draft"
	ProjectSubmitted = "submitted"
	ProjectApproved  = "approved"
)

// Resource categories.
const (
	CategoryMaterials = "materials"
	CategoryEquipment = "equipment"
	CategoryLabor     = "labor"
)

// Categories lists resource categories in reporting order.
var Categories = []string{CategoryMaterials, CategoryEquipment, CategoryLabor}

// ValidCategory reports whether c is a known resource category.
func ValidCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type Project struct {
	ID           string `json:"id"`
	Status       string `json:"status" enum:"draft,submitted,approved"`
	CurrentStage int    `json:"current_stage"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// StageRecord is the stored result of one stage. Inputs and Derived hold
// plain JSON-compatible values only.
type StageRecord struct {
	StageID     int            `json:"stage_id"`
	Name        string         `json:"name"`
	Inputs      map[string]any `json:"inputs"`
	Derived     map[string]any `json:"derived,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty" format:"date-time"`
}

// Complete reports whether the stage carries a completion stamp.
func (s StageRecord) Complete() bool {
	return s.CompletedAt != nil
}

type ResourceLineItem struct {
	ID       string  `json:"id"`
	ItemID   string  `json:"item_id,omitempty"`
	Category string  `json:"category" enum:"materials,equipment,labor"`
	Name     string  `json:"name"`
	Unit     string  `json:"unit"`
	UnitRate float64 `json:"unit_rate"`
	Quantity float64 `json:"quantity"`
	Amount   float64 `json:"amount"`
}

// Rates are fractional multipliers applied to the cost subtotal.
type Rates struct {
	ContingencyRate float64 `json:"contingency_rate"`
	TaxRate         float64 `json:"tax_rate"`
}

type CategoryTotals struct {
	Materials float64 `json:"materials"`
	Equipment float64 `json:"equipment"`
	Labor     float64 `json:"labor"`
}

// BOQSummary is derived from resource line items; it is never edited directly.
type BOQSummary struct {
	CategoryTotals  CategoryTotals `json:"category_totals"`
	Subtotal        float64        `json:"subtotal"`
	ContingencyRate float64        `json:"contingency_rate"`
	Contingency     float64        `json:"contingency"`
	TaxRate         float64        `json:"tax_rate"`
	Tax             float64        `json:"tax"`
	GrandTotal      float64        `json:"grand_total"`
	PotentialArea   float64        `json:"potential_area_ha"`
	CostPerHectare  *float64       `json:"cost_per_hectare"`
	AreaUndefined   bool           `json:"area_undefined"`
}

// TechnologyDetails is a catalog entry for a technology/irrigation-type pair.
// Efficiency is a fraction in [0,1].
type TechnologyDetails struct {
	Technology       string   `json:"technology"`
	IrrigationType   string   `json:"irrigation_type"`
	Efficiency       float64  `json:"efficiency"`
	WaterRequirement float64  `json:"water_requirement"`
	LifespanYears    float64  `json:"lifespan_years"`
	MaintenanceLevel string   `json:"maintenance_level"`
	SuitabilityTags  []string `json:"suitability_tags,omitempty"`
}

// Rate is a resource price catalog entry.
type Rate struct {
	Unit     string  `json:"unit"`
	UnitRate float64 `json:"unit_rate"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
