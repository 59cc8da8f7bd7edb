package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"irriline/internal/domain"
)

const ProjectKind = "irrigation-project"

// Config models irriline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Costing struct {
		ContingencyRate float64 `yaml:"contingency_rate" json:"contingency_rate"`
		TaxRate         float64 `yaml:"tax_rate" json:"tax_rate"`
	} `yaml:"costing" json:"costing"`
	Hydraulics struct {
		PipeVelocityMPS   float64 `yaml:"pipe_velocity_mps" json:"pipe_velocity_mps"`
		PumpEfficiencyPct float64 `yaml:"pump_efficiency_pct" json:"pump_efficiency_pct"`
	} `yaml:"hydraulics" json:"hydraulics"`
	Catalog struct {
		Technologies []TechnologyEntry `yaml:"technologies" json:"technologies"`
		Prices       []PriceEntry      `yaml:"prices" json:"prices"`
	} `yaml:"catalog" json:"catalog"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// TechnologyEntry describes one technology/irrigation-type pair. Efficiency
// is a whole-number percent here and a fraction everywhere else.
type TechnologyEntry struct {
	Technology       string   `yaml:"technology" json:"technology"`
	IrrigationType   string   `yaml:"irrigation_type" json:"irrigation_type"`
	EfficiencyPct    float64  `yaml:"efficiency_pct" json:"efficiency_pct"`
	WaterRequirement float64  `yaml:"water_requirement" json:"water_requirement"`
	LifespanYears    float64  `yaml:"lifespan_years" json:"lifespan_years"`
	MaintenanceLevel string   `yaml:"maintenance_level" json:"maintenance_level"`
	SuitabilityTags  []string `yaml:"suitability_tags,omitempty" json:"suitability_tags,omitempty"`
}

type PriceEntry struct {
	Category string  `yaml:"category" json:"category"`
	ItemID   string  `yaml:"item_id" json:"item_id"`
	Unit     string  `yaml:"unit" json:"unit"`
	UnitRate float64 `yaml:"unit_rate" json:"unit_rate"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Rates returns the default contingency and tax rates.
func (c *Config) Rates() domain.Rates {
	return domain.Rates{ContingencyRate: c.Costing.ContingencyRate, TaxRate: c.Costing.TaxRate}
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with il project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != ProjectKind {
		return fmt.Errorf("config.project.kind must be '%s'", ProjectKind)
	}
	if !fraction(c.Costing.ContingencyRate) {
		return fmt.Errorf("config.costing.contingency_rate must be a fraction between 0 and 1")
	}
	if !fraction(c.Costing.TaxRate) {
		return fmt.Errorf("config.costing.tax_rate must be a fraction between 0 and 1")
	}
	if c.Hydraulics.PipeVelocityMPS <= 0 {
		return fmt.Errorf("config.hydraulics.pipe_velocity_mps must be greater than 0")
	}
	if c.Hydraulics.PumpEfficiencyPct <= 0 || c.Hydraulics.PumpEfficiencyPct > 100 {
		return fmt.Errorf("config.hydraulics.pump_efficiency_pct must be in (0,100]")
	}
	techSeen := map[string]bool{}
	for i, t := range c.Catalog.Technologies {
		if strings.TrimSpace(t.Technology) == "" || strings.TrimSpace(t.IrrigationType) == "" {
			return fmt.Errorf("catalog.technologies[%d] needs technology and irrigation_type", i)
		}
		if t.EfficiencyPct <= 0 || t.EfficiencyPct > 100 {
			return fmt.Errorf("technology %s/%s efficiency_pct must be in (0,100]", t.Technology, t.IrrigationType)
		}
		key := strings.ToLower(t.Technology + "|" + t.IrrigationType)
		if techSeen[key] {
			return fmt.Errorf("technology %s/%s listed twice", t.Technology, t.IrrigationType)
		}
		techSeen[key] = true
	}
	priceSeen := map[string]bool{}
	for i, p := range c.Catalog.Prices {
		if !domain.ValidCategory(p.Category) {
			return fmt.Errorf("catalog.prices[%d] has unknown category %s", i, p.Category)
		}
		if strings.TrimSpace(p.ItemID) == "" {
			return fmt.Errorf("catalog.prices[%d] item_id is required", i)
		}
		if p.UnitRate < 0 {
			return fmt.Errorf("price %s/%s unit_rate must be non-negative", p.Category, p.ItemID)
		}
		key := strings.ToLower(p.Category + "|" + p.ItemID)
		if priceSeen[key] {
			return fmt.Errorf("price %s/%s listed twice", p.Category, p.ItemID)
		}
		priceSeen[key] = true
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must be non-negative", i)
		}
	}
	return nil
}

func fraction(v float64) bool {
	return v >= 0 && v <= 1
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "irriline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	cfg.Project.Kind = ProjectKind
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: irrigation-project

costing:
  contingency_rate: 0.10
  tax_rate: 0.18

hydraulics:
  pipe_velocity_mps: 1.5
  pump_efficiency_pct: 70

catalog:
  technologies:
    - technology: drip
      irrigation_type: surface
      efficiency_pct: 90
      water_requirement: 4.5
      lifespan_years: 10
      maintenance_level: high
      suitability_tags: [orchards, vegetables, water-scarce]
    - technology: drip
      irrigation_type: subsurface
      efficiency_pct: 95
      water_requirement: 4.0
      lifespan_years: 15
      maintenance_level: high
      suitability_tags: [row-crops, sandy-soils]
    - technology: sprinkler
      irrigation_type: portable
      efficiency_pct: 75
      water_requirement: 6.0
      lifespan_years: 8
      maintenance_level: medium
      suitability_tags: [cereals, pulses, undulating-terrain]
    - technology: sprinkler
      irrigation_type: centre-pivot
      efficiency_pct: 85
      water_requirement: 5.5
      lifespan_years: 20
      maintenance_level: medium
      suitability_tags: [large-fields, cereals]
    - technology: surface
      irrigation_type: furrow
      efficiency_pct: 60
      water_requirement: 8.0
      lifespan_years: 5
      maintenance_level: low
      suitability_tags: [row-crops, clay-soils]

  prices:
    - category: materials
      item_id: hdpe-pipe-63mm
      unit: m
      unit_rate: 145
    - category: materials
      item_id: pvc-pipe-90mm
      unit: m
      unit_rate: 210
    - category: materials
      item_id: drip-lateral-16mm
      unit: m
      unit_rate: 12
    - category: equipment
      item_id: pump-5hp
      unit: nos
      unit_rate: 38000
    - category: equipment
      item_id: sand-filter
      unit: nos
      unit_rate: 26500
    - category: labor
      item_id: trenching
      unit: m
      unit_rate: 55
    - category: labor
      item_id: skilled-day
      unit: day
      unit_rate: 900
`
