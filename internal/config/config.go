package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Operation type classes understood by the compatibility matrix.
const (
	TypeTurning  = "turning"
	TypeMilling  = "milling"
	TypeDrilling = "drilling"
	TypeGrinding = "grinding"
)

// AnyClass in a matrix row allows every machine class.
const AnyClass = "*"

const (
	UnknownFallback = "fallback"
	UnknownReject   = "reject"

	TargetOrderQuantity = "order_quantity"
	TargetFixed         = "fixed"

	OverdueKeep    = "keep"
	OverdueElevate = "elevate"
)

// TypeOrder is the evaluation order of keyword classification.
var TypeOrder = []string{TypeTurning, TypeMilling, TypeDrilling, TypeGrinding}

// Config models shopfloor.yml.
type Config struct {
	Plant struct {
		ID string `yaml:"id"`
	} `yaml:"plant"`
	Compatibility Compatibility `yaml:"compatibility"`
	Preprocess    Preprocess    `yaml:"preprocess"`
	Reconcile     Reconcile     `yaml:"reconcile"`
	Completion    struct {
		SuccessorStatus string `yaml:"successor_status"`
	} `yaml:"completion"`
	Notifier  Notifier `yaml:"notifier"`
	Recommend struct {
		Limit int `yaml:"limit"`
	} `yaml:"recommend"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type Compatibility struct {
	Classes         []string            `yaml:"classes"`
	Keywords        map[string][]string `yaml:"keywords"`
	Matrix          map[string][]string `yaml:"matrix"`
	AxisConstrained []string            `yaml:"axis_constrained"`
	UnknownType     struct {
		Policy   string `yaml:"policy"`
		Fallback string `yaml:"fallback"`
	} `yaml:"unknown_type"`
}

type Preprocess struct {
	BufferFactor             float64 `yaml:"buffer_factor"`
	SetupMinutesPerOperation float64 `yaml:"setup_minutes_per_operation"`
	MinutesPerDay            float64 `yaml:"minutes_per_day"`
	WeekendFactor            float64 `yaml:"weekend_factor"`
	WeekendPaddingDays       int     `yaml:"weekend_padding_days"`
	OverduePriority          string  `yaml:"overdue_priority"`
	DefaultEstimatedMinutes  float64 `yaml:"default_estimated_minutes"`
}

type Reconcile struct {
	TargetSource        string `yaml:"target_source"`
	FixedTarget         int    `yaml:"fixed_target"`
	OperatorPlaceholder string `yaml:"operator_placeholder"`
	AutoComplete        *bool  `yaml:"auto_complete"`
	LookbackHours       int    `yaml:"lookback_hours"`
}

type Notifier struct {
	LedgerTTLHours          int `yaml:"ledger_ttl_hours"`
	FallbackIntervalSeconds int `yaml:"fallback_interval_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// AutoCompleteEnabled reports whether reconciliation drives completion.
func (r Reconcile) AutoCompleteEnabled() bool {
	return r.AutoComplete == nil || *r.AutoComplete
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with sf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Plant.ID == "" {
		return fmt.Errorf("config.plant.id is required")
	}
	if err := c.Compatibility.validate(); err != nil {
		return err
	}
	p := c.Preprocess
	if p.BufferFactor < 1 {
		return fmt.Errorf("config.preprocess.buffer_factor must be >= 1")
	}
	if p.MinutesPerDay <= 0 {
		return fmt.Errorf("config.preprocess.minutes_per_day must be positive")
	}
	if p.WeekendFactor < 1 {
		return fmt.Errorf("config.preprocess.weekend_factor must be >= 1")
	}
	if p.SetupMinutesPerOperation < 0 || p.WeekendPaddingDays < 0 {
		return fmt.Errorf("config.preprocess setup minutes and padding days must not be negative")
	}
	if p.DefaultEstimatedMinutes <= 0 {
		return fmt.Errorf("config.preprocess.default_estimated_minutes must be positive")
	}
	switch p.OverduePriority {
	case OverdueKeep, OverdueElevate:
	default:
		return fmt.Errorf("config.preprocess.overdue_priority must be %s or %s", OverdueKeep, OverdueElevate)
	}
	switch c.Reconcile.TargetSource {
	case TargetOrderQuantity:
	case TargetFixed:
		if c.Reconcile.FixedTarget <= 0 {
			return fmt.Errorf("config.reconcile.fixed_target must be positive when target_source is fixed")
		}
	default:
		return fmt.Errorf("config.reconcile.target_source must be %s or %s", TargetOrderQuantity, TargetFixed)
	}
	if c.Reconcile.LookbackHours < 0 {
		return fmt.Errorf("config.reconcile.lookback_hours must not be negative")
	}
	switch c.Completion.SuccessorStatus {
	case "PENDING", "READY":
	default:
		return fmt.Errorf("config.completion.successor_status must be PENDING or READY")
	}
	if c.Notifier.LedgerTTLHours < 0 || c.Notifier.FallbackIntervalSeconds < 0 {
		return fmt.Errorf("config.notifier values must not be negative")
	}
	if c.Recommend.Limit <= 0 {
		return fmt.Errorf("config.recommend.limit must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func (c Compatibility) validate() error {
	if len(c.Classes) == 0 {
		return fmt.Errorf("config.compatibility.classes is required")
	}
	classes := make(map[string]bool, len(c.Classes))
	for _, cls := range c.Classes {
		if cls == "" || cls == AnyClass {
			return fmt.Errorf("config.compatibility.classes contains invalid class %q", cls)
		}
		classes[cls] = true
	}
	for _, typ := range TypeOrder {
		if len(c.Keywords[typ]) == 0 {
			return fmt.Errorf("config.compatibility.keywords.%s is required", typ)
		}
		for _, kw := range c.Keywords[typ] {
			if strings.TrimSpace(kw) == "" {
				return fmt.Errorf("keyword list for %s contains an empty token", typ)
			}
		}
		row, ok := c.Matrix[typ]
		if !ok || len(row) == 0 {
			return fmt.Errorf("config.compatibility.matrix.%s is required", typ)
		}
		for _, cls := range row {
			if cls != AnyClass && !classes[cls] {
				return fmt.Errorf("matrix row %s references unknown class %s", typ, cls)
			}
		}
	}
	for typ := range c.Matrix {
		if !knownType(typ) {
			return fmt.Errorf("config.compatibility.matrix has unknown operation type %s", typ)
		}
	}
	for typ := range c.Keywords {
		if !knownType(typ) {
			return fmt.Errorf("config.compatibility.keywords has unknown operation type %s", typ)
		}
	}
	for _, typ := range c.AxisConstrained {
		if !knownType(typ) {
			return fmt.Errorf("config.compatibility.axis_constrained has unknown operation type %s", typ)
		}
	}
	switch c.UnknownType.Policy {
	case UnknownFallback:
		if !knownType(c.UnknownType.Fallback) {
			return fmt.Errorf("config.compatibility.unknown_type.fallback must be one of %s", strings.Join(TypeOrder, ","))
		}
	case UnknownReject:
	default:
		return fmt.Errorf("config.compatibility.unknown_type.policy must be %s or %s", UnknownFallback, UnknownReject)
	}
	return nil
}

func knownType(typ string) bool {
	for _, t := range TypeOrder {
		if t == typ {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shopfloor.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(plantID string) string {
	return fmt.Sprintf(defaultTemplate, plantID)
}

// Default returns the default Config struct for a plant.
func Default(plantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(plantID))).Decode(&cfg)
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

// YAML renders the config back to YAML.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `plant:
  id: %s

compatibility:
  classes: [turning, milling]
  keywords:
    turning: [turn, lathe, токар]
    milling: [mill, фрез]
    drilling: [drill, сверл]
    grinding: [grind, шлиф]
  matrix:
    turning: [turning]
    milling: [milling]
    drilling: [milling]
    grinding: ["*"]
  axis_constrained: [milling]
  unknown_type:
    policy: fallback
    fallback: milling

preprocess:
  buffer_factor: 1.3
  setup_minutes_per_operation: 30
  minutes_per_day: 480
  weekend_factor: 1.4
  weekend_padding_days: 2
  overdue_priority: keep
  default_estimated_minutes: 60

reconcile:
  target_source: order_quantity
  fixed_target: 30
  operator_placeholder: "unassigned"
  auto_complete: true
  lookback_hours: 0

completion:
  successor_status: PENDING

notifier:
  ledger_ttl_hours: 0
  fallback_interval_seconds: 30

recommend:
  limit: 3
`
