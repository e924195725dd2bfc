package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"flowline/internal/domain"
)

// Config models flowline.yml.
type Config struct {
	Frequency   domain.FrequencySettings `yaml:"frequency" json:"frequency"`
	Scoring     ScoringPolicy            `yaml:"scoring" json:"scoring"`
	Attachments AttachmentLimits         `yaml:"attachments" json:"attachments"`
	Approvers   struct {
		Roles []string `yaml:"roles" json:"roles"`
	} `yaml:"approvers" json:"approvers"`
}

// ScoringPolicy is the configurable punctuality curve: OnTimeScore at or
// before the planned date, minus PerDayPenalty per full day late, never
// below MinScore. Deterministic for the same inputs.
type ScoringPolicy struct {
	OnTimeScore   float64 `yaml:"on_time_score" json:"on_time_score"`
	PerDayPenalty float64 `yaml:"per_day_penalty" json:"per_day_penalty"`
	MinScore      float64 `yaml:"min_score" json:"min_score"`
}

// Score applies the curve to a lateness measured in whole days.
func (p ScoringPolicy) Score(daysLate int) float64 {
	if daysLate <= 0 {
		return p.OnTimeScore
	}
	s := p.OnTimeScore - float64(daysLate)*p.PerDayPenalty
	if s < p.MinScore {
		return p.MinScore
	}
	return s
}

// AttachmentLimits bound per-task attachment metadata.
type AttachmentLimits struct {
	MaxFiles        int   `yaml:"max_files" json:"max_files"`
	MaxFileSizeByte int64 `yaml:"max_file_size_bytes" json:"max_file_size_bytes"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scoring.OnTimeScore <= 0 {
		return fmt.Errorf("config.scoring.on_time_score must be positive")
	}
	if c.Scoring.PerDayPenalty < 0 {
		return fmt.Errorf("config.scoring.per_day_penalty must not be negative")
	}
	if c.Scoring.MinScore < 0 || c.Scoring.MinScore > c.Scoring.OnTimeScore {
		return fmt.Errorf("config.scoring.min_score must be between 0 and on_time_score")
	}
	if c.Attachments.MaxFiles <= 0 {
		return fmt.Errorf("config.attachments.max_files must be positive")
	}
	if c.Attachments.MaxFileSizeByte <= 0 {
		return fmt.Errorf("config.attachments.max_file_size_bytes must be positive")
	}
	if len(c.Approvers.Roles) == 0 {
		return fmt.Errorf("config.approvers.roles must not be empty")
	}
	for _, r := range c.Approvers.Roles {
		if r == "" {
			return fmt.Errorf("config.approvers.roles contains empty role id")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `frequency:
  include_sunday: false
  shift_sunday_to_monday: true

scoring:
  on_time_score: 100
  per_day_penalty: 5
  min_score: 0

attachments:
  max_files: 3
  max_file_size_bytes: 10485760

approvers:
  roles: [admin, approver]
`
