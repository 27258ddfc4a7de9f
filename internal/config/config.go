// Package config loads and validates the YAML configuration.
// Path precedence is flag > env > default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"nightwatch/internal/model"
)

// DefaultPath is used when neither --config nor NIGHTWATCH_CONFIG is set.
const DefaultPath = "/etc/nightwatch/config.yaml"

// EnvPath is the environment variable override for the config path.
const EnvPath = "NIGHTWATCH_CONFIG"

// Config is the root of the YAML document.
type Config struct {
	System      System      `yaml:"system"`
	Detectors   Detectors   `yaml:"detectors"`
	Fusion      Fusion      `yaml:"fusion"`
	AlertEngine AlertEngine `yaml:"alert_engine"`
	Notifiers   Notifiers   `yaml:"notifiers"`
	MockSensors bool        `yaml:"mock_sensors"`
}

// System holds process-wide settings.
type System struct {
	LogLevel     string `yaml:"log_level"`
	DataDir      string `yaml:"data_dir"`
	StreamListen string `yaml:"stream_listen"` // local stream endpoint bind address
}

// Detectors groups the per-sensor-family settings.
type Detectors struct {
	Radar      RadarDetector      `yaml:"radar"`
	Audio      AudioDetector      `yaml:"audio"`
	Capacitive CapacitiveDetector `yaml:"capacitive"`
	BCG        BCGDetector        `yaml:"bcg"`
}

// RadarDetector configures the mmWave UART driver.
type RadarDetector struct {
	Enabled  bool   `yaml:"enabled"`
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	Model    string `yaml:"model"` // ld2450 | ld2410
}

// AudioDetector configures the USB microphone driver.
type AudioDetector struct {
	Enabled    bool   `yaml:"enabled"`
	Device     string `yaml:"device"`
	SampleRate int    `yaml:"sample_rate"`
}

// CapacitiveDetector configures the I2C ADC driver.
type CapacitiveDetector struct {
	Enabled    bool   `yaml:"enabled"`
	Bus        string `yaml:"bus"` // e.g. "/dev/i2c-1"
	I2CAddress int    `yaml:"i2c_address"`
	SampleRate int    `yaml:"sample_rate"`
}

// BCGDetector configures the under-mattress piezo ADC driver. It
// shares the capacitive family's I2C/SPI transport.
type BCGDetector struct {
	Enabled    bool   `yaml:"enabled"`
	Bus        string `yaml:"bus"`
	I2CAddress int    `yaml:"i2c_address"`
	SampleRate int    `yaml:"sample_rate"`
}

// Fusion configures the fusion engine and its channel rules.
type Fusion struct {
	SignalMaxAgeSeconds    float64      `yaml:"signal_max_age_seconds"`
	CrossValidationEnabled bool         `yaml:"cross_validation_enabled"`
	AgreementBonus         float64      `yaml:"agreement_bonus"`
	DisagreementPenalty    float64      `yaml:"disagreement_penalty"`
	Rules                  []FusionRule `yaml:"rules"`
}

// FusionRule configures one channel's fusion strategy.
type FusionRule struct {
	Signal             string         `yaml:"signal"`
	Sources            []FusionSource `yaml:"sources"`
	Strategy           string         `yaml:"strategy"` // weighted_average|best_confidence|voting|any|all|computed
	MinSources         int            `yaml:"min_sources"`
	AgreementThreshold float64        `yaml:"agreement_threshold"`
	DisagreementLimit  float64        `yaml:"disagreement_limit"`
	MaxDeviation       float64        `yaml:"max_deviation"` // per-channel deviation scale for agreement
}

// FusionSource names one (detector, field) contributor with an
// optional weight (default 1.0).
type FusionSource struct {
	Detector string  `yaml:"detector"`
	Field    string  `yaml:"field"`
	Weight   float64 `yaml:"weight"`
}

// AlertEngine configures detector staleness and the rule table.
type AlertEngine struct {
	DetectorTimeoutSeconds float64      `yaml:"detector_timeout_seconds"`
	Rules                  []RuleConfig `yaml:"rules"`
}

// RuleConfig is the YAML shape of a Rule.
type RuleConfig struct {
	Name            string            `yaml:"name"`
	Enabled         bool              `yaml:"enabled"`
	Conditions      []ConditionConfig `yaml:"conditions"`
	Combine         string            `yaml:"combine"` // all|any
	Severity        string            `yaml:"severity"`
	DurationSeconds float64           `yaml:"duration_seconds"`
	CooldownSeconds float64           `yaml:"cooldown_seconds"`
	ResolveHoldSecs float64           `yaml:"resolve_hold_seconds"`
	Message         string            `yaml:"message"`
}

// ConditionConfig is the YAML shape of a Condition.
type ConditionConfig struct {
	Source          string   `yaml:"source"` // "channel:<name>" or "detector:<id>"
	Field           string   `yaml:"field"`
	Operator        string   `yaml:"operator"`
	Value           *float64 `yaml:"value"`
	BoolValue       *bool    `yaml:"bool_value"`
	DurationSeconds float64  `yaml:"duration_seconds"`
}

// Notifiers configures the notifier's sinks.
type Notifiers struct {
	Audio AudioNotifier `yaml:"audio"`
	Push  PushNotifier  `yaml:"push"`
}

// AudioNotifier configures the local alarm sink.
type AudioNotifier struct {
	Enabled       bool    `yaml:"enabled"`
	SoundsDir     string  `yaml:"sounds_dir"`
	InitialVolume float64 `yaml:"initial_volume"`
	GPIOChip      string  `yaml:"gpio_chip"` // e.g. gpiochip0; empty = tone only
	AlarmGPIOLine int     `yaml:"alarm_gpio_line"`
	AckGPIOLine   int     `yaml:"ack_gpio_line"`
}

// PushNotifier configures the external push sink.
type PushNotifier struct {
	Enabled     bool              `yaml:"enabled"`
	Provider    string            `yaml:"provider"` // pushover|ntfy|webhook
	Endpoint    string            `yaml:"endpoint"`
	Credentials map[string]string `yaml:"credentials"`
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ResolvePath implements the flag > env > default precedence.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(EnvPath); v != "" {
		return v
	}
	return DefaultPath
}

func applyDefaults(c *Config) {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.StreamListen == "" {
		c.System.StreamListen = "127.0.0.1:8600"
	}
	if c.System.DataDir == "" {
		c.System.DataDir = "/var/cache/nightwatch"
	}
	if c.Fusion.SignalMaxAgeSeconds == 0 {
		c.Fusion.SignalMaxAgeSeconds = 5.0
	}
	if c.Fusion.AgreementBonus == 0 {
		c.Fusion.AgreementBonus = 0.1
	}
	if c.Fusion.DisagreementPenalty == 0 {
		c.Fusion.DisagreementPenalty = 0.2
	}
	if c.AlertEngine.DetectorTimeoutSeconds == 0 {
		c.AlertEngine.DetectorTimeoutSeconds = 10.0
	}
	for i := range c.AlertEngine.Rules {
		if c.AlertEngine.Rules[i].ResolveHoldSecs == 0 {
			c.AlertEngine.Rules[i].ResolveHoldSecs = 10.0
		}
	}
	if c.Notifiers.Audio.InitialVolume == 0 {
		c.Notifiers.Audio.InitialVolume = 0.8
	}
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate applies the structural and semantic checks; a failure
// here is a configuration error the CLI reports with exit code 2.
func (c *Config) Validate() error {
	if !validLogLevels[c.System.LogLevel] {
		return fmt.Errorf("config: system.log_level %q is not one of trace/debug/info/warn/error", c.System.LogLevel)
	}
	if c.Fusion.SignalMaxAgeSeconds <= 0 {
		return fmt.Errorf("config: fusion.signal_max_age_seconds must be > 0")
	}
	for _, r := range c.Fusion.Rules {
		if r.Signal == "" {
			return fmt.Errorf("config: fusion rule missing signal name")
		}
		switch r.Strategy {
		case "weighted_average", "best_confidence", "voting", "any", "all", "computed":
		default:
			return fmt.Errorf("config: fusion rule %q has unknown strategy %q", r.Signal, r.Strategy)
		}
		if r.MinSources <= 0 {
			return fmt.Errorf("config: fusion rule %q must set min_sources >= 1", r.Signal)
		}
	}
	for _, r := range c.AlertEngine.Rules {
		if r.Name == "" {
			return fmt.Errorf("config: alert rule missing name")
		}
		if r.Combine != string(model.CombineAll) && r.Combine != string(model.CombineAny) {
			return fmt.Errorf("config: alert rule %q has invalid combine %q", r.Name, r.Combine)
		}
		if r.Severity != string(model.SeverityWarning) && r.Severity != string(model.SeverityCritical) {
			return fmt.Errorf("config: alert rule %q has invalid severity %q", r.Name, r.Severity)
		}
		if len(r.Conditions) == 0 {
			return fmt.Errorf("config: alert rule %q has no conditions", r.Name)
		}
		for _, cond := range r.Conditions {
			if cond.Operator == "" {
				return fmt.Errorf("config: alert rule %q has a condition missing operator", r.Name)
			}
		}
	}
	if c.Notifiers.Push.Enabled {
		switch c.Notifiers.Push.Provider {
		case "pushover", "ntfy", "webhook":
		default:
			return fmt.Errorf("config: notifiers.push.provider %q is not one of pushover/ntfy/webhook", c.Notifiers.Push.Provider)
		}
	}
	return nil
}

// SignalMaxAge returns the fusion staleness threshold as a duration.
func (c *Config) SignalMaxAge() time.Duration {
	return time.Duration(c.Fusion.SignalMaxAgeSeconds * float64(time.Second))
}

// DetectorTimeout returns the detector staleness threshold as a duration.
func (c *Config) DetectorTimeout() time.Duration {
	return time.Duration(c.AlertEngine.DetectorTimeoutSeconds * float64(time.Second))
}

// ToRule converts a parsed RuleConfig into a model.Rule.
func (rc RuleConfig) ToRule() model.Rule {
	conds := make([]model.Condition, len(rc.Conditions))
	for i, cc := range rc.Conditions {
		conds[i] = cc.ToCondition()
	}
	resolveHold := rc.ResolveHoldSecs
	if resolveHold == 0 {
		resolveHold = 10.0
	}
	return model.Rule{
		Name:            rc.Name,
		Enabled:         rc.Enabled,
		Conditions:      conds,
		Combine:         model.Combine(rc.Combine),
		Severity:        model.Severity(rc.Severity),
		DurationSeconds: rc.DurationSeconds,
		CooldownSeconds: rc.CooldownSeconds,
		ResolveHoldSecs: resolveHold,
		Message:         rc.Message,
	}
}

// ToCondition converts a parsed ConditionConfig into a model.Condition.
// Source strings are "channel:<name>" or "detector:<id>"; a bare name
// with no prefix is treated as a channel reference.
func (cc ConditionConfig) ToCondition() model.Condition {
	kind, name := splitSource(cc.Source)
	cond := model.Condition{
		SourceKind:      kind,
		Source:          name,
		Field:           cc.Field,
		Operator:        model.Operator(cc.Operator),
		DurationSeconds: cc.DurationSeconds,
	}
	if cc.Value != nil {
		cond.Value = *cc.Value
	}
	if cc.BoolValue != nil {
		cond.IsBool = true
		cond.BoolValue = *cc.BoolValue
	}
	return cond
}

func splitSource(s string) (model.SourceKind, string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			prefix, rest := s[:i], s[i+1:]
			switch prefix {
			case "channel":
				return model.SourceChannel, rest
			case "detector":
				return model.SourceDetector, rest
			}
		}
	}
	return model.SourceChannel, s
}
