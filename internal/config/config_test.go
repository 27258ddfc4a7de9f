package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
system:
  log_level: info
detectors:
  radar:
    enabled: true
    device: /dev/ttyUSB0
    baud_rate: 256000
    model: ld2450
fusion:
  signal_max_age_seconds: 5.0
  rules:
    - signal: respiration_rate
      strategy: weighted_average
      min_sources: 1
      sources:
        - detector: radar
          field: respiration_rate
          weight: 1.0
alert_engine:
  detector_timeout_seconds: 10
  rules:
    - name: low respiration
      enabled: true
      combine: all
      severity: critical
      duration_seconds: 10
      cooldown_seconds: 30
      message: "respiration rate low"
      conditions:
        - source: "channel:respiration_rate"
          field: value
          operator: "<"
          value: 4
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, minimalYAML)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", c.System.LogLevel)
	assert.True(t, c.Detectors.Radar.Enabled)
	assert.Equal(t, "ld2450", c.Detectors.Radar.Model)
	require.Len(t, c.AlertEngine.Rules, 1)
	assert.Equal(t, 10.0, c.AlertEngine.Rules[0].ResolveHoldSecs) // default applied
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeTemp(t, `
system:
  log_level: loud
alert_engine:
  rules: []
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestLoadRejectsBadFusionStrategy(t *testing.T) {
	path := writeTemp(t, `
system:
  log_level: info
fusion:
  rules:
    - signal: x
      strategy: nonsense
      min_sources: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strategy")
}

func TestLoadRejectsRuleMissingConditions(t *testing.T) {
	path := writeTemp(t, `
system:
  log_level: info
alert_engine:
  rules:
    - name: broken
      combine: all
      severity: warning
      conditions: []
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conditions")
}

func TestResolvePathPrecedence(t *testing.T) {
	t.Setenv(EnvPath, "/env/path.yaml")
	assert.Equal(t, "/flag/path.yaml", ResolvePath("/flag/path.yaml"))
	assert.Equal(t, "/env/path.yaml", ResolvePath(""))

	t.Setenv(EnvPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
}

func TestToConditionSplitsSource(t *testing.T) {
	v := 5.0
	cc := ConditionConfig{Source: "detector:radar", Field: "respiration_rate", Operator: "<", Value: &v}
	cond := cc.ToCondition()
	assert.Equal(t, "radar", cond.Source)
	assert.Equal(t, 5.0, cond.Value)

	cc2 := ConditionConfig{Source: "apnea_risk", Field: "value", Operator: ">="}
	cond2 := cc2.ToCondition()
	assert.Equal(t, "apnea_risk", cond2.Source)
}
