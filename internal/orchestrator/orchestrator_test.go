package orchestrator

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nightwatch/internal/busx"
	"nightwatch/internal/config"
	"nightwatch/internal/model"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time     { return c.now }
func (c *fakeClock) WallNow() time.Time { return c.now }

func testLogger() *log.Logger {
	l := log.New(io.Discard)
	l.SetLevel(log.FatalLevel)
	return l
}

func minimalConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.System.LogLevel = "info"
	cfg.System.StreamListen = "127.0.0.1:0"
	cfg.System.DataDir = t.TempDir()
	cfg.Fusion.SignalMaxAgeSeconds = 5
	cfg.AlertEngine.DetectorTimeoutSeconds = 10
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(5000, 0)}
	o, err := New(minimalConfig(t), testLogger(), clock)
	require.NoError(t, err)
	return o, clock
}

func TestControlRejectsUnknownType(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	err := o.Control(model.ControlMessage{Type: "reboot"})
	require.Error(t, err)
}

func TestPauseExpires(t *testing.T) {
	o, clock := newTestOrchestrator(t)

	require.NoError(t, o.Control(model.ControlMessage{Type: model.ControlPause, PauseMinutes: 10}))
	assert.True(t, o.Pause().Paused)

	clock.now = clock.now.Add(11 * time.Minute)
	assert.False(t, o.Pause().Paused)
}

func TestPauseResumeIdempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	require.NoError(t, o.Control(model.ControlMessage{Type: model.ControlResume}))
	assert.False(t, o.Pause().Paused)

	require.NoError(t, o.Control(model.ControlMessage{Type: model.ControlPause, PauseMinutes: 5}))
	require.NoError(t, o.Control(model.ControlMessage{Type: model.ControlPause, PauseMinutes: 5}))
	assert.True(t, o.Pause().Paused)

	require.NoError(t, o.Control(model.ControlMessage{Type: model.ControlResume}))
	require.NoError(t, o.Control(model.ControlMessage{Type: model.ControlResume}))
	assert.False(t, o.Pause().Paused)
}

func TestTestAlertPublishes(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	h := o.Bus().Subscribe(busx.TopicAlerts, 8)

	require.NoError(t, o.Control(model.ControlMessage{Type: model.ControlTestAlert, TestSeverity: model.SeverityCritical}))

	msg := <-h.C()
	a, ok := msg.Payload.(model.Alert)
	require.True(t, ok)
	assert.Equal(t, model.SeverityCritical, a.Level)
	assert.Equal(t, "test", a.RuleName)
}

func TestAckForwardedToControlTopic(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	h := o.Bus().Subscribe(busx.TopicControl, 8)

	require.NoError(t, o.Control(model.ControlMessage{Type: model.ControlAck, AlertID: "x"}))

	msg := <-h.C()
	cm, ok := msg.Payload.(model.ControlMessage)
	require.True(t, ok)
	assert.Equal(t, model.ControlAck, cm.Type)
	assert.Equal(t, "x", cm.AlertID)
}

func TestOfflineRuleFiresWhenDetectorGoesQuiet(t *testing.T) {
	o, clock := newTestOrchestrator(t)
	h := o.Bus().Subscribe(busx.TopicAlerts, 8)

	o.registry.Touch("radar", clock.now)
	o.installOfflineRule("radar")

	// Silence past the staleness threshold, then sweep and publish
	// the health event, as the supervisor loop does each second.
	evH := o.Bus().Subscribe(busx.TopicEvents, 8)
	clock.now = clock.now.Add(11 * time.Second)
	o.registry.Sweep(clock.now)
	o.publishHealthEvent(clock.now)

	// The engine consumes events via Run in production; feed the
	// published health event to it directly here.
	msg := <-evH.C()
	ev, ok := msg.Payload.(model.Event)
	require.True(t, ok)
	assert.Equal(t, true, ev.Value["radar_unresponsive"])
	o.alerts.HandleEvent(ev)

	select {
	case msg := <-h.C():
		a, ok := msg.Payload.(model.Alert)
		require.True(t, ok)
		assert.Equal(t, "Detector offline: radar", a.RuleName)
		assert.Equal(t, model.SeverityWarning, a.Level)
	default:
		t.Fatal("expected the synthetic offline alert to fire")
	}
}
