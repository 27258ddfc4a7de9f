// Package orchestrator owns the process lifecycle: it wires the bus,
// fusion engine, alert engine, notifier and detectors together from
// configuration, supervises health, applies control requests, and
// drives graceful shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"nightwatch/internal/alertengine"
	"nightwatch/internal/busx"
	"nightwatch/internal/config"
	"nightwatch/internal/detector"
	"nightwatch/internal/driver"
	"nightwatch/internal/driver/audio"
	"nightwatch/internal/driver/i2cadc"
	"nightwatch/internal/driver/mock"
	"nightwatch/internal/driver/radar"
	"nightwatch/internal/fusion"
	"nightwatch/internal/health"
	"nightwatch/internal/model"
	"nightwatch/internal/notifier"
)

// ErrAllHardwareFailed is returned by Run when every detector failed
// to produce data for the whole startup grace period.
var ErrAllHardwareFailed = errors.New("orchestrator: no detector produced data within the startup grace period")

const (
	hardwareStartupGrace = 30 * time.Second
	shutdownBudget       = 3 * time.Second
	healthDetector       = "_health"
)

// Clock is the orchestrator-provided time source handed to the alert
// engine; tests substitute it.
type Clock = alertengine.Clock

// Orchestrator holds every component handle plus the pause state.
type Orchestrator struct {
	cfg   *config.Config
	log   *log.Logger
	clock Clock

	bus      *busx.Bus
	fusion   *fusion.Engine
	alerts   *alertengine.Engine
	notifier *notifier.Notifier
	alarm    *notifier.AlarmSink
	stream   *StreamServer
	registry *health.Registry

	detectors []detector.Detector

	mu            sync.Mutex
	pause         model.PauseState
	healthSeq     uint64
	startupFailed bool
	cancelRun     context.CancelFunc
}

// New builds the full pipeline from cfg. A nil clock uses the system
// clock.
func New(cfg *config.Config, logger *log.Logger, clock Clock) (*Orchestrator, error) {
	if clock == nil {
		clock = alertengine.SystemClock
	}
	o := &Orchestrator{
		cfg:      cfg,
		log:      logger,
		clock:    clock,
		bus:      busx.New(),
		registry: health.NewRegistry(cfg.DetectorTimeout()),
	}

	fusionCfg, err := buildFusionConfig(cfg)
	if err != nil {
		return nil, err
	}
	o.fusion = fusion.New(fusionCfg, o.bus)

	rules := make([]model.Rule, 0, len(cfg.AlertEngine.Rules))
	for _, rc := range cfg.AlertEngine.Rules {
		rules = append(rules, rc.ToRule())
	}
	o.alerts = alertengine.New(rules, o.bus, o.fusion, clock)
	o.alerts.SetMissingFieldHook(func(rule, field string) {
		logger.Warn("rule references missing field", "rule", rule, "field", field)
	})

	if err := o.buildDetectors(); err != nil {
		return nil, err
	}
	o.buildNotifier()
	o.stream = NewStreamServer(o.bus, logger.With("component", "stream"))
	return o, nil
}

// buildFusionConfig translates the YAML fusion rules, binding
// computed strategies to their implementations.
func buildFusionConfig(cfg *config.Config) (fusion.Config, error) {
	out := fusion.Config{
		SignalMaxAge:        cfg.SignalMaxAge(),
		AgreementBonus:      cfg.Fusion.AgreementBonus,
		DisagreementPenalty: cfg.Fusion.DisagreementPenalty,
	}
	for _, r := range cfg.Fusion.Rules {
		cr := fusion.ChannelRule{
			Name:               r.Signal,
			Strategy:           fusion.Strategy(r.Strategy),
			MinSources:         r.MinSources,
			AgreementThreshold: r.AgreementThreshold,
			DisagreementLimit:  r.DisagreementLimit,
			MaxDeviation:       r.MaxDeviation,
		}
		for _, s := range r.Sources {
			cr.Sources = append(cr.Sources, fusion.Source{
				Detector: s.Detector, Field: s.Field, Weight: s.Weight,
			})
		}
		if cr.Strategy == fusion.StrategyComputed {
			f, ok := fusion.LookupComputed(r.Signal)
			if !ok {
				return out, fmt.Errorf("config: fusion rule %q: no computed strategy with that name", r.Signal)
			}
			cr.Computed = f
		}
		out.Rules = append(out.Rules, cr)
	}
	return out, nil
}

// buildDetectors instantiates each enabled detector over its real
// driver, or over the deterministic mocks when mock_sensors is set.
func (o *Orchestrator) buildDetectors() error {
	cfg := o.cfg
	scenario := mock.DefaultScenario()
	logFor := func(name string) *log.Logger { return o.log.With("component", name) }

	if cfg.Detectors.Radar.Enabled {
		var drv driver.Driver
		if cfg.MockSensors {
			drv = mock.NewRadar(scenario)
		} else {
			drv = radar.New(cfg.Detectors.Radar.Device, cfg.Detectors.Radar.BaudRate, cfg.Detectors.Radar.Model)
		}
		o.detectors = append(o.detectors, detector.NewRadar(drv, o.bus, logFor("radar")))
	}
	if cfg.Detectors.Audio.Enabled {
		sr := cfg.Detectors.Audio.SampleRate
		if sr < 16000 {
			sr = 16000
		}
		var drv driver.Driver
		if cfg.MockSensors {
			drv = mock.NewAudio(scenario, sr)
		} else {
			drv = audio.New(cfg.Detectors.Audio.Device, sr)
		}
		o.detectors = append(o.detectors, detector.NewAudio(drv, sr, o.bus, logFor("audio")))
	}

	baselines, err := detector.NewBaselines(cfg.System.DataDir)
	if err != nil {
		o.log.Warn("baseline cache unavailable, using defaults", "err", err)
		baselines = nil
	}
	occupancy := func(name string) float64 {
		if baselines == nil {
			return 0
		}
		return baselines.Load(name)["occupancy_threshold"]
	}

	if cfg.Detectors.Capacitive.Enabled {
		var drv driver.Driver
		if cfg.MockSensors {
			drv = mock.NewADC("capacitive", scenario)
		} else {
			drv = i2cadc.New("capacitive", cfg.Detectors.Capacitive.Bus, cfg.Detectors.Capacitive.I2CAddress, cfg.Detectors.Capacitive.SampleRate)
		}
		o.detectors = append(o.detectors, detector.NewADC("capacitive", drv, occupancy("capacitive"), o.bus, logFor("capacitive")))
	}
	if cfg.Detectors.BCG.Enabled {
		var drv driver.Driver
		if cfg.MockSensors {
			drv = mock.NewADC("bcg", scenario)
		} else {
			drv = i2cadc.New("bcg", cfg.Detectors.BCG.Bus, cfg.Detectors.BCG.I2CAddress, cfg.Detectors.BCG.SampleRate)
		}
		o.detectors = append(o.detectors, detector.NewADC("bcg", drv, occupancy("bcg"), o.bus, logFor("bcg")))
	}
	return nil
}

func (o *Orchestrator) buildNotifier() {
	var sinks []notifier.Sink
	nc := o.cfg.Notifiers
	if nc.Audio.Enabled {
		o.alarm = notifier.NewAlarmSink(o.bus, nc.Audio.InitialVolume,
			nc.Audio.GPIOChip, nc.Audio.AlarmGPIOLine, nc.Audio.AckGPIOLine,
			o.log.With("component", "alarm"))
		sinks = append(sinks, o.alarm)
	}
	if nc.Push.Enabled {
		sinks = append(sinks, notifier.NewPushSink(nc.Push.Provider, nc.Push.Endpoint,
			nc.Push.Credentials, o.log.With("component", "push")))
	}
	o.notifier = notifier.New(o.bus, sinks, o.Pause, o.log.With("component", "notifier"))
}

// Bus exposes the bus for the CLI's control injection.
func (o *Orchestrator) Bus() *busx.Bus { return o.bus }

// Pause returns the current pause state, auto-expiring a timed pause.
func (o *Orchestrator) Pause() model.PauseState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pause.Paused && o.pause.PauseUntil != nil && o.clock.Now().After(*o.pause.PauseUntil) {
		o.pause = model.PauseState{}
	}
	return o.pause
}

// Control applies one control-inbox request. Unknown types are
// rejected. All operations are idempotent.
func (o *Orchestrator) Control(cm model.ControlMessage) error {
	switch cm.Type {
	case model.ControlPause:
		o.mu.Lock()
		until := o.clock.Now().Add(time.Duration(cm.PauseMinutes * float64(time.Minute)))
		o.pause = model.PauseState{Paused: true, PauseUntil: &until}
		o.mu.Unlock()
		if o.alarm != nil {
			o.alarm.Silence()
		}
		o.log.Info("paused", "minutes", cm.PauseMinutes)
		return nil
	case model.ControlResume:
		o.mu.Lock()
		o.pause = model.PauseState{}
		o.mu.Unlock()
		o.log.Info("resumed")
		return nil
	case model.ControlAck, model.ControlResolve:
		o.bus.Publish(busx.Message{Topic: busx.TopicControl, Producer: "orchestrator", Payload: cm})
		return nil
	case model.ControlTestAlert:
		o.fireTestAlert(cm.TestSeverity)
		return nil
	default:
		return fmt.Errorf("orchestrator: unknown control type %q", cm.Type)
	}
}

// fireTestAlert publishes a synthetic alert so operators can exercise
// the delivery path end to end.
func (o *Orchestrator) fireTestAlert(sev model.Severity) {
	if sev != model.SeverityCritical {
		sev = model.SeverityWarning
	}
	now := o.clock.WallNow()
	a := model.Alert{
		AlertID:     fmt.Sprintf("test-%d", now.UnixMilli()),
		RuleName:    "test",
		Level:       sev,
		Source:      "operator",
		Message:     fmt.Sprintf("test alert (%s)", sev),
		TriggeredAt: now,
	}
	o.bus.Publish(busx.Message{Topic: busx.TopicAlerts, Producer: "orchestrator", Payload: a})
}

// Run starts every component and blocks until ctx is cancelled or the
// hardware grace period elapses with no working detector.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancelRun = cancel
	o.mu.Unlock()

	port, err := o.stream.Listen(o.cfg.System.StreamListen)
	if err != nil {
		return fmt.Errorf("orchestrator: stream listen %s: %w", o.cfg.System.StreamListen, err)
	}
	o.log.Info("stream endpoint listening", "addr", o.cfg.System.StreamListen, "port", port)

	var wg sync.WaitGroup
	start := func(f func()) {
		wg.Add(1)
		go func() { defer wg.Done(); f() }()
	}

	done := runCtx.Done()
	start(func() { o.fusion.Run(done) })
	start(func() { o.alerts.Run(done) })
	start(func() { o.notifier.Run(runCtx) })
	start(func() { o.stream.Run(runCtx) })
	start(func() { announce(runCtx, port, o.log.With("component", "mdns")) })
	if o.alarm != nil {
		start(func() { o.alarm.WatchAckButton(runCtx) })
	}

	for _, d := range o.detectors {
		det := d
		o.registry.Touch(det.Name(), o.clock.Now())
		o.installOfflineRule(det.Name())
		start(func() { det.Run(runCtx) })
	}

	start(func() { o.superviseHealth(runCtx) })

	<-runCtx.Done()
	if o.alarm != nil {
		o.alarm.Silence()
	}

	// Give detectors the disconnect budget, then stop waiting.
	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(shutdownBudget):
		o.log.Warn("shutdown budget exceeded, exiting with tasks still stopping")
	}

	if o.StartupFailed() {
		return ErrAllHardwareFailed
	}
	if errors.Is(ctx.Err(), context.Canceled) || ctx.Err() == nil {
		return nil
	}
	return ctx.Err()
}

// installOfflineRule injects the synthetic staleness rule for one
// detector into the uniform rule table so it gets dwell, cooldown and
// resolution like any configured rule.
func (o *Orchestrator) installOfflineRule(name string) {
	o.alerts.AddRule(model.Rule{
		Name:    "Detector offline: " + name,
		Enabled: true,
		Conditions: []model.Condition{{
			SourceKind: model.SourceDetector,
			Source:     healthDetector,
			Field:      name + "_unresponsive",
			Operator:   model.OpEQ,
			IsBool:     true,
			BoolValue:  true,
		}},
		Combine:         model.CombineAll,
		Severity:        model.SeverityWarning,
		DurationSeconds: 0,
		CooldownSeconds: 3600,
		ResolveHoldSecs: 10,
		Message:         "detector " + name + " has stopped reporting",
	})
}

// superviseHealth watches the events topic to keep per-detector
// last_update fresh, sweeps staleness once a second, publishes the
// synthetic health event the offline rules evaluate, and expires
// timed pauses.
func (o *Orchestrator) superviseHealth(ctx context.Context) {
	evH := o.bus.Subscribe(busx.TopicEvents, busx.DefaultInboxSize)
	defer o.bus.Unsubscribe(evH)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	started := o.clock.Now()
	everTouched := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-evH.C():
			if ev, ok := msg.Payload.(model.Event); ok && ev.Detector != healthDetector {
				o.registry.Touch(ev.Detector, o.clock.Now())
				everTouched[ev.Detector] = true
			}
		case <-ticker.C:
			now := o.clock.Now()
			degraded, offline := o.registry.Sweep(now)
			for _, name := range degraded {
				o.log.Warn("detector degraded", "detector", name)
			}
			for _, name := range offline {
				o.log.Warn("detector offline", "detector", name)
			}
			o.publishHealthEvent(now)
			o.stream.BroadcastStatus(o.registry.System(), o.registry.Snapshot())
			o.Pause() // expire a timed pause

			if len(o.detectors) > 0 && len(everTouched) == 0 &&
				now.Sub(started) > hardwareStartupGrace {
				o.log.Error("no detector has produced data, giving up")
				// The caller maps this to its hardware-failure exit code.
				o.failStartup()
				return
			}
		}
	}
}

// failStartup marks the hardware grace period exceeded and stops the
// run; the caller checks StartupFailed to map it to an exit code.
func (o *Orchestrator) failStartup() {
	o.mu.Lock()
	o.startupFailed = true
	cancel := o.cancelRun
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StartupFailed reports whether the hardware grace period elapsed
// with no detector data.
func (o *Orchestrator) StartupFailed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startupFailed
}

// publishHealthEvent emits the synthetic event carrying one
// <detector>_unresponsive flag per detector, which the injected
// offline rules evaluate.
func (o *Orchestrator) publishHealthEvent(now time.Time) {
	value := map[string]any{}
	for _, c := range o.registry.Snapshot() {
		if c.Name == healthDetector {
			continue
		}
		value[c.Name+"_unresponsive"] = c.Status == health.StatusDegraded || c.Status == health.StatusOffline
	}
	o.mu.Lock()
	o.healthSeq++
	seq := o.healthSeq
	o.mu.Unlock()
	o.bus.Publish(busx.Message{
		Topic:    busx.TopicEvents,
		Producer: healthDetector,
		Payload: model.Event{
			Detector:   healthDetector,
			Timestamp:  now,
			Sequence:   seq,
			SessionID:  healthDetector,
			State:      model.StateNormal,
			Confidence: 1,
			Value:      value,
		},
	})
}

// Calibrate runs one detector's driver calibration and persists the
// result as that detector's baseline.
func Calibrate(cfg *config.Config, name string, logger *log.Logger) (map[string]float64, error) {
	var drv driver.Driver
	switch name {
	case "radar":
		drv = radar.New(cfg.Detectors.Radar.Device, cfg.Detectors.Radar.BaudRate, cfg.Detectors.Radar.Model)
	case "audio":
		drv = audio.New(cfg.Detectors.Audio.Device, cfg.Detectors.Audio.SampleRate)
	case "capacitive":
		drv = i2cadc.New("capacitive", cfg.Detectors.Capacitive.Bus, cfg.Detectors.Capacitive.I2CAddress, cfg.Detectors.Capacitive.SampleRate)
	case "bcg":
		drv = i2cadc.New("bcg", cfg.Detectors.BCG.Bus, cfg.Detectors.BCG.I2CAddress, cfg.Detectors.BCG.SampleRate)
	default:
		return nil, fmt.Errorf("orchestrator: unknown detector %q", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := drv.Connect(ctx); err != nil {
		return nil, err
	}
	defer drv.Disconnect(context.Background())

	params, err := drv.Calibrate(ctx)
	if err != nil {
		return nil, err
	}
	if params == nil {
		logger.Info("detector has no calibration procedure", "detector", name)
		return nil, nil
	}
	if baselines, berr := detector.NewBaselines(cfg.System.DataDir); berr == nil {
		if err := baselines.Save(name, params); err != nil {
			logger.Warn("baseline save failed", "detector", name, "err", err)
		}
	}
	return params, nil
}
