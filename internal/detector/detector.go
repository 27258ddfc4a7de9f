// Package detector wraps each sensor driver with its DSP chain and
// emits structured events onto the bus: one event per processing
// tick, state UNCERTAIN when the window holds too little data to make
// a claim.
package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"nightwatch/internal/busx"
	"nightwatch/internal/driver"
	"nightwatch/internal/model"
)

// Detector is one running sensor pipeline.
type Detector interface {
	// Name is the stable detector identifier (radar, audio, ...).
	Name() string
	// Run drives the driver and DSP until ctx is cancelled.
	Run(ctx context.Context)
}

// Emitter owns the event envelope bookkeeping for one detector:
// session identity, the per-session sequence counter, and timestamp
// monotonicity. A frame whose timestamp regresses is a logic fault;
// the offending event is dropped and the session rotated.
type Emitter struct {
	detector string
	bus      *busx.Bus
	log      *log.Logger

	mu        sync.Mutex
	sessionID string
	seq       uint64
	lastTS    time.Time
	sessionN  int
}

// NewEmitter creates an Emitter with a fresh session.
func NewEmitter(detector string, bus *busx.Bus, logger *log.Logger) *Emitter {
	e := &Emitter{detector: detector, bus: bus, log: logger}
	e.rotateLocked()
	return e
}

// RotateSession starts a new session, e.g. after a driver reconnect.
func (e *Emitter) RotateSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rotateLocked()
}

func (e *Emitter) rotateLocked() {
	e.sessionN++
	e.sessionID = fmt.Sprintf("%s-%d-%d", e.detector, time.Now().UnixMilli(), e.sessionN)
	e.seq = 0
	e.lastTS = time.Time{}
}

// Emit publishes one event. Returns false if the event was dropped
// for violating timestamp monotonicity (the session is rotated and
// the caller's next emit starts the new session).
func (e *Emitter) Emit(ts time.Time, state model.State, confidence float64, value map[string]any) bool {
	e.mu.Lock()
	if !e.lastTS.IsZero() && ts.Before(e.lastTS) {
		e.log.Warn("non-monotonic event timestamp, rotating session",
			"detector", e.detector, "ts", ts, "last", e.lastTS)
		e.rotateLocked()
		e.mu.Unlock()
		return false
	}
	e.seq++
	ev := model.Event{
		Detector:   e.detector,
		Timestamp:  ts,
		Sequence:   e.seq,
		SessionID:  e.sessionID,
		State:      state,
		Confidence: clamp01(confidence),
		Value:      value,
	}
	e.lastTS = ts
	e.mu.Unlock()

	e.bus.Publish(busx.Message{Topic: busx.TopicEvents, Producer: e.detector, Payload: ev})
	return true
}

// Session returns the current session id, for tests.
func (e *Emitter) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// runDriver is the shared frame pump: it runs the driver's
// connect/read loop, forwards frames to onFrame, logs transient
// errors at debug and fatal ones at warn, and rotates the emitter
// session on each reconnect so sequence monotonicity is scoped to one
// connection. For USB-attached families, subsystem names the udev
// subsystem whose hotplug events should short-circuit reconnect
// backoff; empty disables the watcher.
func runDriver(ctx context.Context, d driver.Driver, subsystem string, em *Emitter, logger *log.Logger, onFrame func(driver.Frame)) {
	var wake <-chan string
	if subsystem != "" {
		wake = driver.NewHotplugWatcher(ctx, subsystem).Changed
	}
	driver.RunWithReconnect(ctx, d, wake,
		onFrame,
		func(err error, fatal bool) {
			if fatal {
				logger.Warn("driver fault, reconnecting", "driver", d.Describe(), "err", err)
				em.RotateSession()
				return
			}
			logger.Debug("transient driver error", "driver", d.Describe(), "err", err)
		})
}
