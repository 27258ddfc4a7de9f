// Package notifier delivers alerts to the local alarm and external
// push providers, with per-sink retry, duplicate suppression by alert
// id, and pause-aware suppression of all external dispatch.
package notifier

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"nightwatch/internal/busx"
	"nightwatch/internal/model"
)

// Sink is one delivery target. Notify must be safe to call from the
// sink's own dispatch goroutine; sinks do not share mutable state.
type Sink interface {
	Name() string
	// Notify delivers one alert firing. Called at most once per
	// alert id under normal operation.
	Notify(ctx context.Context, a model.Alert) error
	// Resolved informs the sink the alert is over (ack or resolve),
	// so e.g. the alarm tone can stop.
	Resolved(a model.Alert)
}

// PauseFunc reports the current pause state; owned by the
// orchestrator.
type PauseFunc func() model.PauseState

// Notifier fans alerts out to its sinks. While paused, external
// delivery is suppressed entirely; the pipeline keeps producing
// alerts and they remain visible to stream consumers as records.
type Notifier struct {
	bus    *busx.Bus
	sinks  []Sink
	paused PauseFunc
	log    *log.Logger

	mu        sync.Mutex
	delivered map[string]bool // alert ids already dispatched
}

// New builds a Notifier over the given sinks.
func New(bus *busx.Bus, sinks []Sink, paused PauseFunc, logger *log.Logger) *Notifier {
	if paused == nil {
		paused = func() model.PauseState { return model.PauseState{} }
	}
	return &Notifier{
		bus:       bus,
		sinks:     sinks,
		paused:    paused,
		log:       logger,
		delivered: make(map[string]bool),
	}
}

// Run consumes the alerts topic until ctx is cancelled. Each sink
// dispatch happens on its own goroutine so a slow push provider never
// delays the local alarm.
func (n *Notifier) Run(ctx context.Context) {
	h := n.bus.Subscribe(busx.TopicAlerts, busx.DefaultInboxSize)
	defer n.bus.Unsubscribe(h)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.C():
			a, ok := msg.Payload.(model.Alert)
			if !ok {
				continue
			}
			n.Handle(ctx, a)
		}
	}
}

// Handle routes one alert record: resolutions stop the sinks, new
// firings dispatch once per alert id.
func (n *Notifier) Handle(ctx context.Context, a model.Alert) {
	if a.Resolved || a.AcknowledgedAt != nil {
		for _, s := range n.sinks {
			s.Resolved(a)
		}
		return
	}

	n.mu.Lock()
	if n.delivered[a.AlertID] {
		n.mu.Unlock()
		return
	}
	n.delivered[a.AlertID] = true
	n.mu.Unlock()

	if ps := n.paused(); ps.Paused {
		n.log.Info("paused, suppressing delivery", "alert", a.AlertID, "rule", a.RuleName)
		return
	}

	for _, s := range n.sinks {
		sink := s
		go func() {
			if err := sink.Notify(ctx, a); err != nil {
				n.log.Warn("delivery failed", "sink", sink.Name(), "alert", a.AlertID, "err", err)
			}
		}()
	}
}
