package notifier

import (
	"context"
	"math"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
	"github.com/warthog618/go-gpiocdev"

	"nightwatch/internal/busx"
	"nightwatch/internal/model"
)

const alarmSampleRate = 44100

// severity-mapped tone frequencies: the critical tone is higher and
// harder to sleep through.
var toneHz = map[model.Severity]float64{
	model.SeverityWarning:  660,
	model.SeverityCritical: 880,
}

// AlarmSink plays a severity-mapped tone through the default audio
// output and raises a GPIO enable line (e.g. for an external sounder
// relay) until the alert is acknowledged or resolved. A higher
// severity preempts a lower one already sounding.
type AlarmSink struct {
	bus    *busx.Bus
	volume float64
	log    *log.Logger

	gpioChip  string
	alarmLine int
	ackLine   int

	mu      sync.Mutex
	current *model.Alert // alert currently sounding
	stop    chan struct{}
	line    *gpiocdev.Line
}

// NewAlarmSink builds the local alarm. gpioChip may be empty to run
// tone-only; ackLine < 0 disables the physical acknowledge button.
func NewAlarmSink(bus *busx.Bus, volume float64, gpioChip string, alarmLine, ackLine int, logger *log.Logger) *AlarmSink {
	if volume <= 0 || volume > 1 {
		volume = 0.8
	}
	return &AlarmSink{
		bus:       bus,
		volume:    volume,
		log:       logger,
		gpioChip:  gpioChip,
		alarmLine: alarmLine,
		ackLine:   ackLine,
	}
}

func (s *AlarmSink) Name() string { return "alarm" }

// Notify starts (or escalates) the alarm for a.
func (s *AlarmSink) Notify(ctx context.Context, a model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		if s.current.Level == model.SeverityCritical && a.Level == model.SeverityWarning {
			return nil // never preempt critical with warning
		}
		s.stopLocked()
	}
	s.current = &a
	s.stop = make(chan struct{})
	s.raiseGPIO()
	go s.playTone(a.Level, s.stop)
	return nil
}

// Resolved silences the alarm if it is sounding for a.
func (s *AlarmSink) Resolved(a model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.AlertID != a.AlertID {
		return
	}
	s.stopLocked()
	s.current = nil
}

// Silence stops whatever is sounding, used on shutdown and pause.
func (s *AlarmSink) Silence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.current = nil
}

func (s *AlarmSink) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.line != nil {
		_ = s.line.SetValue(0)
		_ = s.line.Close()
		s.line = nil
	}
}

func (s *AlarmSink) raiseGPIO() {
	if s.gpioChip == "" || s.alarmLine < 0 {
		return
	}
	line, err := gpiocdev.RequestLine(s.gpioChip, s.alarmLine, gpiocdev.AsOutput(1))
	if err != nil {
		s.log.Warn("alarm GPIO unavailable", "chip", s.gpioChip, "line", s.alarmLine, "err", err)
		return
	}
	s.line = line
}

// playTone streams a sine tone until stop closes. Audio output
// failure downgrades to GPIO-only alarming rather than erroring the
// notifier.
func (s *AlarmSink) playTone(level model.Severity, stop <-chan struct{}) {
	if err := portaudio.Initialize(); err != nil {
		s.log.Warn("alarm tone unavailable", "err", err)
		<-stop
		return
	}
	defer portaudio.Terminate()

	freq := toneHz[level]
	buf := make([]float32, 1024)
	phase := 0.0
	step := 2 * math.Pi * freq / alarmSampleRate

	stream, err := portaudio.OpenDefaultStream(0, 1, alarmSampleRate, len(buf), &buf)
	if err != nil {
		s.log.Warn("alarm tone unavailable", "err", err)
		<-stop
		return
	}
	defer stream.Close()
	if err := stream.Start(); err != nil {
		s.log.Warn("alarm tone unavailable", "err", err)
		<-stop
		return
	}
	defer stream.Stop()

	for {
		select {
		case <-stop:
			return
		default:
		}
		for i := range buf {
			buf[i] = float32(math.Sin(phase) * s.volume)
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		if err := stream.Write(); err != nil && err != portaudio.OutputUnderflowed {
			s.log.Debug("alarm tone write", "err", err)
			<-stop
			return
		}
	}
}

// WatchAckButton publishes an acknowledge for the sounding alert when
// the physical button is pressed. Runs until ctx is cancelled; no-op
// when no button is configured.
func (s *AlarmSink) WatchAckButton(ctx context.Context) {
	if s.gpioChip == "" || s.ackLine < 0 {
		return
	}
	handler := func(evt gpiocdev.LineEvent) {
		if evt.Type != gpiocdev.LineEventRisingEdge {
			return
		}
		s.mu.Lock()
		current := s.current
		s.mu.Unlock()
		if current == nil {
			return
		}
		s.bus.Publish(busx.Message{
			Topic:    busx.TopicControl,
			Producer: "alarm-button",
			Payload:  model.ControlMessage{Type: model.ControlAck, AlertID: current.AlertID},
		})
	}
	line, err := gpiocdev.RequestLine(s.gpioChip, s.ackLine,
		gpiocdev.AsInput, gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge, gpiocdev.WithEventHandler(handler))
	if err != nil {
		s.log.Warn("ack button unavailable", "chip", s.gpioChip, "line", s.ackLine, "err", err)
		return
	}
	<-ctx.Done()
	_ = line.Close()
}
