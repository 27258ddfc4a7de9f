package detector

import (
	"io"
	"math"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"nightwatch/internal/busx"
	"nightwatch/internal/driver"
	"nightwatch/internal/driver/audio"
	"nightwatch/internal/driver/i2cadc"
	"nightwatch/internal/driver/radar"
	"nightwatch/internal/model"
)

func testLogger() *log.Logger {
	l := log.New(io.Discard)
	l.SetLevel(log.FatalLevel)
	return l
}

func collectEvents(h *busx.Handle) []model.Event {
	var out []model.Event
	for {
		select {
		case msg := <-h.C():
			if ev, ok := msg.Payload.(model.Event); ok {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestEmitterSequenceStrictlyIncreases(t *testing.T) {
	bus := busx.New()
	h := bus.Subscribe(busx.TopicEvents, 64)
	em := NewEmitter("radar", bus, testLogger())

	base := time.Unix(100, 0)
	for i := 0; i < 10; i++ {
		require.True(t, em.Emit(base.Add(time.Duration(i)*time.Second), model.StateNormal, 0.9, nil))
	}
	events := collectEvents(h)
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
		assert.Equal(t, events[0].SessionID, ev.SessionID)
		if i > 0 {
			assert.False(t, ev.Timestamp.Before(events[i-1].Timestamp))
		}
	}
}

func TestEmitterRotatesOnRegressingTimestamp(t *testing.T) {
	bus := busx.New()
	h := bus.Subscribe(busx.TopicEvents, 64)
	em := NewEmitter("radar", bus, testLogger())

	base := time.Unix(100, 0)
	require.True(t, em.Emit(base.Add(5*time.Second), model.StateNormal, 0.9, nil))
	first := em.Session()

	// Regressing timestamp: dropped, session rotated.
	require.False(t, em.Emit(base, model.StateNormal, 0.9, nil))
	assert.NotEqual(t, first, em.Session())

	// The next emit starts the new session at sequence 1.
	require.True(t, em.Emit(base.Add(6*time.Second), model.StateNormal, 0.9, nil))
	events := collectEvents(h)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[1].Sequence)
	assert.NotEqual(t, events[0].SessionID, events[1].SessionID)
}

func TestEmitterSequenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bus := busx.New()
		h := bus.Subscribe(busx.TopicEvents, 256)
		em := NewEmitter("d", bus, testLogger())

		base := time.Unix(0, 0)
		offset := 0
		n := rapid.IntRange(1, 50).Draw(t, "n")
		for i := 0; i < n; i++ {
			offset += rapid.IntRange(0, 3).Draw(t, "step")
			em.Emit(base.Add(time.Duration(offset)*time.Second), model.StateNormal, 0.5, nil)
		}
		events := collectEvents(h)
		bySession := map[string]uint64{}
		for _, ev := range events {
			assert.Greater(t, ev.Sequence, bySession[ev.SessionID])
			bySession[ev.SessionID] = ev.Sequence
		}
	})
}

func TestRadarRespirationFromBreathingMotion(t *testing.T) {
	bus := busx.New()
	h := bus.Subscribe(busx.TopicEvents, 64)
	r := NewRadar(nil, bus, testLogger())

	// 15 breaths per minute of chest motion at the sensor's 10Hz rate.
	base := time.Unix(100, 0)
	for i := 0; i < 300; i++ {
		tsec := float64(i) / radarRate
		y := 1500 + 8*math.Sin(2*math.Pi*0.25*tsec)
		r.onFrame(driver.Frame{
			Timestamp: base.Add(time.Duration(tsec * float64(time.Second))),
			Payload:   radar.Frame{Targets: []radar.Target{{XMM: 40, YMM: int(y), SpeedCMS: 0}}},
		})
	}
	r.emit(base.Add(30 * time.Second))

	events := collectEvents(h)
	require.Len(t, events, 1)
	ev := events[0]

	rate, ok := ev.Float("respiration_rate")
	require.True(t, ok, "expected a respiration claim, got state %s", ev.State)
	assert.InDelta(t, 15.0, rate, 3.0)
	presence, ok := ev.Bool("presence")
	require.True(t, ok)
	assert.True(t, presence)
	macro, _ := ev.Bool("movement_macro")
	assert.False(t, macro)
}

func TestRadarUncertainWithoutData(t *testing.T) {
	bus := busx.New()
	h := bus.Subscribe(busx.TopicEvents, 8)
	r := NewRadar(nil, bus, testLogger())

	r.emit(time.Unix(100, 0))
	events := collectEvents(h)
	require.Len(t, events, 1)
	assert.Equal(t, model.StateUncertain, events[0].State)
	_, ok := events[0].Float("respiration_rate")
	assert.False(t, ok)
}

func TestADCHeartRateFromPulseTrain(t *testing.T) {
	bus := busx.New()
	h := bus.Subscribe(busx.TopicEvents, 8)
	c := NewADC("bcg", nil, 0.1, bus, testLogger())

	// 72 BPM pulse train riding on the occupancy offset, 20s at 100Hz.
	base := time.Unix(100, 0)
	beatPeriod := 60.0 / 72.0
	for i := 0; i < 2000; i++ {
		tsec := float64(i) / adcRate
		v := 0.3
		phase := math.Mod(tsec, beatPeriod)
		if phase < 0.05 {
			v += 0.2 // the ballistic spike of one heartbeat
		}
		c.onFrame(driver.Frame{
			Timestamp: base.Add(time.Duration(tsec * float64(time.Second))),
			Payload:   i2cadc.Sample{Raw: int16(v * 32767)},
		})
	}
	c.emit(base.Add(20 * time.Second))

	events := collectEvents(h)
	require.Len(t, events, 1)
	ev := events[0]

	occupied, ok := ev.Bool("bed_occupied")
	require.True(t, ok)
	assert.True(t, occupied)

	hr, ok := ev.Float("heart_rate")
	require.True(t, ok, "expected a heart-rate claim, got state %s", ev.State)
	assert.InDelta(t, 72.0, hr, 8.0)

	quality, ok := ev.Float("signal_quality")
	require.True(t, ok)
	assert.Greater(t, quality, 0.0)
}

func TestADCUnoccupiedIsUncertain(t *testing.T) {
	bus := busx.New()
	h := bus.Subscribe(busx.TopicEvents, 8)
	c := NewADC("capacitive", nil, 0.1, bus, testLogger())

	base := time.Unix(100, 0)
	for i := 0; i < 500; i++ {
		c.onFrame(driver.Frame{
			Timestamp: base.Add(time.Duration(i) * 10 * time.Millisecond),
			Payload:   i2cadc.Sample{Raw: 50}, // empty-bed noise
		})
	}
	c.emit(base.Add(5 * time.Second))

	events := collectEvents(h)
	require.Len(t, events, 1)
	assert.Equal(t, model.StateUncertain, events[0].State)
	occupied, _ := events[0].Bool("bed_occupied")
	assert.False(t, occupied)
}

func TestAudioSilenceDurationGrows(t *testing.T) {
	bus := busx.New()
	h := bus.Subscribe(busx.TopicEvents, 8)
	a := NewAudio(nil, 16000, bus, testLogger())

	// 15s of near-silence in 20ms frames: quiet room noise only.
	base := time.Unix(100, 0)
	n := 16000 * 20 / 1000
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = int16(3 * math.Sin(float64(i)))
	}
	for i := 0; i < 750; i++ {
		a.onFrame(driver.Frame{
			Timestamp: base.Add(time.Duration(i) * audio.FrameDuration),
			Payload:   audio.PCMFrame{SampleRate: 16000, Samples: frame},
		})
	}
	a.emit(base.Add(15 * time.Second))

	events := collectEvents(h)
	require.Len(t, events, 1)
	dur, ok := events[0].Float("silence_duration")
	require.True(t, ok)
	assert.Greater(t, dur, 10.0)
	vocal, _ := events[0].Bool("vocalization")
	assert.False(t, vocal)
}

func TestAudioVocalizationTransient(t *testing.T) {
	bus := busx.New()
	h := bus.Subscribe(busx.TopicEvents, 8)
	a := NewAudio(nil, 16000, bus, testLogger())

	base := time.Unix(100, 0)
	n := 16000 * 20 / 1000
	quiet := make([]int16, n)
	for i := range quiet {
		quiet[i] = int16(20 * math.Sin(2*math.Pi*300*float64(i)/16000))
	}
	loud := make([]int16, n)
	for i := range loud {
		loud[i] = int16(8000 * math.Sin(2*math.Pi*1000*float64(i)/16000))
	}

	for i := 0; i < 500; i++ {
		a.onFrame(driver.Frame{
			Timestamp: base.Add(time.Duration(i) * audio.FrameDuration),
			Payload:   audio.PCMFrame{SampleRate: 16000, Samples: quiet},
		})
	}
	// A 300ms cry.
	for i := 0; i < 15; i++ {
		a.onFrame(driver.Frame{
			Timestamp: base.Add(10*time.Second + time.Duration(i)*audio.FrameDuration),
			Payload:   audio.PCMFrame{SampleRate: 16000, Samples: loud},
		})
	}
	a.emit(base.Add(10*time.Second + 15*audio.FrameDuration))

	events := collectEvents(h)
	require.Len(t, events, 1)
	vocal, ok := events[0].Bool("vocalization")
	require.True(t, ok)
	assert.True(t, vocal)
}
