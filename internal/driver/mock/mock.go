// Package mock provides deterministic synthetic drivers substituted
// for real hardware when mock_sensors is enabled. Each produces a
// plausible sleeping-subject signal: slow breathing motion on the
// radar, faint band-limited breath sounds on the microphone, and a
// combined cardiac/respiratory waveform on the ADC.
package mock

import (
	"context"
	"math"
	"math/rand"
	"time"

	"nightwatch/internal/driver"
	"nightwatch/internal/driver/audio"
	"nightwatch/internal/driver/i2cadc"
	"nightwatch/internal/driver/radar"
)

// Scenario shapes the synthetic subject all three mocks simulate.
type Scenario struct {
	RespirationHz float64 // breaths per second (0.25 = 15 BPM)
	HeartHz       float64 // beats per second (1.2 = 72 BPM)
	Present       bool
	BedOccupied   bool
}

// DefaultScenario is a calm, present, sleeping subject.
func DefaultScenario() Scenario {
	return Scenario{RespirationHz: 0.25, HeartHz: 1.2, Present: true, BedOccupied: true}
}

type base struct {
	scenario Scenario
	period   time.Duration
	ticker   *time.Ticker
	rng      *rand.Rand
	t        float64 // simulated seconds elapsed
}

func newBase(s Scenario, period time.Duration, seed int64) base {
	return base{scenario: s, period: period, rng: rand.New(rand.NewSource(seed))}
}

func (b *base) connect() { b.ticker = time.NewTicker(b.period) }

func (b *base) disconnect() {
	if b.ticker != nil {
		b.ticker.Stop()
		b.ticker = nil
	}
}

func (b *base) tick(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return driver.Fatal(ctx.Err())
	case <-b.ticker.C:
		b.t += b.period.Seconds()
		return nil
	}
}

// Radar is a synthetic mmWave driver emitting one target whose range
// oscillates with breathing, at the real sensor's ~10Hz report rate.
type Radar struct{ base }

// NewRadar builds a mock radar for scenario s.
func NewRadar(s Scenario) *Radar {
	return &Radar{newBase(s, 100*time.Millisecond, 1)}
}

func (m *Radar) Connect(ctx context.Context) error    { m.connect(); return nil }
func (m *Radar) Disconnect(ctx context.Context) error { m.disconnect(); return nil }

func (m *Radar) Read(ctx context.Context) (driver.Frame, error) {
	if err := m.tick(ctx); err != nil {
		return driver.Frame{}, err
	}
	var f radar.Frame
	if m.scenario.Present {
		breath := 8 * math.Sin(2*math.Pi*m.scenario.RespirationHz*m.t)
		jitter := m.rng.Float64()*2 - 1
		f.Targets = []radar.Target{{
			XMM:      int(50 + jitter*3),
			YMM:      int(1500 + breath + jitter),
			SpeedCMS: 0,
		}}
	}
	return driver.Frame{Timestamp: time.Now(), Payload: f}, nil
}

func (m *Radar) Calibrate(ctx context.Context) (map[string]float64, error) { return nil, nil }
func (m *Radar) Describe() string                                          { return "radar(mock)" }

// Audio is a synthetic microphone producing 20ms PCM frames with
// breath noise amplitude-modulated at the respiration rate.
type Audio struct {
	base
	sampleRate int
}

// NewAudio builds a mock microphone for scenario s.
func NewAudio(s Scenario, sampleRate int) *Audio {
	if sampleRate < 16000 {
		sampleRate = 16000
	}
	return &Audio{base: newBase(s, audio.FrameDuration, 2), sampleRate: sampleRate}
}

func (m *Audio) Connect(ctx context.Context) error    { m.connect(); return nil }
func (m *Audio) Disconnect(ctx context.Context) error { m.disconnect(); return nil }

func (m *Audio) Read(ctx context.Context) (driver.Frame, error) {
	if err := m.tick(ctx); err != nil {
		return driver.Frame{}, err
	}
	n := m.sampleRate * int(audio.FrameDuration) / int(time.Second)
	samples := make([]int16, n)
	for i := range samples {
		tsec := m.t + float64(i)/float64(m.sampleRate)
		// Breath noise: ~400Hz band noise gated by the respiration
		// cycle's inhale half.
		gate := math.Sin(2 * math.Pi * m.scenario.RespirationHz * tsec)
		if gate < 0 || !m.scenario.Present {
			gate = 0
		}
		noise := m.rng.Float64()*2 - 1
		carrier := math.Sin(2*math.Pi*400*tsec) * 0.6
		samples[i] = int16((carrier + noise*0.4) * gate * 2000)
	}
	return driver.Frame{
		Timestamp: time.Now(),
		Payload:   audio.PCMFrame{SampleRate: m.sampleRate, Samples: samples},
	}, nil
}

func (m *Audio) Calibrate(ctx context.Context) (map[string]float64, error) { return nil, nil }
func (m *Audio) Describe() string                                          { return "audio(mock)" }

// ADC is a synthetic capacitive/BCG sensor sampling at 100Hz: a DC
// occupancy offset plus respiration and cardiac components.
type ADC struct {
	base
	name string
}

// NewADC builds a mock ADC named capacitive or bcg for scenario s.
func NewADC(name string, s Scenario) *ADC {
	return &ADC{base: newBase(s, 10*time.Millisecond, 3), name: name}
}

func (m *ADC) Connect(ctx context.Context) error    { m.connect(); return nil }
func (m *ADC) Disconnect(ctx context.Context) error { m.disconnect(); return nil }

func (m *ADC) Read(ctx context.Context) (driver.Frame, error) {
	if err := m.tick(ctx); err != nil {
		return driver.Frame{}, err
	}
	v := 0.0
	if m.scenario.BedOccupied {
		v = 0.3 // occupancy pressure offset
		v += 0.05 * math.Sin(2*math.Pi*m.scenario.RespirationHz*m.t)
		v += 0.02 * math.Sin(2*math.Pi*m.scenario.HeartHz*m.t)
	}
	v += (m.rng.Float64()*2 - 1) * 0.005
	return driver.Frame{
		Timestamp: time.Now(),
		Payload:   i2cadc.Sample{Raw: int16(v * 32767)},
	}, nil
}

func (m *ADC) Calibrate(ctx context.Context) (map[string]float64, error) {
	return map[string]float64{"rms": 0.3, "mean": 0.3}, nil
}

func (m *ADC) Describe() string { return m.name + "(mock)" }
