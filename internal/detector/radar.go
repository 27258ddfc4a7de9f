package detector

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"nightwatch/internal/busx"
	"nightwatch/internal/driver"
	"nightwatch/internal/driver/radar"
	"nightwatch/internal/dsp"
	"nightwatch/internal/model"
)

const (
	radarRate       = 10.0 // nominal report rate, Hz
	radarWindow     = 30 * time.Second
	radarHRWindow   = 15 * time.Second
	radarTickPeriod = 1 * time.Second
)

// Radar derives respiration, a low-confidence heart-rate estimate,
// movement and presence from the mmWave sensor's tracked target
// positions.
type Radar struct {
	drv driver.Driver
	em  *Emitter
	log *log.Logger

	mu          sync.Mutex
	yRing       *dsp.Ring // primary target range, mm
	seenRing    *dsp.Ring // 1 when any target present, else 0
	lastTargets int
}

// NewRadar wires the radar detector onto bus using drv, which is the
// real UART driver or a mock.
func NewRadar(drv driver.Driver, bus *busx.Bus, logger *log.Logger) *Radar {
	return &Radar{
		drv:      drv,
		em:       NewEmitter("radar", bus, logger),
		log:      logger,
		yRing:    dsp.NewRing(radarWindow),
		seenRing: dsp.NewRing(3 * time.Second),
	}
}

func (r *Radar) Name() string { return "radar" }

// Run pumps driver frames into the rings and emits one event per
// second until ctx is cancelled.
func (r *Radar) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(radarTickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.emit(now)
			}
		}
	}()
	runDriver(ctx, r.drv, "tty", r.em, r.log, r.onFrame)
}

func (r *Radar) onFrame(f driver.Frame) {
	rf, ok := f.Payload.(radar.Frame)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastTargets = len(rf.Targets)
	present := 0.0
	if len(rf.Targets) > 0 {
		present = 1.0
		// Primary target: nearest to the sensor.
		primary := rf.Targets[0]
		for _, t := range rf.Targets[1:] {
			if t.YMM < primary.YMM {
				primary = t
			}
		}
		r.yRing.Push(dsp.Sample{T: f.Timestamp, V: float64(primary.YMM)})
	}
	r.seenRing.Push(dsp.Sample{T: f.Timestamp, V: present})
}

// emit runs the full DSP pass over the current windows and publishes
// one event.
func (r *Radar) emit(now time.Time) {
	r.mu.Lock()
	ys := append([]float64(nil), r.yRing.Values()...)
	ySpan := r.yRing.Span()
	seen := append([]dsp.Sample(nil), r.seenRing.Samples()...)
	targets := r.lastTargets
	r.mu.Unlock()

	value := map[string]any{}
	state := model.StateNormal
	confidence := 0.8

	presence := presentFor(seen, now, 1*time.Second)
	value["presence"] = presence
	value["target_count"] = targets

	macro, intensity := movement(ys, radarRate)
	value["movement_macro"] = macro
	value["movement_intensity"] = intensity

	rate, rateOK := r.respiration(ys, ySpan)
	if rateOK {
		value["respiration_rate"] = rate
	}
	if hr, hrConf, ok := r.heartEstimate(ys); ok {
		value["heart_rate_estimate"] = hr
		value["heart_rate_confidence"] = hrConf
	}

	if !rateOK || !presence {
		state = model.StateUncertain
		confidence = 0.3
	}
	r.em.Emit(now, state, confidence, value)
}

// presentFor reports whether a target was seen for at least minDur of
// the trailing 3 seconds.
func presentFor(seen []dsp.Sample, now time.Time, minDur time.Duration) bool {
	if len(seen) == 0 {
		return false
	}
	perSample := time.Second / time.Duration(radarRate)
	var present time.Duration
	for _, s := range seen {
		if s.V > 0 && now.Sub(s.T) <= 3*time.Second {
			present += perSample
		}
	}
	return present >= minDur
}

// movement computes the rolling 1s standard deviation of position:
// above 100mm is macro movement, below scales to a 0..1 micro
// intensity.
func movement(ys []float64, rate float64) (macro bool, intensity float64) {
	n := int(rate)
	if len(ys) < 2 {
		return false, 0
	}
	if len(ys) > n {
		ys = ys[len(ys)-n:]
	}
	sd := dsp.StdDev(ys)
	if sd > 100 {
		return true, 1
	}
	return false, dsp.Clamp(sd/100, 0, 1)
}

// respiration runs the 0.1-0.5Hz bandpass + adaptive-prominence peak
// pass over the 30s range window. Fewer than 3 peaks means the window
// cannot support a claim.
func (r *Radar) respiration(ys []float64, span time.Duration) (float64, bool) {
	if span < 10*time.Second || len(ys) < int(radarRate*10) {
		return 0, false
	}
	bp := dsp.NewBandpass(0.1, 0.5, radarRate)
	filtered := bp.Filter(ys)
	env := dsp.Envelope(filtered, 0.5, radarRate)
	prom := dsp.Percentile(env, 75)
	peaks := dsp.FindPeaks(filtered, radarRate, 1.5, prom)
	if len(peaks) < 3 {
		return 0, false
	}
	interval, ok := dsp.MedianInterval(peaks)
	if !ok || interval <= 0 {
		return 0, false
	}
	return dsp.Clamp(60/interval, 4, 40), true
}

// heartEstimate scans the 0.8-2.0Hz band of the last 15s for a
// spectral peak. The chest-displacement cardiac signal is weak, so
// confidence is capped at 0.5.
func (r *Radar) heartEstimate(ys []float64) (bpm, conf float64, ok bool) {
	n := int(radarRate * radarHRWindow.Seconds())
	if len(ys) < n {
		return 0, 0, false
	}
	window := ys[len(ys)-n:]
	bp := dsp.NewBandpass(0.8, 2.0, radarRate)
	filtered := bp.Filter(window)
	peakHz, peakPower, meanPower := dsp.BandPeak(filtered, 0.8, 2.0, 0.02, radarRate)
	if peakPower == 0 || meanPower == 0 {
		return 0, 0, false
	}
	ratio := peakPower / meanPower
	conf = dsp.Clamp((ratio-1)/10, 0, 0.5)
	return peakHz * 60, conf, true
}
