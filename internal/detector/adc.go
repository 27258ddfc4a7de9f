package detector

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"nightwatch/internal/busx"
	"nightwatch/internal/driver"
	"nightwatch/internal/driver/i2cadc"
	"nightwatch/internal/dsp"
	"nightwatch/internal/model"
)

const (
	adcRate       = 100.0 // ADC sample rate, Hz
	adcTickPeriod = 1 * time.Second

	minBeatSpacing = 0.4 // seconds between beats (<=150 BPM)
	minIBIs        = 5   // inter-beat intervals needed for a rate claim
	hrvIntervals   = 20  // intervals used for RMSSD when available
)

// ADC derives heart rate, HRV, bed occupancy and respiration from the
// capacitive pad or the under-mattress piezo BCG sensor; the two
// families share the DSP chain and differ only in name and baseline.
type ADC struct {
	name string
	drv  driver.Driver
	em   *Emitter
	log  *log.Logger

	// occupancyThreshold is read from the detector's persisted baseline
	// (key occupancy_threshold) and falls back to a conservative default
	// when that key is absent. Calibration stores only rms and mean, so
	// it does not set this threshold.
	occupancyThreshold float64

	cardiacBP *dsp.BandpassFilter // 0.5-25Hz BCG band
	respBP    *dsp.BandpassFilter // 0.1-0.5Hz respiration band

	mu       sync.Mutex
	envRing  *dsp.Ring // cardiac envelope, 5s adaptive-threshold window
	respRing *dsp.Ring // respiration-band signal, 30s
	rawRing  *dsp.Ring // raw amplitude, 5s occupancy window
	beats    []time.Time
}

// NewADC wires an ADC-family detector (capacitive or bcg) onto bus.
func NewADC(name string, drv driver.Driver, occupancyThreshold float64, bus *busx.Bus, logger *log.Logger) *ADC {
	if occupancyThreshold <= 0 {
		occupancyThreshold = 0.1
	}
	return &ADC{
		name:               name,
		drv:                drv,
		em:                 NewEmitter(name, bus, logger),
		log:                logger,
		occupancyThreshold: occupancyThreshold,
		cardiacBP:          dsp.NewBandpass(0.5, 25, adcRate),
		respBP:             dsp.NewBandpass(0.1, 0.5, adcRate),
		envRing:            dsp.NewRing(5 * time.Second),
		respRing:           dsp.NewRing(30 * time.Second),
		rawRing:            dsp.NewRing(5 * time.Second),
	}
}

func (c *ADC) Name() string { return c.name }

// Run pumps ADC samples through the filter chain and emits one event
// per second until ctx is cancelled.
func (c *ADC) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(adcTickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.emit(now)
			}
		}
	}()
	runDriver(ctx, c.drv, "", c.em, c.log, c.onFrame)
}

func (c *ADC) onFrame(f driver.Frame) {
	s, ok := f.Payload.(i2cadc.Sample)
	if !ok {
		return
	}
	x := s.Value()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rawRing.Push(dsp.Sample{T: f.Timestamp, V: x})
	env := math.Abs(c.cardiacBP.Step(x))
	c.envRing.Push(dsp.Sample{T: f.Timestamp, V: env})
	c.respRing.Push(dsp.Sample{T: f.Timestamp, V: c.respBP.Step(x)})

	c.detectBeat(env, f.Timestamp)
}

// detectBeat applies the adaptive threshold (75th percentile of the
// 5s envelope window) with the minimum inter-beat spacing. Caller
// holds c.mu.
func (c *ADC) detectBeat(env float64, now time.Time) {
	threshold := dsp.Percentile(c.envRing.Values(), 75)
	if env < threshold || threshold == 0 {
		return
	}
	if n := len(c.beats); n > 0 && now.Sub(c.beats[n-1]).Seconds() < minBeatSpacing {
		return
	}
	c.beats = append(c.beats, now)
	// Bound the beat history to what HRV needs.
	if len(c.beats) > hrvIntervals+1 {
		c.beats = c.beats[len(c.beats)-(hrvIntervals+1):]
	}
}

// emit computes the window-level features and publishes one event.
func (c *ADC) emit(now time.Time) {
	c.mu.Lock()
	rawVals := append([]float64(nil), c.rawRing.Values()...)
	respVals := append([]float64(nil), c.respRing.Values()...)
	respSpan := c.respRing.Span()
	beats := append([]time.Time(nil), c.beats...)
	c.mu.Unlock()

	occupied := dsp.RMS(rawVals) > c.occupancyThreshold

	value := map[string]any{
		"bed_occupied": occupied,
	}
	state := model.StateNormal
	confidence := 0.7

	intervals := interBeatIntervals(beats, now)
	hr, hrOK := heartRate(intervals)
	if hrOK {
		value["heart_rate"] = hr
	}
	if len(intervals) >= 2 {
		value["hrv_rmssd"] = rmssd(intervals)
	}
	if rate, ok := adcRespiration(respVals, respSpan); ok {
		value["respiration_rate"] = rate
	}

	movementLevel := dsp.StdDev(rawVals)
	quality := signalQuality(movementLevel, hr, hrOK)
	value["signal_quality"] = quality

	if !occupied || !hrOK {
		state = model.StateUncertain
		confidence = 0.3
	}
	c.em.Emit(now, state, confidence, value)
}

// interBeatIntervals returns the recent inter-beat gaps in seconds,
// dropping anything stale enough to predate the HR window.
func interBeatIntervals(beats []time.Time, now time.Time) []float64 {
	var out []float64
	for i := 1; i < len(beats); i++ {
		if now.Sub(beats[i]) > 60*time.Second {
			continue
		}
		out = append(out, beats[i].Sub(beats[i-1]).Seconds())
	}
	return out
}

// heartRate is 60 over the median of the last minIBIs+ intervals.
func heartRate(intervals []float64) (float64, bool) {
	if len(intervals) < minIBIs {
		return 0, false
	}
	sorted := append([]float64(nil), intervals...)
	for i := 1; i < len(sorted); i++ {
		v := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > v {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = v
	}
	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}
	if median <= 0 {
		return 0, false
	}
	return 60 / median, true
}

// rmssd is the root mean square of successive interval differences.
func rmssd(intervals []float64) float64 {
	if len(intervals) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(intervals); i++ {
		d := (intervals[i] - intervals[i-1]) * 1000 // ms
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(intervals)-1))
}

// adcRespiration peak-counts the respiration-band envelope.
func adcRespiration(resp []float64, span time.Duration) (float64, bool) {
	if span < 10*time.Second || len(resp) < int(adcRate*10) {
		return 0, false
	}
	env := make([]float64, len(resp))
	for i, v := range resp {
		env[i] = math.Abs(v)
	}
	prom := dsp.Percentile(env, 75)
	peaks := dsp.FindPeaks(resp, adcRate, 1.5, prom)
	if len(peaks) < 3 {
		return 0, false
	}
	interval, ok := dsp.MedianInterval(peaks)
	if !ok || interval <= 0 {
		return 0, false
	}
	return dsp.Clamp(60/interval, 4, 40), true
}

// signalQuality grades the pickup: strong movement swamps the cardiac
// band, and an out-of-range rate means the beat picker is chasing
// noise.
func signalQuality(movement float64, hr float64, hrOK bool) float64 {
	switch {
	case movement > 0.2:
		return 0.1
	case !hrOK:
		return 0.3
	case hr < 30 || hr > 150:
		return 0.2
	case movement > 0.05:
		return 0.6
	default:
		return 0.9
	}
}
