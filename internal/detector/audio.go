package detector

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"nightwatch/internal/busx"
	"nightwatch/internal/driver"
	"nightwatch/internal/driver/audio"
	"nightwatch/internal/dsp"
	"nightwatch/internal/model"
)

const (
	audioWindow     = 30 * time.Second
	audioEnvRate    = 50.0 // envelope is decimated to this rate, Hz
	audioTickPeriod = 1 * time.Second

	silenceMargin    = 2.0 // silence when RMS < noise_floor * this
	vocalMinDuration = 200 * time.Millisecond
	seizureMinHold   = 5 * time.Second
)

// Audio derives breathing rate, silence duration, vocalization and
// seizure-like sound patterns from the microphone's PCM stream. All
// per-sample filtering happens on the 20ms frame as it arrives;
// window-level features are computed on the 1Hz emit tick.
type Audio struct {
	drv driver.Driver
	em  *Emitter
	log *log.Logger

	breathBP *dsp.BandpassFilter // 200-800Hz breath band
	breathLP *dsp.LowpassFilter  // 2Hz envelope smoother
	broadBP  *dsp.BandpassFilter // 200-3000Hz vocalization band

	mu           sync.Mutex
	rmsRing      *dsp.Ring // per-frame RMS, 30s
	envRing      *dsp.Ring // decimated breath envelope, 30s
	broadRing    *dsp.Ring // per-frame broadband energy, 30s
	silenceSince time.Time
	vocalSince   time.Time
	seizureSince time.Time
	sampleRate   float64
	decimAccum   float64
	decimCount   int
	lastFrameEnd time.Time
}

// NewAudio wires the audio detector onto bus using drv.
func NewAudio(drv driver.Driver, sampleRate int, bus *busx.Bus, logger *log.Logger) *Audio {
	sr := float64(sampleRate)
	return &Audio{
		drv:        drv,
		em:         NewEmitter("audio", bus, logger),
		log:        logger,
		breathBP:   dsp.NewBandpass(200, 800, sr),
		breathLP:   dsp.NewLowpass(2, sr),
		broadBP:    dsp.NewBandpass(200, 3000, sr),
		rmsRing:    dsp.NewRing(audioWindow),
		envRing:    dsp.NewRing(audioWindow),
		broadRing:  dsp.NewRing(audioWindow),
		sampleRate: sr,
	}
}

func (a *Audio) Name() string { return "audio" }

// Run pumps PCM frames through the filter chain and emits one event
// per second until ctx is cancelled.
func (a *Audio) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(audioTickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				a.emit(now)
			}
		}
	}()
	runDriver(ctx, a.drv, "sound", a.em, a.log, a.onFrame)
}

// onFrame filters one 20ms PCM block. The breath envelope is
// decimated to audioEnvRate so the 30s peak-detection window stays
// small.
func (a *Audio) onFrame(f driver.Frame) {
	pcm, ok := f.Payload.(audio.PCMFrame)
	if !ok || len(pcm.Samples) == 0 {
		return
	}

	decimStride := int(a.sampleRate / audioEnvRate)
	var sumSq, broadSumSq float64

	a.mu.Lock()
	defer a.mu.Unlock()

	frameStart := f.Timestamp
	dt := time.Duration(float64(time.Second) / a.sampleRate)
	for i, s := range pcm.Samples {
		x := float64(s) / 32768.0
		sumSq += x * x

		b := a.broadBP.Step(x)
		broadSumSq += b * b

		env := a.breathLP.Step(math.Abs(a.breathBP.Step(x)))
		a.decimAccum += env
		a.decimCount++
		if a.decimCount >= decimStride {
			t := frameStart.Add(time.Duration(i) * dt)
			a.envRing.Push(dsp.Sample{T: t, V: a.decimAccum / float64(a.decimCount)})
			a.decimAccum, a.decimCount = 0, 0
		}
	}
	n := float64(len(pcm.Samples))
	rms := math.Sqrt(sumSq / n)
	a.rmsRing.Push(dsp.Sample{T: frameStart, V: rms})
	a.broadRing.Push(dsp.Sample{T: frameStart, V: math.Sqrt(broadSumSq / n)})
	a.lastFrameEnd = frameStart.Add(time.Duration(n) * dt)

	a.trackSilence(rms, frameStart)
	a.trackVocalization(frameStart)
}

// trackSilence updates the running silence interval against the
// adaptive noise floor. Caller holds a.mu.
func (a *Audio) trackSilence(rms float64, now time.Time) {
	floor := dsp.Percentile(a.rmsRing.Values(), 5)
	if rms < floor*silenceMargin {
		if a.silenceSince.IsZero() {
			a.silenceSince = now
		}
	} else {
		a.silenceSince = time.Time{}
	}
}

// trackVocalization flags broadband transients above 3x baseline that
// persist past the minimum duration. Caller holds a.mu.
func (a *Audio) trackVocalization(now time.Time) {
	vals := a.broadRing.Values()
	if len(vals) < 10 {
		return
	}
	baseline := dsp.Mean(vals)
	current := vals[len(vals)-1]
	if baseline > 0 && current > 3*baseline {
		if a.vocalSince.IsZero() {
			a.vocalSince = now
		}
	} else {
		a.vocalSince = time.Time{}
	}
}

// emit computes window-level features and publishes one event.
func (a *Audio) emit(now time.Time) {
	a.mu.Lock()

	rmsVals := append([]float64(nil), a.rmsRing.Values()...)
	envVals := append([]float64(nil), a.envRing.Values()...)
	envSpan := a.envRing.Span()

	floor := dsp.Percentile(rmsVals, 5)
	currentRMS := 0.0
	if len(rmsVals) > 0 {
		currentRMS = rmsVals[len(rmsVals)-1]
	}

	silenceDur := 0.0
	if !a.silenceSince.IsZero() {
		silenceDur = now.Sub(a.silenceSince).Seconds()
	}
	vocal := !a.vocalSince.IsZero() && now.Sub(a.vocalSince) >= vocalMinDuration

	seizure := a.seizureSound(envVals, envSpan, now)
	a.mu.Unlock()

	value := map[string]any{
		"rms":              currentRMS,
		"noise_floor":      floor,
		"silence_duration": silenceDur,
		"vocalization":     vocal,
		"seizure_sound":    seizure,
	}
	state := model.StateNormal
	confidence := 0.7

	rate, rateOK := breathingRate(envVals, envSpan)
	if rateOK {
		value["breathing_rate"] = rate
	} else {
		state = model.StateUncertain
		confidence = 0.3
	}
	if seizure {
		state = model.StateAlert
		confidence = 0.8
	}
	a.em.Emit(now, state, confidence, value)
}

// breathingRate peak-counts the decimated breath envelope over the
// trailing 30s.
func breathingRate(env []float64, span time.Duration) (float64, bool) {
	if span < 10*time.Second || len(env) < int(audioEnvRate*10) {
		return 0, false
	}
	prom := dsp.Percentile(env, 75) - dsp.Percentile(env, 25)
	peaks := dsp.FindPeaks(env, audioEnvRate, 1.5, prom*0.5)
	if len(peaks) < 3 {
		return 0, false
	}
	interval, ok := dsp.MedianInterval(peaks)
	if !ok || interval <= 0 {
		return 0, false
	}
	return dsp.Clamp(60/interval, 4, 40), true
}

// seizureSound looks for a rhythmic 1.5-8Hz component of the sound
// envelope that dominates the breathing band and has been sustained
// past the hold time. Caller holds a.mu.
func (a *Audio) seizureSound(env []float64, span time.Duration, now time.Time) bool {
	active := false
	if span >= 10*time.Second {
		peakHz, peakPower, meanPower := dsp.BandPeak(env, 1.5, 8.0, 0.25, audioEnvRate)
		_, breathPower, _ := dsp.BandPeak(env, 0.1, 0.5, 0.05, audioEnvRate)
		if meanPower > 0 && peakPower > 1.5*meanPower &&
			(breathPower == 0 || peakPower/breathPower > 2) && peakHz > 0 {
			active = true
		}
	}
	if active {
		if a.seizureSince.IsZero() {
			a.seizureSince = now
		}
	} else {
		a.seizureSince = time.Time{}
	}
	return !a.seizureSince.IsZero() && now.Sub(a.seizureSince) >= seizureMinHold
}
