// Package dsp holds the signal-processing primitives shared by every
// detector: bandpass filtering, envelope extraction, peak detection,
// percentile estimation and a Goertzel-based band power estimate, all
// operating on the bounded sliding windows of Ring.
package dsp

import "math"

// Biquad is a single second-order IIR section in Direct Form I.
type Biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	x1, x2     float64
	y1, y2     float64
}

func (bq *Biquad) Step(x float64) float64 {
	y := bq.b0*x + bq.b1*bq.x1 + bq.b2*bq.x2 - bq.a1*bq.y1 - bq.a2*bq.y2
	bq.x2, bq.x1 = bq.x1, x
	bq.y2, bq.y1 = bq.y1, y
	return y
}

// BandpassFilter is a 4th-order bandpass built from two cascaded
// biquads, used for the radar respiration band and the
// capacitive/BCG bands.
type BandpassFilter struct {
	stages [2]Biquad
}

// NewBandpass designs a 4th-order bandpass for [lowHz, highHz] at the
// given sample rate as two identical cascaded RBJ bandpass sections
// centred on sqrt(lowHz*highHz) with Q = centre/(highHz-lowHz). The
// result is not a Butterworth response: the passband is not maximally
// flat, and at lowHz and highHz the response is about 6 dB below the
// peak.
func NewBandpass(lowHz, highHz, sampleRate float64) *BandpassFilter {
	f := &BandpassFilter{}
	centre := math.Sqrt(lowHz * highHz)
	bw := highHz - lowHz
	q := centre / bw
	for i := range f.stages {
		f.stages[i] = designBandpassBiquad(centre, q, sampleRate)
	}
	return f
}

// designBandpassBiquad is the RBJ Audio-EQ-Cookbook constant
// skirt-gain bandpass design.
func designBandpassBiquad(centreHz, q, sampleRate float64) Biquad {
	w0 := 2 * math.Pi * centreHz / sampleRate
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	b0 := q * alpha
	b1 := 0.0
	b2 := -q * alpha
	a0 := 1 + alpha
	a1 := -2 * cosw0
	a2 := 1 - alpha

	return Biquad{
		b0: b0 / a0, b1: b1 / a0, b2: b2 / a0,
		a1: a1 / a0, a2: a2 / a0,
	}
}

// Step runs one sample through the full cascade.
func (f *BandpassFilter) Step(x float64) float64 {
	y := x
	for i := range f.stages {
		y = f.stages[i].Step(y)
	}
	return y
}

// Filter runs Step over a whole slice and returns the filtered output.
func (f *BandpassFilter) Filter(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = f.Step(x)
	}
	return out
}

// LowpassFilter is a single-pole IIR lowpass, used after rectification
// to extract an amplitude envelope.
type LowpassFilter struct {
	alpha float64
	y     float64
	init  bool
}

// NewLowpass designs a one-pole lowpass with the given -3dB cutoff.
func NewLowpass(cutoffHz, sampleRate float64) *LowpassFilter {
	dt := 1.0 / sampleRate
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	alpha := dt / (rc + dt)
	return &LowpassFilter{alpha: alpha}
}

func (f *LowpassFilter) Step(x float64) float64 {
	if !f.init {
		f.y = x
		f.init = true
		return f.y
	}
	f.y += f.alpha * (x - f.y)
	return f.y
}

// Envelope rectifies (absolute value) then lowpass-filters xs,
// producing the amplitude envelope used by peak detection.
func Envelope(xs []float64, cutoffHz, sampleRate float64) []float64 {
	lp := NewLowpass(cutoffHz, sampleRate)
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = lp.Step(math.Abs(x))
	}
	return out
}

// Percentile returns the p-th percentile (0..100) of xs using linear
// interpolation between closest ranks. xs is not mutated.
func Percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	insertionSort(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (p / 100) * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// insertionSort avoids pulling in sort.Float64s' interface overhead
// for the small windows (hundreds of samples) these detectors use.
func insertionSort(xs []float64) {
	for i := 1; i < len(xs); i++ {
		v := xs[i]
		j := i - 1
		for j >= 0 && xs[j] > v {
			xs[j+1] = xs[j]
			j--
		}
		xs[j+1] = v
	}
}

// RMS returns the root-mean-square of xs.
func RMS(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// Mean returns the arithmetic mean of xs.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the population standard deviation of xs.
func StdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := Mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}
