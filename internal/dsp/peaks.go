package dsp

import "math"

// Peak is one detected local maximum in a sampled signal.
type Peak struct {
	Index      int
	Time       float64 // seconds from the start of the slice
	Value      float64
	Prominence float64
}

// FindPeaks detects local maxima in envelope (sampled at sampleRate
// Hz) that are at least minDistance apart and exceed minProminence,
// the adaptive-prominence peak picker used for respiration and
// breathing-rate detection.
func FindPeaks(envelope []float64, sampleRate, minDistanceSec, minProminence float64) []Peak {
	minDistSamples := int(minDistanceSec * sampleRate)
	var peaks []Peak
	lastIdx := -minDistSamples - 1

	for i := 1; i < len(envelope)-1; i++ {
		if envelope[i] <= envelope[i-1] || envelope[i] < envelope[i+1] {
			continue
		}
		if i-lastIdx < minDistSamples {
			// Too close to the previous peak: keep whichever is larger.
			if len(peaks) > 0 && envelope[i] > peaks[len(peaks)-1].Value {
				peaks[len(peaks)-1] = Peak{
					Index: i,
					Time:  float64(i) / sampleRate,
					Value: envelope[i],
				}
				lastIdx = i
			}
			continue
		}
		prom := prominence(envelope, i)
		if prom < minProminence {
			continue
		}
		peaks = append(peaks, Peak{
			Index:      i,
			Time:       float64(i) / sampleRate,
			Value:      envelope[i],
			Prominence: prom,
		})
		lastIdx = i
	}
	return peaks
}

// prominence approximates topographic prominence: on each side it takes
// the lowest sample reached before a sample higher than the peak (or
// the window edge), and returns the peak's height above the higher of
// those two minima.
func prominence(xs []float64, i int) float64 {
	peak := xs[i]
	leftMin := peak
	for j := i - 1; j >= 0; j-- {
		if xs[j] > peak {
			break
		}
		if xs[j] < leftMin {
			leftMin = xs[j]
		}
	}
	rightMin := peak
	for j := i + 1; j < len(xs); j++ {
		if xs[j] > peak {
			break
		}
		if xs[j] < rightMin {
			rightMin = xs[j]
		}
	}
	base := math.Max(leftMin, rightMin)
	return peak - base
}

// MedianInterval returns the median time between consecutive peaks,
// in seconds, and whether at least two peaks were supplied.
func MedianInterval(peaks []Peak) (float64, bool) {
	if len(peaks) < 2 {
		return 0, false
	}
	intervals := make([]float64, 0, len(peaks)-1)
	for i := 1; i < len(peaks); i++ {
		intervals = append(intervals, peaks[i].Time-peaks[i-1].Time)
	}
	insertionSort(intervals)
	n := len(intervals)
	if n%2 == 1 {
		return intervals[n/2], true
	}
	return (intervals[n/2-1] + intervals[n/2]) / 2, true
}

// Clamp restricts v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GoertzelPower evaluates the single-frequency DFT magnitude of xs at
// the bin nearest targetHz (the bin index is rounded) given
// sampleRate, used for the heart-rate FFT-peak
// estimate without needing a full FFT
// library for what is effectively a narrowband scan.
func GoertzelPower(xs []float64, targetHz, sampleRate float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	k := int(0.5 + float64(n)*targetHz/sampleRate)
	w := 2 * math.Pi * float64(k) / float64(n)
	cosine := math.Cos(w)
	coeff := 2 * cosine

	var s0, s1, s2 float64
	for _, x := range xs {
		s0 = x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	real := s1 - s2*cosine
	imag := s2 * math.Sin(w)
	return math.Sqrt(real*real + imag*imag)
}

// BandPeak scans [lowHz, highHz] in stepHz increments with
// GoertzelPower and returns the frequency and power of the strongest
// bin, plus the mean power across the scan (used as a sidelobe
// baseline for confidence scoring).
func BandPeak(xs []float64, lowHz, highHz, stepHz, sampleRate float64) (peakHz, peakPower, meanPower float64) {
	var total float64
	var n int
	for f := lowHz; f <= highHz; f += stepHz {
		p := GoertzelPower(xs, f, sampleRate)
		total += p
		n++
		if p > peakPower {
			peakPower = p
			peakHz = f
		}
	}
	if n > 0 {
		meanPower = total / float64(n)
	}
	return peakHz, peakPower, meanPower
}
