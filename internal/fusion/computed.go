package fusion

import (
	"time"

	"nightwatch/internal/model"
)

// computedFuncs maps configured computed-channel names to their
// implementations.
var computedFuncs = map[string]ComputedFunc{
	"apnea_risk": ApneaRisk,
}

// LookupComputed resolves a configured computed-channel name.
func LookupComputed(name string) (ComputedFunc, bool) {
	f, ok := computedFuncs[name]
	return f, ok
}

// ApneaRisk is the computed strategy behind the apnea_risk channel:
// it rises with sustained audio silence while the bed is occupied and
// the fused respiration rate is already low.
//
// risk = 0.5 + (silence_duration-10)*0.05 + max(0, 6-respiration_rate)*0.1,
// clamped to [0,1], once silence_duration exceeds 10s and bed_occupied
// is true; otherwise the channel reports a risk of 0. Requires both
// audio.silence_duration and capacitive.bed_occupied to be fresh, and
// reads the already-fused respiration_rate channel rather than a raw
// detector field.
func ApneaRisk(e *Engine, now time.Time) (model.FusedSignal, bool) {
	silence, okS := e.LatestField("audio", "silence_duration")
	occupied, okO := e.LatestField("capacitive", "bed_occupied")
	if !okS || !okO || silence.Stale(now, e.cfg.SignalMaxAge) || occupied.Stale(now, e.cfg.SignalMaxAge) {
		return model.FusedSignal{}, false
	}

	occ, _ := asBool(occupied.Value)
	silenceSec, _ := asFloat(silence.Value)

	risk := 0.0
	if occ && silenceSec > 10 {
		resp := 6.0 // neutral assumption absent a respiration channel
		conf := 0.6
		if ch, ok := e.Channel("respiration_rate"); ok {
			if f, ok := asFloat(ch.Value); ok {
				resp = f
			}
			conf = (conf + ch.Confidence) / 2
		}
		low := 6 - resp
		if low < 0 {
			low = 0
		}
		risk = 0.5 + (silenceSec-10)*0.05 + low*0.1
		if risk > 1 {
			risk = 1
		}
		if risk < 0 {
			risk = 0
		}
		return model.FusedSignal{
			Name:       "apnea_risk",
			Value:      risk,
			Confidence: conf,
			Timestamp:  now,
			Sources:    []string{"audio", "capacitive"},
			Agreement:  1,
		}, true
	}

	return model.FusedSignal{
		Name:       "apnea_risk",
		Value:      0.0,
		Confidence: 0.6,
		Timestamp:  now,
		Sources:    []string{"audio", "capacitive"},
		Agreement:  1,
	}, true
}
