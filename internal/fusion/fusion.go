// Package fusion implements the fusion engine: it maintains
// latest[detector][field] -> SignalValue, recomputes channels whose
// sources changed, and publishes FusedSignal updates to the bus.
package fusion

import (
	"sort"
	"sync"
	"time"

	"nightwatch/internal/busx"
	"nightwatch/internal/dsp"
	"nightwatch/internal/model"
)

// Strategy names a channel's fusion algorithm.
type Strategy string

const (
	StrategyWeightedAverage Strategy = "weighted_average"
	StrategyBestConfidence  Strategy = "best_confidence"
	StrategyVoting          Strategy = "voting"
	StrategyAny             Strategy = "any"
	StrategyAll             Strategy = "all"
	StrategyComputed        Strategy = "computed"
)

// Source configures one (detector, field) contributor to a channel.
type Source struct {
	Detector string
	Field    string
	Weight   float64 // defaults to 1.0 when zero
}

// ComputedFunc is a named closure strategy; it reads
// the engine's latest-value and channel tables and returns a fresh
// FusedSignal, or ok=false if it cannot currently produce one.
type ComputedFunc func(e *Engine, now time.Time) (model.FusedSignal, bool)

// ChannelRule configures one channel's recomputation.
type ChannelRule struct {
	Name               string
	Sources            []Source
	Strategy           Strategy
	MinSources         int
	AgreementThreshold float64 // default 0.8 if zero
	DisagreementLimit  float64 // numeric values differing beyond this => degraded
	MaxDeviation       float64 // deviation scale in the agreement formula; default 5.0
	Computed           ComputedFunc
}

// Config holds the engine-wide tunables from the fusion.* config.
type Config struct {
	SignalMaxAge        time.Duration
	AgreementBonus      float64
	DisagreementPenalty float64
	Rules               []ChannelRule
}

// Engine combines detector signals into named channels. It is a
// single-writer structure: only the engine's own goroutine
// mutates latest/channels; readers (Snapshot, computed strategies) see
// a consistent view under mu.
type Engine struct {
	cfg Config
	bus *busx.Bus

	mu       sync.RWMutex
	latest   map[string]map[string]model.SignalValue // detector -> field -> value
	channels map[string]model.FusedSignal

	rulesBySource map[sourceKey][]*ChannelRule
}

type sourceKey struct {
	detector, field string
}

// New builds an Engine and indexes rules by their (detector, field)
// sources so an incoming event only recomputes affected channels.
func New(cfg Config, bus *busx.Bus) *Engine {
	e := &Engine{
		cfg:           cfg,
		bus:           bus,
		latest:        make(map[string]map[string]model.SignalValue),
		channels:      make(map[string]model.FusedSignal),
		rulesBySource: make(map[sourceKey][]*ChannelRule),
	}
	for i := range e.cfg.Rules {
		r := &e.cfg.Rules[i]
		if r.AgreementThreshold == 0 {
			r.AgreementThreshold = 0.8
		}
		if r.MaxDeviation == 0 {
			r.MaxDeviation = 5.0
		}
		for _, s := range r.Sources {
			k := sourceKey{s.Detector, s.Field}
			e.rulesBySource[k] = append(e.rulesBySource[k], r)
		}
	}
	return e
}

// Run subscribes to TopicEvents and drives HandleEvent for each
// delivered event until ctx is cancelled by the caller closing done.
func (e *Engine) Run(done <-chan struct{}) {
	h := e.bus.Subscribe(busx.TopicEvents, busx.DefaultInboxSize)
	defer e.bus.Unsubscribe(h)
	for {
		select {
		case <-done:
			return
		case msg := <-h.C():
			ev, ok := msg.Payload.(model.Event)
			if !ok {
				continue
			}
			e.HandleEvent(ev)
		}
	}
}

// HandleEvent updates the latest-value table from ev and recomputes
// every channel that references one of the updated fields.
func (e *Engine) HandleEvent(ev model.Event) {
	now := ev.Timestamp
	touched := e.updateLatest(ev, now)

	affected := map[*ChannelRule]bool{}
	for field := range touched {
		for _, r := range e.rulesBySource[sourceKey{ev.Detector, field}] {
			affected[r] = true
		}
	}
	for r := range affected {
		e.recompute(r, now)
	}
	e.evictStale(now)
}

// updateLatest writes ev's fields into the latest table and returns
// the set of field names that changed (including UNCERTAIN events,
// which still advance recency but carry no usable value).
func (e *Engine) updateLatest(ev model.Event, now time.Time) map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	bucket := e.latest[ev.Detector]
	if bucket == nil {
		bucket = make(map[string]model.SignalValue)
		e.latest[ev.Detector] = bucket
	}
	touched := make(map[string]bool, len(ev.Value))
	for field, v := range ev.Value {
		bucket[field] = model.SignalValue{
			Detector:   ev.Detector,
			Field:      field,
			Value:      v,
			Confidence: ev.Confidence,
			Timestamp:  ev.Timestamp,
		}
		touched[field] = true
	}
	return touched
}

// evictStale removes latest entries older than signal_max_age so a
// disconnected detector's last reading stops contributing.
func (e *Engine) evictStale(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for det, bucket := range e.latest {
		for field, v := range bucket {
			if v.Stale(now, e.cfg.SignalMaxAge) {
				delete(bucket, field)
			}
		}
		if len(bucket) == 0 {
			delete(e.latest, det)
		}
	}
	for name, ch := range e.channels {
		if now.Sub(ch.Timestamp) > e.cfg.SignalMaxAge {
			if !ch.Degraded {
				ch.Degraded = true
				e.channels[name] = ch
				e.publish(ch)
				continue
			}
			// Degraded past signal_max_age for a second sweep: evict.
			delete(e.channels, name)
		}
	}
}

// fresh returns the non-stale SignalValues for rule's configured
// sources, paired with their configured weight.
func (e *Engine) fresh(r *ChannelRule, now time.Time) ([]model.SignalValue, []float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var values []model.SignalValue
	var weights []float64
	for _, s := range r.Sources {
		bucket := e.latest[s.Detector]
		if bucket == nil {
			continue
		}
		v, ok := bucket[s.Field]
		if !ok || v.Stale(now, e.cfg.SignalMaxAge) {
			continue
		}
		w := s.Weight
		if w == 0 {
			w = 1.0
		}
		values = append(values, v)
		weights = append(weights, w)
	}
	return values, weights
}

// recompute re-derives rule's channel from current fresh contributors
// and publishes the result if min_sources is met.
func (e *Engine) recompute(r *ChannelRule, now time.Time) {
	if r.Strategy == StrategyComputed {
		if r.Computed == nil {
			return
		}
		fs, ok := r.Computed(e, now)
		if !ok {
			return
		}
		e.setChannel(fs)
		e.publish(fs)
		return
	}

	values, weights := e.fresh(r, now)
	if len(values) < r.MinSources {
		return
	}

	var fs model.FusedSignal
	switch r.Strategy {
	case StrategyWeightedAverage:
		fs = weightedAverage(r, values, weights, now, e.cfg.AgreementBonus, e.cfg.DisagreementPenalty)
	case StrategyBestConfidence:
		fs = bestConfidence(r, values, now)
	case StrategyVoting:
		fs = voting(r, values, now)
	case StrategyAny:
		fs = anyStrategy(r, values, now)
	case StrategyAll:
		fs = allStrategy(r, values, now)
	default:
		return
	}
	e.setChannel(fs)
	e.publish(fs)
}

func sourceNames(values []model.SignalValue) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.Detector
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// weightedAverage implements the weighted_average strategy
// including the agreement-based confidence adjustments.
func weightedAverage(r *ChannelRule, values []model.SignalValue, weights []float64, now time.Time, agreementBonus, disagreementPenalty float64) model.FusedSignal {
	var num, den, confNum, confDen float64
	var nums []float64
	for i, v := range values {
		f, ok := asFloat(v.Value)
		if !ok {
			continue
		}
		w := weights[i]
		num += f * w * v.Confidence
		den += w * v.Confidence
		confNum += v.Confidence * w
		confDen += w
		nums = append(nums, f)
	}
	if den == 0 {
		den = 1
	}
	value := num / den
	baseConf := 0.0
	if confDen > 0 {
		baseConf = confNum / confDen
	}

	std := dsp.StdDev(nums)
	maxDev := r.MaxDeviation
	if maxDev == 0 {
		maxDev = 5.0
	}
	agreement := dsp.Clamp(1-std/maxDev, 0, 1)

	conf := baseConf
	switch {
	case agreement >= r.AgreementThreshold:
		conf += agreementBonus
	case agreement < 0.5:
		conf -= disagreementPenalty
	}
	if len(values) == 1 {
		conf -= 0.1
	}
	conf = dsp.Clamp(conf, 0, 1)

	degraded := false
	if r.DisagreementLimit > 0 && spread(nums) > r.DisagreementLimit {
		degraded = true
		// Keep the highest-weight source's value.
		bestIdx := 0
		bestW := weights[0]
		for i, w := range weights {
			if w > bestW {
				bestW = w
				bestIdx = i
			}
		}
		if f, ok := asFloat(values[bestIdx].Value); ok {
			value = f
		}
	}

	return model.FusedSignal{
		Name:       r.Name,
		Value:      value,
		Confidence: conf,
		Timestamp:  now,
		Sources:    sourceNames(values),
		Agreement:  agreement,
		Degraded:   degraded,
	}
}

func spread(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return hi - lo
}

// bestConfidence picks the single highest-confidence contributor.
func bestConfidence(r *ChannelRule, values []model.SignalValue, now time.Time) model.FusedSignal {
	best := values[0]
	for _, v := range values[1:] {
		if v.Confidence > best.Confidence {
			best = v
		}
	}
	return model.FusedSignal{
		Name:       r.Name,
		Value:      best.Value,
		Confidence: best.Confidence,
		Timestamp:  now,
		Sources:    []string{best.Detector},
		Agreement:  1,
	}
}

// voting is the boolean majority-vote strategy.
func voting(r *ChannelRule, values []model.SignalValue, now time.Time) model.FusedSignal {
	var trueN, falseN int
	for _, v := range values {
		b, ok := asBool(v.Value)
		if !ok {
			continue
		}
		if b {
			trueN++
		} else {
			falseN++
		}
	}
	total := trueN + falseN
	result := trueN >= falseN
	conf := 0.0
	if total > 0 {
		diff := trueN - falseN
		if diff < 0 {
			diff = -diff
		}
		conf = float64(diff) / float64(total)
	}
	return model.FusedSignal{
		Name:       r.Name,
		Value:      result,
		Confidence: conf,
		Timestamp:  now,
		Sources:    sourceNames(values),
		Agreement:  conf,
	}
}

// anyStrategy is the boolean OR strategy.
func anyStrategy(r *ChannelRule, values []model.SignalValue, now time.Time) model.FusedSignal {
	result := false
	conf := 0.0
	var contributors []string
	for _, v := range values {
		b, ok := asBool(v.Value)
		if !ok {
			continue
		}
		if b {
			result = true
			if v.Confidence > conf {
				conf = v.Confidence
			}
			contributors = append(contributors, v.Detector)
		}
	}
	if !result {
		contributors = sourceNames(values)
	}
	return model.FusedSignal{
		Name:       r.Name,
		Value:      result,
		Confidence: conf,
		Timestamp:  now,
		Sources:    contributors,
		Agreement:  1,
	}
}

// allStrategy is the boolean AND strategy.
func allStrategy(r *ChannelRule, values []model.SignalValue, now time.Time) model.FusedSignal {
	result := true
	minConf := 1.0
	for _, v := range values {
		b, ok := asBool(v.Value)
		if !ok || !b {
			result = false
		}
		if v.Confidence < minConf {
			minConf = v.Confidence
		}
	}
	conf := minConf
	if !result {
		conf = 0
	}
	return model.FusedSignal{
		Name:       r.Name,
		Value:      result,
		Confidence: conf,
		Timestamp:  now,
		Sources:    sourceNames(values),
		Agreement:  1,
	}
}

func (e *Engine) setChannel(fs model.FusedSignal) {
	e.mu.Lock()
	e.channels[fs.Name] = fs
	e.mu.Unlock()
}

func (e *Engine) publish(fs model.FusedSignal) {
	e.bus.Publish(busx.Message{Topic: busx.TopicChannels, Producer: "fusion", Payload: fs})
}

// Channel returns the current value of a named channel.
func (e *Engine) Channel(name string) (model.FusedSignal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fs, ok := e.channels[name]
	return fs, ok
}

// LatestField returns a detector's latest (detector, field) value.
// Entries older than signal_max_age are removed by the sweep that ends
// each HandleEvent, so a returned value can have gone stale since then.
func (e *Engine) LatestField(detector, field string) (model.SignalValue, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bucket := e.latest[detector]
	if bucket == nil {
		return model.SignalValue{}, false
	}
	v, ok := bucket[field]
	return v, ok
}

// Snapshot returns a stable, sorted-by-name copy of every current
// channel, used by the stream endpoint and health reporting.
func (e *Engine) Snapshot() []model.FusedSignal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.FusedSignal, 0, len(e.channels))
	for _, fs := range e.channels {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
