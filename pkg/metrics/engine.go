// Copyright 2026 Skeinworks
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics implements the in-process analytics engine: a ring
// buffer of recorded samples with per-series recent windows, windowed
// aggregation with a TTL cache, trend and correlation analysis,
// baseline-driven anomaly detection, live subscriptions, and a system
// health score.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/types"
)

// EngineConfig tunes the analytics engine. The zero value selects
// defaults.
type EngineConfig struct {
	// RingCapacity bounds the sample buffer (default 100000).
	RingCapacity int

	// StreamWindow bounds each series' recent window (default 1000).
	StreamWindow int

	// SubscriberBuffer is a live subscription's channel capacity
	// (default 64). Full channels drop points rather than block.
	SubscriberBuffer int

	// CacheTTL is how long aggregation results stay served from cache
	// (default 60s).
	CacheTTL time.Duration

	// AnomalyThreshold is the sigma distance from the baseline mean at
	// which a sample is flagged (default 3.0).
	AnomalyThreshold float64

	// MinBaselineSamples is how many samples a series needs before a
	// baseline is learned (default 10).
	MinBaselineSamples int
}

func (c *EngineConfig) applyDefaults() {
	if c.RingCapacity <= 0 {
		c.RingCapacity = 100000
	}
	if c.StreamWindow <= 0 {
		c.StreamWindow = 1000
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = 3.0
	}
	if c.MinBaselineSamples <= 0 {
		c.MinBaselineSamples = 10
	}
}

// Subscription is one live metric stream. Points arrive on C; a full
// channel drops points instead of blocking the recorder.
type Subscription struct {
	id     string
	kind   types.MetricKind
	tags   map[string]string
	ch     chan types.MetricPoint
	engine *Engine
	closed atomic.Bool
}

// C returns the subscription's point channel. It is closed by Close.
func (s *Subscription) C() <-chan types.MetricPoint { return s.ch }

// ID returns the subscription's identifier.
func (s *Subscription) ID() string { return s.id }

// Close detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.engine.subMu.Lock()
	delete(s.engine.subs, s.id)
	s.engine.subMu.Unlock()
	// The publisher sends under subMu, so after removal nothing can
	// write to the channel and closing it is safe.
	close(s.ch)
}

// matches reports whether the point belongs on this stream: same kind,
// and every subscription tag present with an equal value.
func (s *Subscription) matches(p *types.MetricPoint) bool {
	if s.kind != "" && p.Kind != s.kind {
		return false
	}
	for k, want := range s.tags {
		if p.Tags[k] != want {
			return false
		}
	}
	return true
}

// Engine records metric samples and answers analytical queries over
// them. All methods are safe for concurrent use.
type Engine struct {
	cfg    EngineConfig
	clk    clock.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	ring    []types.MetricPoint
	next    int
	full    bool
	streams map[string][]types.MetricPoint

	subMu sync.RWMutex
	subs  map[string]*Subscription

	cacheMu sync.Mutex
	cache   map[string]cachedAggregate

	baseMu    sync.RWMutex
	baselines map[string]types.Baseline

	recorded        atomic.Int64
	anomalies       atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	subscriberDrops atomic.Int64
}

// NewEngine creates an analytics engine. Nil arguments select defaults.
func NewEngine(config *EngineConfig, clk clock.Clock, logger *zap.Logger) *Engine {
	cfg := EngineConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()

	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:       cfg,
		clk:       clk,
		logger:    logger,
		ring:      make([]types.MetricPoint, cfg.RingCapacity),
		streams:   make(map[string][]types.MetricPoint),
		subs:      make(map[string]*Subscription),
		cache:     make(map[string]cachedAggregate),
		baselines: make(map[string]types.Baseline),
	}
}

// Record stores one sample under the series (kind, tags).
func (e *Engine) Record(kind types.MetricKind, value float64, tags map[string]string) {
	e.RecordPoint(types.MetricPoint{Kind: kind, Value: value, Tags: tags})
}

// RecordPoint stores a sample with full attribution. Missing kind and
// timestamp are stamped. The stored point (anomaly flag included) is
// returned.
func (e *Engine) RecordPoint(p types.MetricPoint) types.MetricPoint {
	if p.Kind == "" {
		p.Kind = types.MetricCustom
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = e.clk.Now()
	}
	key := p.StreamKey()

	if base, ok := e.baseline(key); ok && base.StdDev > 0 {
		if math.Abs(p.Value-base.Mean)/base.StdDev > e.cfg.AnomalyThreshold {
			p.Anomaly = true
			e.anomalies.Add(1)
			e.logger.Warn("Anomalous metric sample",
				zap.String("stream", key),
				zap.Float64("value", p.Value),
				zap.Float64("baseline_mean", base.Mean),
				zap.Float64("baseline_stddev", base.StdDev))
		}
	}

	e.mu.Lock()
	e.ring[e.next] = p
	e.next++
	if e.next == len(e.ring) {
		e.next = 0
		e.full = true
	}
	window := append(e.streams[key], p)
	if len(window) > e.cfg.StreamWindow {
		window = window[1:]
	}
	e.streams[key] = window
	e.mu.Unlock()

	e.recorded.Add(1)
	e.publish(&p)
	return p
}

// publish fans the point out to matching live subscriptions.
func (e *Engine) publish(p *types.MetricPoint) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	for _, sub := range e.subs {
		if !sub.matches(p) {
			continue
		}
		select {
		case sub.ch <- *p:
		default:
			e.subscriberDrops.Add(1)
		}
	}
}

// Subscribe attaches a live stream for points of the kind carrying all
// the given tags. An empty kind matches every series.
func (e *Engine) Subscribe(kind types.MetricKind, tags map[string]string) *Subscription {
	sub := &Subscription{
		id:     e.clk.NewID("metricsub"),
		kind:   kind,
		tags:   copyTags(tags),
		ch:     make(chan types.MetricPoint, e.cfg.SubscriberBuffer),
		engine: e,
	}

	e.subMu.Lock()
	e.subs[sub.id] = sub
	e.subMu.Unlock()

	e.logger.Debug("Metric subscription added",
		zap.String("subscription_id", sub.id),
		zap.String("kind", string(kind)))
	return sub
}

// Recent returns up to limit points of one exact series (kind plus
// tags), oldest first. limit <= 0 returns the whole window.
func (e *Engine) Recent(kind types.MetricKind, tags map[string]string, limit int) []types.MetricPoint {
	key := types.StreamKey(kind, tags)

	e.mu.RLock()
	window := e.streams[key]
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	out := make([]types.MetricPoint, len(window))
	copy(out, window)
	e.mu.RUnlock()
	return out
}

// collect returns points of the kind carrying all filter tags with
// timestamps in (since, until], in record order. An empty kind matches
// everything.
func (e *Engine) collect(kind types.MetricKind, tags map[string]string, since, until time.Time) []types.MetricPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()

	size := e.next
	start := 0
	if e.full {
		size = len(e.ring)
		start = e.next
	}

	var out []types.MetricPoint
	for i := 0; i < size; i++ {
		p := e.ring[(start+i)%len(e.ring)]
		if kind != "" && p.Kind != kind {
			continue
		}
		if p.Timestamp.After(until) || !p.Timestamp.After(since) {
			continue
		}
		if !hasTags(p.Tags, tags) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// hasTags reports whether point tags contain every filter tag.
func hasTags(pointTags, filter map[string]string) bool {
	for k, want := range filter {
		if pointTags[k] != want {
			return false
		}
	}
	return true
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// ============================================================================
// Baselines
// ============================================================================

func (e *Engine) baseline(key string) (types.Baseline, bool) {
	e.baseMu.RLock()
	defer e.baseMu.RUnlock()
	base, ok := e.baselines[key]
	return base, ok
}

// UpdateBaselines relearns per-series baselines from samples recorded
// within the lookback window. Series with fewer than the configured
// minimum sample count keep their previous baseline. Returns how many
// baselines were updated.
func (e *Engine) UpdateBaselines(lookback time.Duration) int {
	if lookback <= 0 {
		lookback = 15 * time.Minute
	}
	now := e.clk.Now()

	groups := make(map[string][]float64)
	for _, p := range e.collect("", nil, now.Add(-lookback), now) {
		key := p.StreamKey()
		groups[key] = append(groups[key], p.Value)
	}

	updated := 0
	e.baseMu.Lock()
	for key, values := range groups {
		if len(values) < e.cfg.MinBaselineSamples {
			continue
		}
		mean, stddev := meanStdDev(values)
		e.baselines[key] = types.Baseline{
			StreamKey:   key,
			Mean:        mean,
			StdDev:      stddev,
			SampleCount: len(values),
			UpdatedAt:   now,
		}
		updated++
	}
	e.baseMu.Unlock()

	if updated > 0 {
		e.logger.Debug("Baselines updated", zap.Int("series", updated))
	}
	return updated
}

// Baselines returns a snapshot of the learned baselines by stream key.
func (e *Engine) Baselines() map[string]types.Baseline {
	e.baseMu.RLock()
	defer e.baseMu.RUnlock()

	out := make(map[string]types.Baseline, len(e.baselines))
	for k, v := range e.baselines {
		out[k] = v
	}
	return out
}

func meanStdDev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Reset drops every recorded sample, per-series window, cached
// aggregation, and learned baseline. Subscriptions stay attached;
// counters keep their totals.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.ring = make([]types.MetricPoint, e.cfg.RingCapacity)
	e.next = 0
	e.full = false
	e.streams = make(map[string][]types.MetricPoint)
	e.mu.Unlock()

	e.cacheMu.Lock()
	e.cache = make(map[string]cachedAggregate)
	e.cacheMu.Unlock()

	e.baseMu.Lock()
	e.baselines = make(map[string]types.Baseline)
	e.baseMu.Unlock()

	e.logger.Info("Metrics engine reset")
}

// Stats returns a snapshot of engine counters and gauges.
func (e *Engine) Stats() types.EngineStats {
	e.mu.RLock()
	points := e.next
	if e.full {
		points = len(e.ring)
	}
	streams := len(e.streams)
	e.mu.RUnlock()

	e.subMu.RLock()
	subscribers := len(e.subs)
	e.subMu.RUnlock()

	return types.EngineStats{
		Points:          points,
		Streams:         streams,
		Subscribers:     subscribers,
		Recorded:        e.recorded.Load(),
		Anomalies:       e.anomalies.Load(),
		CacheHits:       e.cacheHits.Load(),
		CacheMisses:     e.cacheMisses.Load(),
		SubscriberDrops: e.subscriberDrops.Load(),
	}
}
