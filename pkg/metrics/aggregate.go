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
package metrics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/skeinworks/skein/pkg/types"
)

// defaultLookback is used when a query omits its window.
const defaultLookback = 5 * time.Minute

// cachedAggregate is one memoized aggregation result.
type cachedAggregate struct {
	result  types.AggregatedMetric
	expires time.Time
}

// Aggregate reduces the series (kind, tags) over the lookback window
// ending now. An empty window yields a zero-valued result with
// SampleCount 0, never an error. Results are cached per
// (kind, aggregation, lookback, tag signature) for the configured TTL.
func (e *Engine) Aggregate(kind types.MetricKind, agg types.Aggregation, lookback time.Duration, tags map[string]string) (types.AggregatedMetric, error) {
	if !agg.IsValid() {
		return types.AggregatedMetric{}, types.NewValidation("unknown aggregation %q", agg)
	}
	if lookback <= 0 {
		lookback = defaultLookback
	}

	cacheKey := fmt.Sprintf("%s|%s|%s", types.StreamKey(kind, tags), agg, lookback)
	now := e.clk.Now()

	e.cacheMu.Lock()
	if entry, ok := e.cache[cacheKey]; ok && now.Before(entry.expires) {
		e.cacheMu.Unlock()
		e.cacheHits.Add(1)
		return entry.result, nil
	}
	e.cacheMu.Unlock()
	e.cacheMisses.Add(1)

	since := now.Add(-lookback)
	points := e.collect(kind, tags, since, now)

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	result := types.AggregatedMetric{
		Kind:        kind,
		Aggregation: agg,
		Value:       reduce(agg, values, lookback),
		SampleCount: len(values),
		WindowStart: since,
		WindowEnd:   now,
		Tags:        copyTags(tags),
	}

	e.cacheMu.Lock()
	e.cache[cacheKey] = cachedAggregate{result: result, expires: now.Add(e.cfg.CacheTTL)}
	e.cacheMu.Unlock()

	return result, nil
}

// SweepAggregationCache drops expired cache entries and returns how
// many were removed. The runtime runs this on a schedule.
func (e *Engine) SweepAggregationCache() int {
	now := e.clk.Now()

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	removed := 0
	for key, entry := range e.cache {
		if !now.Before(entry.expires) {
			delete(e.cache, key)
			removed++
		}
	}
	return removed
}

// TopN groups points of the kind by the values of tagKey over the
// lookback window, reduces each group, and returns the top n groups by
// value. Points without the tag are skipped.
func (e *Engine) TopN(kind types.MetricKind, tagKey string, n int, agg types.Aggregation, lookback time.Duration) ([]types.TopEntry, error) {
	if tagKey == "" {
		return nil, types.NewValidation("tag key must not be empty")
	}
	if !agg.IsValid() {
		return nil, types.NewValidation("unknown aggregation %q", agg)
	}
	if n <= 0 {
		n = 10
	}
	if lookback <= 0 {
		lookback = defaultLookback
	}

	now := e.clk.Now()
	groups := make(map[string][]float64)
	for _, p := range e.collect(kind, nil, now.Add(-lookback), now) {
		value, ok := p.Tags[tagKey]
		if !ok {
			continue
		}
		groups[value] = append(groups[value], p.Value)
	}

	out := make([]types.TopEntry, 0, len(groups))
	for tagValue, values := range groups {
		out = append(out, types.TopEntry{
			TagValue:    tagValue,
			Value:       reduce(agg, values, lookback),
			SampleCount: len(values),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].TagValue < out[j].TagValue
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// reduce applies one aggregation to the sample values.
func reduce(agg types.Aggregation, values []float64, window time.Duration) float64 {
	if len(values) == 0 {
		return 0
	}

	switch agg {
	case types.AggAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case types.AggSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum
	case types.AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case types.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case types.AggP50:
		return percentile(values, 50)
	case types.AggP95:
		return percentile(values, 95)
	case types.AggP99:
		return percentile(values, 99)
	case types.AggCount:
		return float64(len(values))
	case types.AggRate:
		secs := window.Seconds()
		if secs <= 0 {
			return 0
		}
		return float64(len(values)) / secs
	default:
		return 0
	}
}

// percentile computes the nearest-rank percentile of the values.
func percentile(values []float64, pct float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(pct / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
