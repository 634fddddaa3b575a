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
	"math"
	"time"

	"github.com/skeinworks/skein/pkg/types"
)

const (
	// trendBuckets is how many equal buckets a trend window is split
	// into.
	trendBuckets = 10

	// stableSlopeFraction: slopes below this fraction of the series
	// mean count as STABLE.
	stableSlopeFraction = 0.01

	// correlationBucket aligns series for Pearson correlation.
	correlationBucket = time.Minute

	// strongCorrelation is the |r| threshold for flagging a pair.
	strongCorrelation = 0.7
)

// Trend analyzes the series' movement over the window ending now: the
// window is split into ten equal buckets, bucket means are fitted with
// a least-squares line, and the slope is classified. Fewer than two
// non-empty buckets yield direction UNKNOWN.
func (e *Engine) Trend(kind types.MetricKind, window time.Duration, tags map[string]string) types.MetricTrend {
	if window <= 0 {
		window = 10 * time.Minute
	}
	now := e.clk.Now()
	start := now.Add(-window)
	bucketDur := window / trendBuckets

	trend := types.MetricTrend{
		Kind:        kind,
		Direction:   types.TrendUnknown,
		WindowStart: start,
		WindowEnd:   now,
		Buckets:     make([]types.TrendBucket, trendBuckets),
	}

	sums := make([]float64, trendBuckets)
	counts := make([]int, trendBuckets)
	for _, p := range e.collect(kind, tags, start, now) {
		idx := int(p.Timestamp.Sub(start) / bucketDur)
		if idx < 0 {
			idx = 0
		}
		if idx >= trendBuckets {
			idx = trendBuckets - 1
		}
		sums[idx] += p.Value
		counts[idx]++
	}

	var xs, ys []float64
	for i := 0; i < trendBuckets; i++ {
		bucket := types.TrendBucket{
			Midpoint: start.Add(time.Duration(i)*bucketDur + bucketDur/2),
			Count:    counts[i],
		}
		if counts[i] > 0 {
			bucket.Mean = sums[i] / float64(counts[i])
			xs = append(xs, float64(i))
			ys = append(ys, bucket.Mean)
		}
		trend.Buckets[i] = bucket
	}

	if len(ys) < 2 {
		return trend
	}

	trend.Slope = leastSquaresSlope(xs, ys)
	mean, stddev := meanStdDev(ys)

	switch {
	case math.Abs(trend.Slope) < stableSlopeFraction*math.Abs(mean):
		trend.Direction = types.TrendStable
	case trend.Slope > 0:
		trend.Direction = types.TrendIncreasing
	default:
		trend.Direction = types.TrendDecreasing
	}

	// Confidence: how tightly the bucket means sit around their mean.
	if mean != 0 {
		variance := stddev * stddev
		trend.Confidence = clamp01(1 - math.Min(1, variance/(mean*mean)))
	}

	// Bucket means outside the learned baseline band are reported as
	// anomalous moments.
	if base, ok := e.baseline(types.StreamKey(kind, tags)); ok && base.StdDev > 0 {
		for _, bucket := range trend.Buckets {
			if bucket.Count == 0 {
				continue
			}
			if math.Abs(bucket.Mean-base.Mean)/base.StdDev > e.cfg.AnomalyThreshold {
				trend.Anomalies = append(trend.Anomalies, bucket.Midpoint)
			}
		}
	}
	return trend
}

// leastSquaresSlope fits y = a + b*x and returns b.
func leastSquaresSlope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var num, den float64
	for i := range xs {
		dx := xs[i] - meanX
		num += dx * (ys[i] - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Correlations computes the Pearson coefficient between every pair of
// the given kinds over the window ending now. Series are aligned on
// one-minute buckets; buckets empty in either series are excluded
// pairwise. Pairs aligned on fewer than two buckets report a zero
// coefficient.
func (e *Engine) Correlations(kinds []types.MetricKind, window time.Duration) []types.Correlation {
	if window <= 0 {
		window = 15 * time.Minute
	}
	now := e.clk.Now()
	since := now.Add(-window)

	// Per-kind bucket means keyed by bucket index.
	buckets := make([]map[int64]float64, len(kinds))
	for i, kind := range kinds {
		sums := make(map[int64]float64)
		counts := make(map[int64]int)
		for _, p := range e.collect(kind, nil, since, now) {
			idx := p.Timestamp.UnixNano() / int64(correlationBucket)
			sums[idx] += p.Value
			counts[idx]++
		}
		means := make(map[int64]float64, len(sums))
		for idx, sum := range sums {
			means[idx] = sum / float64(counts[idx])
		}
		buckets[i] = means
	}

	var out []types.Correlation
	for i := 0; i < len(kinds); i++ {
		for j := i + 1; j < len(kinds); j++ {
			var xs, ys []float64
			for idx, x := range buckets[i] {
				if y, ok := buckets[j][idx]; ok {
					xs = append(xs, x)
					ys = append(ys, y)
				}
			}
			corr := types.Correlation{
				KindA:         kinds[i],
				KindB:         kinds[j],
				SampleBuckets: len(xs),
			}
			if len(xs) >= 2 {
				corr.Coefficient = pearson(xs, ys)
				corr.Strong = math.Abs(corr.Coefficient) >= strongCorrelation
			}
			out = append(out, corr)
		}
	}
	return out
}

// pearson computes the correlation coefficient of two equal-length
// samples. Zero variance on either side yields 0.
func pearson(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
