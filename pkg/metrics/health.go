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
	"time"

	"github.com/skeinworks/skein/pkg/types"
)

const (
	// healthLookback is the window the health score is computed from.
	healthLookback = 5 * time.Minute

	// responseBudgetMillis is the p95 response time treated as fully
	// degraded responsiveness.
	responseBudgetMillis = 1000.0
)

// Health scores the system from the last five minutes of samples:
//
//	performance    = avg SUCCESS_RATE, else 1 - avg ERROR_RATE, else 1
//	responsiveness = 1 - p95(RESPONSE_TIME)/1000ms, clamped
//	resources      = 1 - (avg CPU_USAGE + avg MEMORY_USAGE)/200, clamped
//	score          = 0.4*performance + 0.3*responsiveness + 0.3*resources
//
// Missing series default to healthy: an idle system scores 1.0.
func (e *Engine) Health() types.HealthReport {
	now := e.clk.Now()
	since := now.Add(-healthLookback)

	performance := 1.0
	if values := e.valuesSince(types.MetricSuccessRate, since, now); len(values) > 0 {
		performance = clamp01(mean(values))
	} else if values := e.valuesSince(types.MetricErrorRate, since, now); len(values) > 0 {
		performance = clamp01(1 - mean(values))
	}

	responsiveness := 1.0
	if values := e.valuesSince(types.MetricResponseTime, since, now); len(values) > 0 {
		responsiveness = clamp01(1 - percentile(values, 95)/responseBudgetMillis)
	}

	resources := 1.0
	cpu := e.valuesSince(types.MetricCPUUsage, since, now)
	mem := e.valuesSince(types.MetricMemoryUsage, since, now)
	if len(cpu) > 0 || len(mem) > 0 {
		var load float64
		if len(cpu) > 0 {
			load += mean(cpu)
		}
		if len(mem) > 0 {
			load += mean(mem)
		}
		resources = clamp01(1 - load/200)
	}

	score := 0.4*performance + 0.3*responsiveness + 0.3*resources
	return types.HealthReport{
		Score:          score,
		Band:           types.BandForScore(score),
		Performance:    performance,
		Responsiveness: responsiveness,
		Resources:      resources,
		GeneratedAt:    now,
	}
}

func (e *Engine) valuesSince(kind types.MetricKind, since, until time.Time) []float64 {
	points := e.collect(kind, nil, since, until)
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return values
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
