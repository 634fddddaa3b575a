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

package orchestration

import (
	"fmt"
	"sort"
	"time"

	"github.com/skeinworks/skein/pkg/communication"
	"github.com/skeinworks/skein/pkg/types"
)

const (
	// defaultAnalysisWindow is the lookback when the caller passes
	// window <= 0.
	defaultAnalysisWindow = 15 * time.Minute

	// analysisHistoryLimit caps how many bus history entries one
	// analysis scans. Matches the bus's default history capacity.
	analysisHistoryLimit = 4096

	// maxTopPairs caps the ranked sender/recipient pairs in a report.
	maxTopPairs = 5
)

// AnalyzeCollaboration summarizes agent interaction over the lookback
// window: message volume and kinds, the busiest sender/recipient
// pairs, mean message latency, review activity, and system health.
func (c *Controller) AnalyzeCollaboration(window time.Duration) types.CollaborationReport {
	if window <= 0 {
		window = defaultAnalysisWindow
	}
	now := c.clk.Now()
	cutoff := now.Add(-window)

	report := types.CollaborationReport{
		Window:        window,
		MessageVolume: c.bus.Stats().MessagesSent,
		GeneratedAt:   now,
	}

	byKind := make(map[string]int64)
	pairs := make(map[string]int64)
	for _, msg := range c.bus.History(communication.HistoryFilter{Limit: analysisHistoryLimit}) {
		if msg.Timestamp.Before(cutoff) {
			continue
		}
		byKind[string(msg.Kind)]++
		if msg.Recipient == types.BroadcastRecipient {
			continue
		}
		pairs[fmt.Sprintf("%s->%s", msg.Sender, msg.Recipient)]++
	}
	if len(byKind) > 0 {
		report.MessagesByKind = byKind
	}
	report.TopPairs = rankPairs(pairs, maxTopPairs)

	if c.engine != nil {
		if agg, err := c.engine.Aggregate(types.MetricMessageLatency, types.AggAvg, window, nil); err == nil {
			report.AvgLatencyMs = agg.Value
		}
		report.Health = c.engine.Health()
	}
	if c.reviews != nil {
		report.Reviews = c.reviews.Stats()
	}
	return report
}

// rankPairs orders pair counts descending, ties by pair name, and
// truncates to n.
func rankPairs(pairs map[string]int64, n int) []types.TopEntry {
	if len(pairs) == 0 {
		return nil
	}

	out := make([]types.TopEntry, 0, len(pairs))
	for pair, count := range pairs {
		out = append(out, types.TopEntry{
			TagValue:    pair,
			Value:       float64(count),
			SampleCount: int(count),
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
	return out
}
