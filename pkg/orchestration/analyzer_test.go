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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skeinworks/skein/pkg/agent"
	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/metrics"
	"github.com/skeinworks/skein/pkg/review"
)

func TestAnalyzeCollaboration(t *testing.T) {
	bus := newTestBus(t)
	engine := metrics.NewEngine(nil, nil, zaptest.NewLogger(t))
	coordinator := review.NewCoordinator(nil, bus, nil, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = coordinator.Close() })

	startHost(t, bus, "echo", agent.EchoBehavior{})
	caller := startHost(t, bus, "caller", agent.EchoBehavior{}, agent.WithMetrics(engine))
	c := newTestController(t, bus, nil, coordinator, engine, nil)

	_, err := caller.SendRequest(context.Background(), "echo", "ping", nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, caller.ReportStatus(context.Background(), "busy", nil))

	report := c.AnalyzeCollaboration(time.Minute)
	assert.Equal(t, time.Minute, report.Window)
	assert.Greater(t, report.MessageVolume, int64(0))
	assert.GreaterOrEqual(t, report.MessagesByKind["REQUEST"], int64(1))
	assert.GreaterOrEqual(t, report.MessagesByKind["RESPONSE"], int64(1))
	assert.GreaterOrEqual(t, report.MessagesByKind["STATUS_UPDATE"], int64(1))

	pairs := make([]string, 0, len(report.TopPairs))
	for _, entry := range report.TopPairs {
		pairs = append(pairs, entry.TagValue)
	}
	assert.Contains(t, pairs, "caller->echo")
	assert.Contains(t, pairs, "echo->caller")
	assert.NotContains(t, pairs, "caller->all", "broadcasts are not a pair")

	assert.GreaterOrEqual(t, report.AvgLatencyMs, 0.0)
	assert.NotEmpty(t, report.Health.Band)
	assert.Equal(t, int64(0), report.Reviews.Requested)
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestAnalyzeCollaborationWindowExcludesOld(t *testing.T) {
	bus := newTestBus(t)
	startHost(t, bus, "echo", agent.EchoBehavior{})
	caller := startHost(t, bus, "caller", agent.EchoBehavior{})

	// A controller clock far ahead of the bus puts all recorded
	// traffic outside the lookback window.
	ahead := clock.NewManual(time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewController(nil, bus, nil, nil, nil, ahead, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })

	_, err := caller.SendRequest(context.Background(), "echo", "ping", nil, time.Second)
	require.NoError(t, err)

	report := c.AnalyzeCollaboration(time.Minute)
	assert.Greater(t, report.MessageVolume, int64(0), "the volume counter ignores the window")
	assert.Empty(t, report.MessagesByKind)
	assert.Empty(t, report.TopPairs)

	assert.Equal(t, defaultAnalysisWindow, c.AnalyzeCollaboration(0).Window)
}

func TestRankPairs(t *testing.T) {
	ranked := rankPairs(map[string]int64{
		"a->b": 3,
		"b->a": 3,
		"c->d": 9,
		"d->c": 1,
		"e->f": 5,
		"f->e": 4,
		"g->h": 2,
	}, 5)

	require.Len(t, ranked, 5)
	got := make([]string, len(ranked))
	for i, entry := range ranked {
		got[i] = entry.TagValue
	}
	assert.Equal(t, []string{"c->d", "e->f", "f->e", "a->b", "b->a"}, got)
	assert.Equal(t, 9.0, ranked[0].Value)
	assert.Equal(t, 9, ranked[0].SampleCount)

	assert.Nil(t, rankPairs(nil, 5))
}
