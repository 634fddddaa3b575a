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

package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skeinworks/skein/pkg/agent"
	"github.com/skeinworks/skein/pkg/config"
	"github.com/skeinworks/skein/pkg/types"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.PersistDirectory = filepath.Join(dir, "knowledge")
	cfg.Templates.Directory = filepath.Join(dir, "templates")
	cfg.Templates.HotReload = false
	return cfg
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

// fixedReviewer always grades with the same verdict.
func fixedReviewer(score float64, approved bool) agent.BehaviorFuncs {
	return agent.BehaviorFuncs{
		OnReview: func(ctx context.Context, content interface{}, criteria []string, requester string) (types.ReviewSubmission, error) {
			return types.ReviewSubmission{Score: score, Approved: approved}, nil
		},
	}
}

func TestNewAndClose(t *testing.T) {
	rt := newTestRuntime(t)

	assert.NotNil(t, rt.Bus())
	assert.NotNil(t, rt.Knowledge())
	assert.NotNil(t, rt.Engine())
	assert.NotNil(t, rt.Reviews())
	assert.NotNil(t, rt.Library())
	assert.NotNil(t, rt.Controller())
	assert.NotNil(t, rt.Tracer())
	assert.NotNil(t, rt.Clock())
	assert.NotNil(t, rt.Config())

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close(), "close is idempotent")

	_, err := rt.SpawnAgent(context.Background(), "late", agent.EchoBehavior{})
	assert.Equal(t, types.ErrInternal, types.KindOf(err))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxQueueSize = 0
	_, err := New(cfg, zaptest.NewLogger(t))
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	cfg = testConfig(t)
	cfg.EmbeddingModelName = "ada-002"
	_, err = New(cfg, zaptest.NewLogger(t))
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestNewLoadsTemplates(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Templates.Directory, 0o755))
	doc := `name: code-review
steps:
  - name: draft
    request_type: write
`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Templates.Directory, "code-review.yaml"), []byte(doc), 0o644))

	rt, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	tpl, err := rt.Library().Get("code-review")
	require.NoError(t, err)
	assert.Len(t, tpl.Steps, 1)
}

func TestNewFallsBackToBuiltinTemplates(t *testing.T) {
	// testConfig points at a template directory that was never created,
	// so the built-ins take over.
	rt := newTestRuntime(t)

	tpl, err := rt.Library().Get("pipeline")
	require.NoError(t, err)
	assert.Len(t, tpl.Steps, 3)

	_, err = rt.Library().Get("peer-review")
	assert.NoError(t, err)
}

func TestSpawnAgentLifecycle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	host, err := rt.SpawnAgent(ctx, "alpha", agent.EchoBehavior{}, agent.WithRole("critic"))
	require.NoError(t, err)
	assert.Equal(t, "critic", host.Role(), "caller options override runtime defaults")
	assert.True(t, rt.Bus().IsRegistered("alpha"))

	_, err = rt.SpawnAgent(ctx, "alpha", agent.EchoBehavior{})
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	got, ok := rt.Agent("alpha")
	require.True(t, ok)
	assert.Same(t, host, got)
	assert.Len(t, rt.Agents(), 1)

	require.NoError(t, rt.StopAgent("alpha"))
	assert.False(t, rt.Bus().IsRegistered("alpha"))
	assert.Equal(t, types.ErrNotFound, types.KindOf(rt.StopAgent("alpha")))

	_, err = rt.Participants("ghost")
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestRequestResponseRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.SpawnAgent(ctx, "echo", agent.EchoBehavior{})
	require.NoError(t, err)
	caller, err := rt.SpawnAgent(ctx, "caller", agent.EchoBehavior{})
	require.NoError(t, err)

	response, err := caller.SendRequest(ctx, "echo", "summarize", map[string]interface{}{"text": "hello"}, time.Second)
	require.NoError(t, err)

	result, ok := response["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "summarize", result["request_type"])
	echoed, ok := result["echo"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", echoed["text"])

	assert.Equal(t, int64(1), rt.Stats().Bus.ResponsesReceived)
}

func TestRequestTimeout(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	// A registered recipient that never answers.
	require.NoError(t, rt.Bus().Register("mute",
		func(ctx context.Context, msg *types.Message) error { return nil },
		types.AgentInfo{ID: "mute"}))

	caller, err := rt.SpawnAgent(ctx, "caller", agent.EchoBehavior{})
	require.NoError(t, err)

	_, err = caller.SendRequest(ctx, "mute", "ponder", nil, 50*time.Millisecond)
	assert.Equal(t, types.ErrTimeout, types.KindOf(err))

	assert.Eventually(t, func() bool {
		return rt.Stats().Bus.Timeouts == 1
	}, waitFor, tick)
}

func TestBroadcastExcludesSender(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	a, err := rt.SpawnAgent(ctx, "a", agent.EchoBehavior{})
	require.NoError(t, err)
	b, err := rt.SpawnAgent(ctx, "b", agent.EchoBehavior{})
	require.NoError(t, err)
	c, err := rt.SpawnAgent(ctx, "c", agent.EchoBehavior{})
	require.NoError(t, err)

	delivered, err := rt.Bus().Broadcast(ctx, &types.Message{
		Sender:  "a",
		Kind:    types.KindStatusUpdate,
		Payload: map[string]interface{}{"status": "busy"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)

	assert.Eventually(t, func() bool {
		return len(b.Peers()) == 1 && len(c.Peers()) == 1
	}, waitFor, tick)
	assert.Equal(t, "busy", b.Peers()[0].Status)
	assert.Empty(t, a.Peers(), "the sender never hears its own broadcast")
}

func TestReviewApproval(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.SpawnAgent(ctx, "author", agent.EchoBehavior{})
	require.NoError(t, err)
	_, err = rt.SpawnAgent(ctx, "rev1", fixedReviewer(0.8, true), agent.WithCapabilities("quality"))
	require.NoError(t, err)
	_, err = rt.SpawnAgent(ctx, "rev2", fixedReviewer(0.75, true), agent.WithCapabilities("quality"))
	require.NoError(t, err)

	rv, err := rt.Reviews().RequestReview(ctx, "author",
		map[string]interface{}{"doc": "release plan"},
		[]string{"quality"}, 2, time.Minute)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rev1", "rev2"}, rv.Reviewers)

	awaitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	final, err := rt.Reviews().Await(awaitCtx, rv.ID)
	require.NoError(t, err)

	assert.Equal(t, types.ReviewApproved, final.State)
	assert.InDelta(t, 0.775, final.OverallScore, 1e-9)
	assert.True(t, final.ConsensusReached)
	assert.InDelta(t, 1.0, final.ApprovalRate, 1e-9)
	assert.Equal(t, int64(1), rt.Stats().Reviews.Approved)
}

func TestReviewNoConsensus(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.SpawnAgent(ctx, "author", agent.EchoBehavior{})
	require.NoError(t, err)
	_, err = rt.SpawnAgent(ctx, "optimist", fixedReviewer(0.9, true), agent.WithCapabilities("quality"))
	require.NoError(t, err)
	_, err = rt.SpawnAgent(ctx, "pessimist", fixedReviewer(0.3, false), agent.WithCapabilities("quality"))
	require.NoError(t, err)
	_, err = rt.SpawnAgent(ctx, "moderate", fixedReviewer(0.6, true), agent.WithCapabilities("quality"))
	require.NoError(t, err)

	rv, err := rt.Reviews().RequestReview(ctx, "author",
		map[string]interface{}{"doc": "contentious design"},
		[]string{"quality"}, 3, time.Minute)
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	final, err := rt.Reviews().Await(awaitCtx, rv.ID)
	require.NoError(t, err)

	assert.Equal(t, types.ReviewNeedsRevision, final.State)
	assert.False(t, final.ConsensusReached, "0.9 vs 0.3 spread exceeds 0.3")
	assert.InDelta(t, 0.6, final.OverallScore, 1e-9)
	assert.Equal(t, int64(1), rt.Stats().Reviews.NeedsRevision)
}

func TestDiscoveryPropagation(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	scout, err := rt.SpawnAgent(ctx, "scout", agent.EchoBehavior{})
	require.NoError(t, err)
	builder, err := rt.SpawnAgent(ctx, "builder", agent.EchoBehavior{})
	require.NoError(t, err)

	parts, err := rt.Participants("scout", "builder")
	require.NoError(t, err)
	_, err = rt.Controller().CreateWorkflow(ctx, "exploration", parts)
	require.NoError(t, err)

	data := map[string]interface{}{"endpoint": "/v2/login", "note": "rate limited"}
	require.NoError(t, scout.ShareDiscovery(ctx, "api_quirk", data, 0.9))

	assert.Eventually(t, func() bool {
		_, err := builder.Memory().Retrieve("discovery:scout:api_quirk")
		return err == nil
	}, waitFor, tick)

	entry, err := builder.Memory().Retrieve("discovery:scout:api_quirk")
	require.NoError(t, err)
	assert.Equal(t, data, entry.Value)

	shared := scout.Workflow()
	require.NotNil(t, shared)
	ctxEntry, err := shared.Get("discovery:scout:api_quirk")
	require.NoError(t, err)
	assert.Equal(t, data, ctxEntry.Value)
	assert.Equal(t, "scout", ctxEntry.Metadata["agent_id"])

	_, err = scout.Memory().Retrieve("discovery:scout:api_quirk")
	assert.Error(t, err, "the discoverer is not re-delivered its own broadcast")
}

func TestSemanticSearch(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	_, err := rt.Knowledge().Store(ctx, "api_auth",
		"REST API authentication with JWT tokens", nil)
	require.NoError(t, err)

	results := rt.Knowledge().Search(ctx, "how to authenticate REST API services", nil, 5, 0.3)
	require.NotEmpty(t, results)
	assert.Equal(t, "api_auth", results[0].Entry.Key)
	assert.GreaterOrEqual(t, results[0].Similarity, 0.3)
}

func TestAnomalyDetection(t *testing.T) {
	rt := newTestRuntime(t)
	engine := rt.Engine()

	sub := engine.Subscribe(types.MetricCPUUsage, nil)
	t.Cleanup(sub.Close)

	for i := 0; i < 20; i++ {
		engine.Record(types.MetricCPUUsage, 45+float64(i%11), nil)
	}
	require.GreaterOrEqual(t, engine.UpdateBaselines(time.Hour), 1)

	p := engine.RecordPoint(types.MetricPoint{Kind: types.MetricCPUUsage, Value: 100})
	assert.True(t, p.Anomaly, "100 sits far outside the [45,55] baseline")
	assert.Equal(t, int64(1), rt.Stats().Engine.Anomalies)

	// The live stream carries the flagged point too.
	deadline := time.After(waitFor)
	for {
		select {
		case point := <-sub.C():
			if point.Value == 100 {
				assert.True(t, point.Anomaly)
				return
			}
		case <-deadline:
			t.Fatal("anomalous point never reached the subscription")
		}
	}
}

func TestWorkflowAcrossRuntime(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	for _, id := range []string{"planner", "builder"} {
		_, err := rt.SpawnAgent(ctx, id, agent.EchoBehavior{})
		require.NoError(t, err)
	}

	parts, err := rt.Participants()
	require.NoError(t, err)
	require.Len(t, parts, 2)

	wf, err := rt.Controller().CreateWorkflow(ctx, "ship-feature", parts)
	require.NoError(t, err)

	summary, err := rt.Controller().Execute(ctx, wf.ID, "assemble the release notes", nil)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, summary.State)
	require.Len(t, summary.Steps, 1)
	assert.Empty(t, summary.Steps[0].Err)

	stats := rt.Stats()
	assert.Equal(t, int64(1), stats.Workflows.Completed)
	assert.Equal(t, 2, stats.Agents)
	assert.Greater(t, stats.Bus.MessagesSent, int64(0))
	assert.Greater(t, stats.Engine.Recorded, int64(0))
}

func TestMaintenanceJobs(t *testing.T) {
	rt := newTestRuntime(t)

	for i := 0; i < 20; i++ {
		rt.Engine().Record(types.MetricResponseTime, float64(100+i), nil)
	}

	// The cron entries fire on minute boundaries; drive the same jobs
	// directly to prove they are safe to run against live subsystems.
	rt.refreshBaselines()
	rt.sweepCaches()
	rt.snapshotKnowledge()

	points := rt.Engine().Recent(types.MetricKnowledgeHits, nil, 1)
	require.Len(t, points, 1)
	assert.Equal(t, 0.0, points[0].Value)

	baselines := rt.Engine().Baselines()
	assert.NotEmpty(t, baselines)
	for key, baseline := range baselines {
		assert.GreaterOrEqual(t, baseline.SampleCount, 10, fmt.Sprintf("baseline %s", key))
	}
}
