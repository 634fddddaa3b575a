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

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skeinworks/skein/pkg/agent"
	"github.com/skeinworks/skein/pkg/config"
	"github.com/skeinworks/skein/pkg/orchestration"
	"github.com/skeinworks/skein/pkg/runtime"
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

func newTestServer(t *testing.T, cfg *config.Config) (*runtime.Runtime, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	logger := zaptest.NewLogger(t)

	rt, err := runtime.New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	s := New(rt, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return rt, ts
}

// doJSON performs one JSON request and decodes the response into out
// when out is non-nil. It returns the HTTP status code.
func doJSON(t *testing.T, method, url string, body, out interface{}) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp.StatusCode
}

// fixedReviewer always grades with the same verdict.
func fixedReviewer(score float64, approved bool) agent.BehaviorFuncs {
	return agent.BehaviorFuncs{
		OnReview: func(ctx context.Context, content interface{}, criteria []string, requester string) (types.ReviewSubmission, error) {
			return types.ReviewSubmission{Score: score, Approved: approved}, nil
		},
	}
}

func TestHealthAndStats(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var health types.HealthReport
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/health", nil, &health))
	assert.NotEmpty(t, health.Band)
	assert.False(t, health.GeneratedAt.IsZero())

	var stats runtime.Stats
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/stats", nil, &stats))
	assert.Zero(t, stats.Agents)
	assert.Zero(t, stats.Workflows.Created)
}

func TestWorkflowLifecycle(t *testing.T) {
	rt, ts := newTestServer(t, nil)
	_, err := rt.SpawnAgent(context.Background(), "worker", agent.EchoBehavior{})
	require.NoError(t, err)

	var created map[string]string
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]interface{}{
		"name":   "ship feature",
		"prompt": "draft the rollout plan",
	}, &created)
	require.Equal(t, http.StatusAccepted, status)
	id := created["workflow_id"]
	require.NotEmpty(t, id)

	var wf orchestration.WorkflowStatus
	assert.Eventually(t, func() bool {
		if doJSON(t, http.MethodGet, ts.URL+"/v1/workflows/"+id, nil, &wf) != http.StatusOK {
			return false
		}
		return wf.State.Terminal()
	}, waitFor, tick)

	assert.Equal(t, types.WorkflowCompleted, wf.State)
	require.Len(t, wf.Steps, 1)
	assert.Empty(t, wf.Steps[0].Err)
	require.NotNil(t, wf.Summary)

	var list []orchestration.WorkflowStatus
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/workflows", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestWorkflowFromTemplate(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.Templates.Directory, 0o755))
	doc := `name: release
steps:
  - name: draft
    request_type: write
  - name: polish
    request_type: edit
`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Templates.Directory, "release.yaml"), []byte(doc), 0o644))

	rt, ts := newTestServer(t, cfg)
	_, err := rt.SpawnAgent(context.Background(), "writer", agent.EchoBehavior{})
	require.NoError(t, err)

	var created map[string]string
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]interface{}{
		"name":     "v2 release",
		"template": "release",
		"prompt":   "announce the new version",
	}, &created)
	require.Equal(t, http.StatusAccepted, status)

	var wf orchestration.WorkflowStatus
	assert.Eventually(t, func() bool {
		doJSON(t, http.MethodGet, ts.URL+"/v1/workflows/"+created["workflow_id"], nil, &wf)
		return wf.State.Terminal()
	}, waitFor, tick)

	assert.Equal(t, types.WorkflowCompleted, wf.State)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "draft", wf.Steps[0].Name)
	assert.Equal(t, "polish", wf.Steps[1].Name)
}

func TestTerminateWorkflow(t *testing.T) {
	cfg := testConfig(t)
	cfg.DefaultTimeoutSeconds = 1

	rt, ts := newTestServer(t, cfg)
	stalled := agent.BehaviorFuncs{
		OnRequest: func(ctx context.Context, requestType string, payload map[string]interface{}, sender string) (map[string]interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	_, err := rt.SpawnAgent(context.Background(), "slowpoke", stalled)
	require.NoError(t, err)

	var created map[string]string
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]interface{}{
		"name":   "stuck run",
		"prompt": "never finishes",
	}, &created)
	require.Equal(t, http.StatusAccepted, status)
	id := created["workflow_id"]

	status = doJSON(t, http.MethodDelete, ts.URL+"/v1/workflows/"+id+"?reason=operator+abort", nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	var wf orchestration.WorkflowStatus
	assert.Eventually(t, func() bool {
		doJSON(t, http.MethodGet, ts.URL+"/v1/workflows/"+id, nil, &wf)
		return wf.State.Terminal()
	}, waitFor, tick)
	assert.Equal(t, types.WorkflowTerminated, wf.State)
	assert.Equal(t, "operator abort", wf.Reason)
}

func TestReviewFlow(t *testing.T) {
	rt, ts := newTestServer(t, nil)
	ctx := context.Background()

	_, err := rt.SpawnAgent(ctx, "author", agent.EchoBehavior{})
	require.NoError(t, err)
	for _, id := range []string{"rev-a", "rev-b"} {
		_, err := rt.SpawnAgent(ctx, id, fixedReviewer(0.8, true), agent.WithCapabilities("quality"))
		require.NoError(t, err)
	}

	var review types.Review
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/reviews", map[string]interface{}{
		"requester": "author",
		"content":   "package main",
		"criteria":  []string{"quality"},
		"reviewers": 2,
	}, &review)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, review.ID)
	assert.ElementsMatch(t, []string{"rev-a", "rev-b"}, review.Reviewers)

	assert.Eventually(t, func() bool {
		if doJSON(t, http.MethodGet, ts.URL+"/v1/reviews/"+review.ID, nil, &review) != http.StatusOK {
			return false
		}
		return review.State.Terminal()
	}, waitFor, tick)

	assert.Equal(t, types.ReviewApproved, review.State)
	assert.InDelta(t, 0.8, review.OverallScore, 1e-9)
	assert.True(t, review.ConsensusReached)
}

func TestManualReviewSubmission(t *testing.T) {
	rt, ts := newTestServer(t, nil)
	ctx := context.Background()

	_, err := rt.SpawnAgent(ctx, "author", agent.EchoBehavior{})
	require.NoError(t, err)
	// A proxy whose verdicts only ever arrive through the API.
	manual := agent.BehaviorFuncs{
		OnReview: func(ctx context.Context, content interface{}, criteria []string, requester string) (types.ReviewSubmission, error) {
			return types.ReviewSubmission{}, types.NewInternal("verdicts arrive via the API")
		},
	}
	_, err = rt.SpawnAgent(ctx, "human-proxy", manual)
	require.NoError(t, err)

	var review types.Review
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/reviews", map[string]interface{}{
		"requester": "author",
		"content":   "deploy runbook",
	}, &review)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, []string{"human-proxy"}, review.Reviewers)

	status = doJSON(t, http.MethodPost, ts.URL+"/v1/reviews/"+review.ID+"/submissions", map[string]interface{}{
		"reviewer_id": "stranger",
		"score":       0.9,
		"approved":    true,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "unselected reviewers are rejected")

	var updated types.Review
	status = doJSON(t, http.MethodPost, ts.URL+"/v1/reviews/"+review.ID+"/submissions", map[string]interface{}{
		"reviewer_id": "human-proxy",
		"score":       0.9,
		"approved":    true,
		"suggestions": []string{"ship it"},
	}, &updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, types.ReviewApproved, updated.State)
	assert.InDelta(t, 0.9, updated.OverallScore, 1e-9)
}

func TestKnowledgeEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)

	var entry types.KnowledgeEntry
	status := doJSON(t, http.MethodPost, ts.URL+"/v1/knowledge", map[string]interface{}{
		"key":      "api_auth",
		"value":    "REST API authentication with JWT tokens",
		"metadata": map[string]interface{}{"source": "docs"},
	}, &entry)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, entry.Type)

	path := fmt.Sprintf("%s/v1/knowledge/%s/api_auth", ts.URL, strings.ToLower(string(entry.Type)))
	var fetched types.KnowledgeEntry
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, path, nil, &fetched))
	assert.Equal(t, "api_auth", fetched.Key)
	assert.Equal(t, entry.Version, fetched.Version)

	var search struct {
		Results []types.SearchResult `json:"results"`
		Count   int                  `json:"count"`
	}
	searchURL := ts.URL + "/v1/knowledge/search?q=" + url.QueryEscape("how to authenticate REST API services")
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, searchURL, nil, &search))
	require.NotZero(t, search.Count)
	assert.Equal(t, "api_auth", search.Results[0].Entry.Key)
	assert.GreaterOrEqual(t, search.Results[0].Similarity, 0.3)

	status = doJSON(t, http.MethodGet, ts.URL+"/v1/knowledge/gossip/api_auth", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMetricsEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)

	for i := 0; i < 5; i++ {
		var point types.MetricPoint
		status := doJSON(t, http.MethodPost, ts.URL+"/v1/metrics", map[string]interface{}{
			"kind":  "RESPONSE_TIME",
			"value": float64(100 + i),
			"tags":  map[string]string{"agent": "alpha"},
		}, &point)
		require.Equal(t, http.StatusAccepted, status)
		assert.Equal(t, types.MetricResponseTime, point.Kind)
	}

	var agg types.AggregatedMetric
	aggURL := ts.URL + "/v1/metrics/aggregate?kind=RESPONSE_TIME&agg=avg&window=1m"
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, aggURL, nil, &agg))
	assert.InDelta(t, 102, agg.Value, 1e-9)
	assert.Equal(t, 5, agg.SampleCount)

	var trend types.MetricTrend
	trendURL := ts.URL + "/v1/metrics/trend?kind=RESPONSE_TIME&window=60"
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, trendURL, nil, &trend))
	assert.NotEmpty(t, trend.Direction)

	var top struct {
		Entries []types.TopEntry `json:"entries"`
	}
	topURL := ts.URL + "/v1/metrics/top?kind=RESPONSE_TIME&tag=agent&n=3&window=1m"
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, topURL, nil, &top))
	require.Len(t, top.Entries, 1)
	assert.Equal(t, "alpha", top.Entries[0].TagValue)

	var correlations struct {
		Correlations []types.Correlation `json:"correlations"`
	}
	corrURL := ts.URL + "/v1/metrics/correlations?kinds=RESPONSE_TIME,CPU_USAGE&window=1m"
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, corrURL, nil, &correlations))
}

func TestPredictionsEndpoint(t *testing.T) {
	rt, ts := newTestServer(t, nil)

	_, err := rt.Knowledge().StoreAs(context.Background(), types.KnowledgeFailurePattern,
		"timeout_failure", "deploys time out when the registry is cold", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		rt.Engine().Record(types.MetricErrorRate, 1, nil)
	}

	var prediction map[string]interface{}
	predictURL := ts.URL + "/v1/predictions?kind=ERROR_RATE&q=" + url.QueryEscape("deploy timed out")
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, predictURL, nil, &prediction))
	assert.Equal(t, "ERROR_RATE", prediction["kind"])
	assert.Contains(t, prediction, "trend")
	assert.Contains(t, prediction, "failure_patterns")

	status := doJSON(t, http.MethodGet, ts.URL+"/v1/predictions", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCollaborationAnalysisEndpoint(t *testing.T) {
	rt, ts := newTestServer(t, nil)
	_, err := rt.SpawnAgent(context.Background(), "worker", agent.EchoBehavior{})
	require.NoError(t, err)

	var created map[string]string
	doJSON(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]interface{}{
		"name":   "traffic source",
		"prompt": "generate some messages",
	}, &created)
	var wf orchestration.WorkflowStatus
	assert.Eventually(t, func() bool {
		doJSON(t, http.MethodGet, ts.URL+"/v1/workflows/"+created["workflow_id"], nil, &wf)
		return wf.State.Terminal()
	}, waitFor, tick)

	var report types.CollaborationReport
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/v1/collaboration/analysis?window=5m", nil, &report))
	assert.Positive(t, report.MessageVolume)
}

func TestPrometheusEndpoint(t *testing.T) {
	rt, ts := newTestServer(t, nil)
	_, err := rt.SpawnAgent(context.Background(), "worker", agent.EchoBehavior{})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "skein_agents 1")
	assert.Contains(t, text, "skein_bus_messages_sent_total")
	assert.Contains(t, text, "skein_workflows_created_total")
	assert.Contains(t, text, "go_goroutines")
}

func TestErrorResponses(t *testing.T) {
	_, ts := newTestServer(t, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		kind   types.ErrorKind
	}{
		{"unknown workflow", http.MethodGet, "/v1/workflows/ghost", nil, http.StatusNotFound, types.ErrNotFound},
		{"terminate unknown workflow", http.MethodDelete, "/v1/workflows/ghost", nil, http.StatusNotFound, types.ErrNotFound},
		{"unknown review", http.MethodGet, "/v1/reviews/ghost", nil, http.StatusNotFound, types.ErrNotFound},
		{"unknown body field", http.MethodPost, "/v1/workflows", map[string]interface{}{"bogus": true}, http.StatusBadRequest, types.ErrValidation},
		{"empty metric kind", http.MethodPost, "/v1/metrics", map[string]interface{}{"kind": "", "value": 1.0}, http.StatusBadRequest, types.ErrValidation},
		{"search without query", http.MethodGet, "/v1/knowledge/search", nil, http.StatusBadRequest, types.ErrValidation},
		{"malformed window", http.MethodGet, "/v1/metrics/aggregate?kind=CPU_USAGE&window=banana", nil, http.StatusBadRequest, types.ErrValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body map[string]string
			status := doJSON(t, tc.method, ts.URL+tc.path, tc.body, &body)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, string(tc.kind), body["kind"])
			assert.NotEmpty(t, body["error"])
		})
	}
}
