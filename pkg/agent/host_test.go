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

package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/communication"
	"github.com/skeinworks/skein/pkg/knowledge"
	"github.com/skeinworks/skein/pkg/metrics"
	"github.com/skeinworks/skein/pkg/review"
	"github.com/skeinworks/skein/pkg/types"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

func newTestBus(t *testing.T) *communication.MessageBus {
	t.Helper()
	bus := communication.NewMessageBus(nil, clock.System(), nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func startHost(t *testing.T, bus *communication.MessageBus, id string, behavior Behavior, opts ...Option) *Host {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	h := NewHost(id, behavior, bus, opts...)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func TestHostStartStop(t *testing.T) {
	bus := newTestBus(t)
	h := NewHost("worker-1", EchoBehavior{}, bus,
		WithLogger(zaptest.NewLogger(t)),
		WithRole("worker"),
		WithCapabilities("general", "quality"))

	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Start(context.Background()))
	assert.True(t, bus.IsRegistered("worker-1"))

	agents := bus.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "worker", agents[0].Role)
	assert.Equal(t, []string{"general", "quality"}, agents[0].Capabilities)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.False(t, bus.IsRegistered("worker-1"))
}

func TestSendRequestEcho(t *testing.T) {
	bus := newTestBus(t)
	engine := metrics.NewEngine(nil, nil, zaptest.NewLogger(t))
	startHost(t, bus, "echo", EchoBehavior{})
	caller := startHost(t, bus, "caller", EchoBehavior{}, WithMetrics(engine))

	response, err := caller.SendRequest(context.Background(), "echo", "summarize",
		map[string]interface{}{"text": "hello"}, time.Second)
	require.NoError(t, err)

	result, ok := response["result"].(map[string]interface{})
	require.True(t, ok, "response carries the behavior result")
	assert.Equal(t, "summarize", result["request_type"])
	assert.Equal(t, map[string]interface{}{"text": "hello"}, result["echo"])
	assert.Equal(t, "caller", result["sender"])

	// The round-trip left a latency sample attributed to the caller.
	points := engine.Recent(types.MetricMessageLatency,
		map[string]string{"target": "echo", "request_type": "summarize"}, 10)
	require.Len(t, points, 1)
	assert.Equal(t, "caller", points[0].AgentID)
	assert.GreaterOrEqual(t, points[0].Value, 0.0)
}

func TestSendRequestBehaviorError(t *testing.T) {
	bus := newTestBus(t)
	startHost(t, bus, "flaky", BehaviorFuncs{
		OnRequest: func(ctx context.Context, requestType string, payload map[string]interface{}, sender string) (map[string]interface{}, error) {
			return nil, types.NewInternal("backend unavailable")
		},
	})
	caller := startHost(t, bus, "caller", EchoBehavior{})

	response, err := caller.SendRequest(context.Background(), "flaky", "work", nil, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend unavailable")
	assert.Equal(t, false, response["success"])

	stats := bus.Stats()
	assert.Equal(t, int64(1), stats.ResponsesReceived)
}

func TestTaskAssignmentRecordsStep(t *testing.T) {
	bus := newTestBus(t)
	worker := startHost(t, bus, "worker", EchoBehavior{})

	sc := communication.NewSharedContext("wf-1", clock.System(), zaptest.NewLogger(t))
	worker.JoinWorkflow(sc)

	sink := &collector{}
	require.NoError(t, bus.Register("controller", sink.handle, types.AgentInfo{Role: "controller"}))

	future, err := bus.Request(context.Background(), &types.Message{
		Sender:    "controller",
		Recipient: "worker",
		Kind:      types.KindTaskAssignment,
		Payload: map[string]interface{}{
			"step_id":      "step-1",
			"workflow_id":  "wf-1",
			"request_type": "analyze",
			"data":         map[string]interface{}{"input": "dataset"},
		},
	}, time.Second)
	require.NoError(t, err)

	response, err := future.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "step-1", response["step_id"])
	assert.NotNil(t, response["result"])

	history := sc.ExecutionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "step-1", history[0].StepID)
	assert.Equal(t, "worker", history[0].AgentID)
	assert.Equal(t, "analyze", history[0].Action)
	assert.Equal(t, "completed", history[0].Outcome)

	// The controller also hears a TASK_COMPLETION notification.
	assert.Eventually(t, func() bool {
		return sink.countOfKind(types.KindTaskCompletion) == 1
	}, waitFor, tick)
}

func TestTaskAssignmentFailure(t *testing.T) {
	bus := newTestBus(t)
	worker := startHost(t, bus, "worker", BehaviorFuncs{
		OnRequest: func(ctx context.Context, requestType string, payload map[string]interface{}, sender string) (map[string]interface{}, error) {
			return nil, types.NewInternal("tool crashed")
		},
	})

	sc := communication.NewSharedContext("wf-2", clock.System(), zaptest.NewLogger(t))
	worker.JoinWorkflow(sc)

	sink := &collector{}
	require.NoError(t, bus.Register("controller", sink.handle, types.AgentInfo{}))

	future, err := bus.Request(context.Background(), &types.Message{
		Sender:    "controller",
		Recipient: "worker",
		Kind:      types.KindTaskAssignment,
		Payload: map[string]interface{}{
			"step_id":      "step-9",
			"request_type": "analyze",
		},
	}, time.Second)
	require.NoError(t, err)

	_, err = future.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool crashed")

	history := sc.ExecutionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "failed", history[0].Outcome)
	assert.Equal(t, "tool crashed", history[0].Detail["error"])

	stats := worker.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Processed)
}

func TestReviewRequestRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	coordinator := review.NewCoordinator(nil, bus, nil, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = coordinator.Close() })

	startHost(t, bus, "author", EchoBehavior{})
	startHost(t, bus, "critic-1", EchoBehavior{}, WithReviews(coordinator), WithCapabilities("general"))
	startHost(t, bus, "critic-2", EchoBehavior{}, WithReviews(coordinator), WithCapabilities("general"))

	rev, err := coordinator.RequestReview(context.Background(), "author",
		"release notes draft", []string{"quality"}, 2, time.Minute)
	require.NoError(t, err)

	// Both critics review asynchronously and the echo behavior approves.
	final, err := coordinator.Await(context.Background(), rev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReviewApproved, final.State)
	assert.InDelta(t, 0.8, final.OverallScore, 1e-9)
	assert.True(t, final.ConsensusReached)
}

func TestReviewRequestRejectingContent(t *testing.T) {
	bus := newTestBus(t)
	coordinator := review.NewCoordinator(nil, bus, nil, nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = coordinator.Close() })

	startHost(t, bus, "author", EchoBehavior{})
	startHost(t, bus, "critic", EchoBehavior{}, WithReviews(coordinator))

	rev, err := coordinator.RequestReview(context.Background(), "author",
		"please reject this draft", []string{"quality"}, 1, time.Minute)
	require.NoError(t, err)

	final, err := coordinator.Await(context.Background(), rev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReviewRejected, final.State)
	assert.InDelta(t, 0.2, final.OverallScore, 1e-9)
}

func TestShareDiscovery(t *testing.T) {
	bus := newTestBus(t)
	sharer := startHost(t, bus, "scout", EchoBehavior{})
	listener := startHost(t, bus, "listener", EchoBehavior{})

	sc := communication.NewSharedContext("wf-3", clock.System(), zaptest.NewLogger(t))
	sharer.JoinWorkflow(sc)

	err := sharer.ShareDiscovery(context.Background(), "api_limit",
		map[string]interface{}{"requests_per_minute": 60}, 1.5)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))

	err = sharer.ShareDiscovery(context.Background(), "api_limit",
		map[string]interface{}{"requests_per_minute": 60}, 0.9)
	require.NoError(t, err)

	// The workflow context holds the discovery with its metadata.
	entry, err := sc.Get("discovery:scout:api_limit")
	require.NoError(t, err)
	assert.Equal(t, "discovery", entry.Metadata["context_type"])
	assert.Equal(t, 0.9, entry.Metadata["relevance"])

	// The listener archives the broadcast into its private memory.
	assert.Eventually(t, func() bool {
		_, err := listener.Memory().Retrieve("discovery:scout:api_limit")
		return err == nil
	}, waitFor, tick)

	stats := sharer.Stats()
	assert.Equal(t, int64(1), stats.Discoveries)
}

func TestReportStatusUpdatesPeers(t *testing.T) {
	bus := newTestBus(t)
	busy := startHost(t, bus, "busy-agent", EchoBehavior{})
	observer := startHost(t, bus, "observer", EchoBehavior{})

	require.NoError(t, busy.ReportStatus(context.Background(), "busy",
		map[string]interface{}{"queue_depth": 4}))

	assert.Eventually(t, func() bool { return len(observer.Peers()) == 1 }, waitFor, tick)

	peers := observer.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "busy-agent", peers[0].AgentID)
	assert.Equal(t, "busy", peers[0].Status)
	assert.False(t, peers[0].LastSeen.IsZero())

	// The reporter does not hear its own broadcast.
	assert.Empty(t, busy.Peers())

	err := busy.ReportStatus(context.Background(), "", nil)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestNotificationArchived(t *testing.T) {
	bus := newTestBus(t)
	host := startHost(t, bus, "archiver", EchoBehavior{})

	msg := &types.Message{
		Sender:    "someone",
		Recipient: "archiver",
		Kind:      types.KindNotification,
		Payload:   map[string]interface{}{"note": "deploy finished"},
	}
	require.NoError(t, bus.Send(context.Background(), msg))

	assert.Eventually(t, func() bool {
		keys := host.Memory().List("inbox:NOTIFICATION:*")
		return len(keys) == 1
	}, waitFor, tick)
}

func TestLearnFromOutcome(t *testing.T) {
	bus := newTestBus(t)
	store := knowledge.NewStore(knowledge.StoreOptions{Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = store.Close() })

	bare := startHost(t, bus, "bare", EchoBehavior{})
	_, err := bare.LearnFromOutcome(context.Background(), "migrate schema", "batched", true, nil)
	assert.Equal(t, types.ErrDegraded, types.KindOf(err))

	learner := startHost(t, bus, "learner", EchoBehavior{}, WithKnowledge(store))

	entry, err := learner.LearnFromOutcome(context.Background(), "migrate schema", "batched copy", true,
		map[string]interface{}{"rows": 10000})
	require.NoError(t, err)
	assert.Equal(t, types.KnowledgeLearnedPattern, entry.Type)
	assert.Equal(t, "learner", entry.Metadata["agent_id"])

	failure, err := learner.LearnFromOutcome(context.Background(), "migrate schema", "single transaction", false, nil)
	require.NoError(t, err)
	assert.Equal(t, types.KnowledgeFailurePattern, failure.Type)

	_, err = learner.LearnFromOutcome(context.Background(), "", "x", true, nil)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestEchoBehaviorReview(t *testing.T) {
	sub, err := EchoBehavior{}.ReviewContent(context.Background(), "a solid plan", []string{"quality"}, "author")
	require.NoError(t, err)
	assert.True(t, sub.Approved)
	assert.InDelta(t, 0.8, sub.Score, 1e-9)

	sub, err = EchoBehavior{}.ReviewContent(context.Background(), "REJECT: redo this", nil, "author")
	require.NoError(t, err)
	assert.False(t, sub.Approved)
	assert.InDelta(t, 0.2, sub.Score, 1e-9)
	assert.NotEmpty(t, sub.Suggestions)
}

// collector is a bus handler that records everything it receives.
type collector struct {
	mu   sync.Mutex
	msgs []*types.Message
}

func (c *collector) handle(ctx context.Context, msg *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) countOfKind(kind types.MessageKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Kind == kind {
			n++
		}
	}
	return n
}
