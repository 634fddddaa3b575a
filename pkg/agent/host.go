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

// Package agent hosts one agent on the message bus. The Host owns the
// agent's identity, private memory, and peer table, dispatches inbound
// messages by kind to a Behavior, and offers the outbound conveniences
// (requests, discoveries, status, learning) behaviors build on.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/internal/csync"
	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/communication"
	"github.com/skeinworks/skein/pkg/knowledge"
	"github.com/skeinworks/skein/pkg/memory"
	"github.com/skeinworks/skein/pkg/metrics"
	"github.com/skeinworks/skein/pkg/observability"
	"github.com/skeinworks/skein/pkg/review"
	"github.com/skeinworks/skein/pkg/types"
)

// ReviewSink receives review submissions from hosts.
// *review.Coordinator satisfies it.
type ReviewSink interface {
	SubmitReview(ctx context.Context, reviewID, reviewerID string, submission types.ReviewSubmission) (types.Review, error)
}

var _ ReviewSink = (*review.Coordinator)(nil)

// PeerStatus is the host's last knowledge of another agent, built from
// STATUS_UPDATE broadcasts.
type PeerStatus struct {
	// AgentID identifies the peer.
	AgentID string `json:"agent_id"`

	// Status is the peer's self-reported state ("idle", "busy", ...).
	Status string `json:"status"`

	// Detail carries whatever the peer attached to its update.
	Detail map[string]interface{} `json:"detail,omitempty"`

	// LastSeen is when the most recent update arrived.
	LastSeen time.Time `json:"last_seen"`
}

// HostStats is a snapshot of host counters.
type HostStats struct {
	// Processed counts requests and task assignments handled successfully.
	Processed int64 `json:"processed"`

	// Failed counts behavior errors surfaced to senders.
	Failed int64 `json:"failed"`

	// ReviewsSubmitted counts review verdicts forwarded to the coordinator.
	ReviewsSubmitted int64 `json:"reviews_submitted"`

	// Discoveries counts discoveries shared by this host.
	Discoveries int64 `json:"discoveries"`

	// Unhandled counts messages of kinds the host does not dispatch.
	Unhandled int64 `json:"unhandled"`

	// Peers is the current peer table size.
	Peers int `json:"peers"`
}

// Option configures a Host.
type Option func(*Host)

// WithName sets the display name (default: the agent ID).
func WithName(name string) Option {
	return func(h *Host) { h.name = name }
}

// WithRole sets the workflow role.
func WithRole(role string) Option {
	return func(h *Host) { h.role = role }
}

// WithCapabilities sets the advertised capability set.
func WithCapabilities(capabilities ...string) Option {
	return func(h *Host) { h.capabilities = capabilities }
}

// WithKnowledge attaches the shared knowledge store.
func WithKnowledge(store *knowledge.Store) Option {
	return func(h *Host) { h.knowledge = store }
}

// WithMetrics attaches the metrics engine.
func WithMetrics(engine *metrics.Engine) Option {
	return func(h *Host) { h.engine = engine }
}

// WithReviews attaches the review coordinator.
func WithReviews(sink ReviewSink) Option {
	return func(h *Host) { h.reviews = sink }
}

// WithClock overrides the clock (tests).
func WithClock(clk clock.Clock) Option {
	return func(h *Host) { h.clk = clk }
}

// WithTracer attaches a tracer.
func WithTracer(tracer observability.Tracer) Option {
	return func(h *Host) { h.tracer = tracer }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithRequestTimeout sets the default SendRequest timeout (default 30s).
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

// Host binds an identity and a Behavior to the message bus. Create one
// per agent, Start it, and Stop it when done. All methods are safe for
// concurrent use.
type Host struct {
	id           string
	name         string
	role         string
	capabilities []string

	behavior Behavior
	bus      *communication.MessageBus
	memory   *memory.LocalMemory

	knowledge *knowledge.Store
	engine    *metrics.Engine
	reviews   ReviewSink

	clk    clock.Clock
	tracer observability.Tracer
	logger *zap.Logger

	requestTimeout time.Duration

	mu     sync.RWMutex // guards shared
	shared *communication.SharedContext
	peers  *csync.Map[string, PeerStatus]

	started atomic.Bool

	processed   atomic.Int64
	failed      atomic.Int64
	reviewsOut  atomic.Int64
	discoveries atomic.Int64
	unhandled   atomic.Int64
}

// NewHost creates a host for the given identity and behavior. The bus
// and behavior are required; everything else arrives via options.
func NewHost(id string, behavior Behavior, bus *communication.MessageBus, opts ...Option) *Host {
	h := &Host{
		id:             id,
		name:           id,
		behavior:       behavior,
		bus:            bus,
		clk:            clock.System(),
		tracer:         observability.NewNoOpTracer(),
		logger:         zap.NewNop(),
		requestTimeout: 30 * time.Second,
		peers:          csync.NewMap[string, PeerStatus](),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("agent_id", id))
	h.memory = memory.NewLocalMemory(id, h.clk, h.logger)
	return h
}

// ID returns the agent's bus identity.
func (h *Host) ID() string { return h.id }

// Role returns the agent's workflow role.
func (h *Host) Role() string { return h.role }

// Memory exposes the agent's private memory.
func (h *Host) Memory() *memory.LocalMemory { return h.memory }

// Info returns the registration info the host advertises.
func (h *Host) Info() types.AgentInfo {
	return types.AgentInfo{
		ID:           h.id,
		Name:         h.name,
		Role:         h.role,
		Capabilities: append([]string(nil), h.capabilities...),
	}
}

// Start registers the host on the bus. Idempotent.
func (h *Host) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := h.bus.Register(h.id, h.handleMessage, h.Info()); err != nil {
		h.started.Store(false)
		return err
	}
	h.logger.Info("Agent host started",
		zap.String("role", h.role),
		zap.Strings("capabilities", h.capabilities))
	return nil
}

// Stop unregisters the host and detaches any workflow context.
// Idempotent.
func (h *Host) Stop() error {
	if !h.started.CompareAndSwap(true, false) {
		return nil
	}
	h.LeaveWorkflow()
	if err := h.bus.Unregister(h.id); err != nil && types.KindOf(err) != types.ErrNotFound {
		return err
	}
	h.logger.Info("Agent host stopped")
	return nil
}

// JoinWorkflow attaches the workflow's shared context. A host works on
// one workflow at a time; joining replaces any previous attachment.
func (h *Host) JoinWorkflow(sc *communication.SharedContext) {
	h.mu.Lock()
	h.shared = sc
	h.mu.Unlock()
	if sc != nil {
		h.logger.Debug("Joined workflow", zap.String("workflow_id", sc.WorkflowID()))
	}
}

// LeaveWorkflow detaches the shared context. Idempotent.
func (h *Host) LeaveWorkflow() {
	h.mu.Lock()
	sc := h.shared
	h.shared = nil
	h.mu.Unlock()
	if sc != nil {
		h.logger.Debug("Left workflow", zap.String("workflow_id", sc.WorkflowID()))
	}
}

// Workflow returns the attached shared context, or nil.
func (h *Host) Workflow() *communication.SharedContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.shared
}

// ============================================================================
// Outbound operations
// ============================================================================

// SendRequest sends a typed request to another agent and awaits the
// response payload. timeout <= 0 selects the host default. The request
// round-trip is recorded as a MESSAGE_LATENCY sample.
func (h *Host) SendRequest(ctx context.Context, to, requestType string, payload map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	if timeout <= 0 {
		timeout = h.requestTimeout
	}

	ctx, span := h.tracer.StartSpan(ctx, "agent.send_request",
		observability.WithAttribute(observability.AttrAgentID, h.id),
		observability.WithAttribute("request.target", to),
		observability.WithAttribute("request.type", requestType))
	defer h.tracer.EndSpan(span)

	started := h.clk.Now()
	future, err := h.bus.Request(ctx, &types.Message{
		Sender:    h.id,
		Recipient: to,
		Kind:      types.KindRequest,
		Payload: map[string]interface{}{
			"request_type": requestType,
			"data":         payload,
		},
	}, timeout)
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return nil, err
	}

	response, err := future.Await(ctx)
	h.recordLatency(to, requestType, h.clk.Now().Sub(started))
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return response, err
	}
	return response, nil
}

// ShareDiscovery writes a discovery into the workflow's shared context
// and broadcasts it to every other agent. relevance grades how broadly
// useful the discovery is, in [0, 1].
func (h *Host) ShareDiscovery(ctx context.Context, discoveryType string, data interface{}, relevance float64) error {
	if discoveryType == "" {
		return types.NewValidation("discovery type must not be empty")
	}
	if relevance < 0 || relevance > 1 {
		return types.NewValidation("relevance %v is outside [0, 1]", relevance)
	}

	if sc := h.Workflow(); sc != nil {
		key := fmt.Sprintf("discovery:%s:%s", h.id, discoveryType)
		if _, err := sc.Store(key, data, map[string]interface{}{
			"agent_id":     h.id,
			"context_type": "discovery",
			"relevance":    relevance,
		}); err != nil {
			return err
		}
	}

	_, err := h.bus.Broadcast(ctx, &types.Message{
		Sender: h.id,
		Kind:   types.KindDiscovery,
		Payload: map[string]interface{}{
			"discovery_type": discoveryType,
			"data":           data,
			"relevance":      relevance,
		},
	})
	if err != nil {
		return err
	}

	h.discoveries.Add(1)
	h.logger.Debug("Discovery shared",
		zap.String("discovery_type", discoveryType),
		zap.Float64("relevance", relevance))
	return nil
}

// ReportStatus broadcasts the host's availability to its peers.
func (h *Host) ReportStatus(ctx context.Context, status string, detail map[string]interface{}) error {
	if status == "" {
		return types.NewValidation("status must not be empty")
	}
	payload := map[string]interface{}{"status": status}
	if len(detail) > 0 {
		payload["detail"] = detail
	}
	_, err := h.bus.Broadcast(ctx, &types.Message{
		Sender:  h.id,
		Kind:    types.KindStatusUpdate,
		Payload: payload,
	})
	return err
}

// LearnFromOutcome writes a task outcome into the knowledge store: a
// learned pattern when it succeeded, a failure pattern otherwise.
func (h *Host) LearnFromOutcome(ctx context.Context, task, approach string, succeeded bool, detail map[string]interface{}) (*types.KnowledgeEntry, error) {
	if h.knowledge == nil {
		return nil, types.NewDegraded("no knowledge store attached to agent %q", h.id)
	}
	if task == "" {
		return nil, types.NewValidation("task must not be empty")
	}

	kind := types.KnowledgeLearnedPattern
	outcome := "succeeded"
	if !succeeded {
		kind = types.KnowledgeFailurePattern
		outcome = "failed"
	}

	value := map[string]interface{}{
		"task":     task,
		"approach": approach,
		"outcome":  outcome,
	}
	if len(detail) > 0 {
		value["detail"] = detail
	}
	return h.knowledge.StoreAs(ctx, kind, h.clk.NewID("outcome"), value, map[string]interface{}{
		"agent_id": h.id,
	})
}

// Peers returns the host's peer table, sorted by agent ID.
func (h *Host) Peers() []PeerStatus {
	out := make([]PeerStatus, 0, h.peers.Len())
	for p := range h.peers.Values() {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Stats returns a snapshot of host counters.
func (h *Host) Stats() HostStats {
	return HostStats{
		Processed:        h.processed.Load(),
		Failed:           h.failed.Load(),
		ReviewsSubmitted: h.reviewsOut.Load(),
		Discoveries:      h.discoveries.Load(),
		Unhandled:        h.unhandled.Load(),
		Peers:            h.peers.Len(),
	}
}

// ============================================================================
// Inbound dispatch
// ============================================================================

// handleMessage is the bus handler: it dispatches one inbound message
// by kind. Returned errors become negative responses when the sender
// awaits one.
func (h *Host) handleMessage(ctx context.Context, msg *types.Message) error {
	switch msg.Kind {
	case types.KindRequest:
		return h.handleRequest(ctx, msg)
	case types.KindTaskAssignment:
		return h.handleTaskAssignment(ctx, msg)
	case types.KindReviewRequest:
		return h.handleReviewRequest(ctx, msg)
	case types.KindDiscovery:
		h.handleDiscovery(msg)
		return nil
	case types.KindStatusUpdate:
		h.handleStatusUpdate(msg)
		return nil
	case types.KindResponse:
		// Live responses resolve futures inside the bus; one landing
		// here outlived its request.
		h.logger.Debug("Late response archived", zap.String("in_reply_to", msg.InReplyTo))
		h.archive(msg)
		return nil
	case types.KindNotification, types.KindUpdate, types.KindError,
		types.KindTaskCompletion, types.KindReviewResponse:
		h.archive(msg)
		return nil
	default:
		h.unhandled.Add(1)
		h.logger.Warn("Unhandled message kind",
			zap.String("kind", string(msg.Kind)),
			zap.String("sender", msg.Sender))
		return nil
	}
}

func (h *Host) handleRequest(ctx context.Context, msg *types.Message) error {
	requestType, _ := msg.Payload["request_type"].(string)
	data, _ := msg.Payload["data"].(map[string]interface{})

	result, err := h.behavior.ProcessRequest(ctx, requestType, data, msg.Sender)
	if err != nil {
		h.failed.Add(1)
		h.logger.Warn("Request processing failed",
			zap.String("request_type", requestType),
			zap.String("sender", msg.Sender),
			zap.Error(err))
		return h.bus.Respond(ctx, msg, map[string]interface{}{"error": err.Error()}, false)
	}

	h.processed.Add(1)
	return h.bus.Respond(ctx, msg, map[string]interface{}{"result": result}, true)
}

// handleTaskAssignment runs a workflow step: the behavior processes the
// task, the result answers the assigner, a TASK_COMPLETION notifies it,
// and the step lands in the workflow's execution history.
func (h *Host) handleTaskAssignment(ctx context.Context, msg *types.Message) error {
	requestType, _ := msg.Payload["request_type"].(string)
	data, _ := msg.Payload["data"].(map[string]interface{})
	stepID, _ := msg.Payload["step_id"].(string)
	if stepID == "" {
		stepID = h.clk.NewID("step")
	}
	workflowID, _ := msg.Payload["workflow_id"].(string)

	ctx, span := h.tracer.StartSpan(ctx, "agent.task",
		observability.WithAttribute(observability.AttrAgentID, h.id),
		observability.WithAttribute(observability.AttrWorkflowID, workflowID),
		observability.WithAttribute(observability.AttrStepName, stepID))
	defer h.tracer.EndSpan(span)

	started := h.clk.Now()
	result, err := h.behavior.ProcessRequest(ctx, requestType, data, msg.Sender)
	finished := h.clk.Now()

	outcome := "completed"
	detail := map[string]interface{}{"request_type": requestType}
	if err != nil {
		outcome = "failed"
		detail["error"] = err.Error()
		h.failed.Add(1)
		if span != nil {
			span.RecordError(err)
		}
	} else {
		h.processed.Add(1)
	}

	if sc := h.Workflow(); sc != nil {
		if recErr := sc.RecordStep(types.ExecutionStep{
			StepID:     stepID,
			AgentID:    h.id,
			Action:     requestType,
			Outcome:    outcome,
			Detail:     detail,
			StartedAt:  started,
			FinishedAt: finished,
		}); recErr != nil {
			h.logger.Warn("Execution step not recorded", zap.String("step_id", stepID), zap.Error(recErr))
		}
	}

	completion := map[string]interface{}{
		"step_id":     stepID,
		"workflow_id": workflowID,
		"outcome":     outcome,
	}
	if err != nil {
		completion["error"] = err.Error()
	} else {
		completion["result"] = result
	}
	// Assigners without an inbox (the workflow controller) still get
	// the completion into history; delivery failure is expected there.
	if sendErr := h.bus.Send(ctx, &types.Message{
		Sender:         h.id,
		Recipient:      msg.Sender,
		Kind:           types.KindTaskCompletion,
		ConversationID: msg.ConversationID,
		Payload:        completion,
	}); sendErr != nil {
		h.logger.Debug("Task completion not delivered", zap.String("step_id", stepID), zap.Error(sendErr))
	}

	if err != nil {
		return h.bus.Respond(ctx, msg, map[string]interface{}{"error": err.Error(), "step_id": stepID}, false)
	}
	return h.bus.Respond(ctx, msg, map[string]interface{}{"result": result, "step_id": stepID}, true)
}

func (h *Host) handleReviewRequest(ctx context.Context, msg *types.Message) error {
	reviewID, _ := msg.Payload["review_id"].(string)
	if reviewID == "" {
		return types.NewValidation("review request carries no review_id")
	}
	criteria := toStringSlice(msg.Payload["criteria"])

	submission, err := h.behavior.ReviewContent(ctx, msg.Payload["content"], criteria, msg.Sender)
	if err != nil {
		h.failed.Add(1)
		h.logger.Warn("Review behavior failed",
			zap.String("review_id", reviewID),
			zap.Error(err))
		return err
	}

	if h.reviews == nil {
		h.logger.Warn("No review coordinator attached, verdict dropped",
			zap.String("review_id", reviewID))
		return nil
	}
	if _, err := h.reviews.SubmitReview(ctx, reviewID, h.id, submission); err != nil {
		h.logger.Warn("Review submission rejected",
			zap.String("review_id", reviewID),
			zap.Error(err))
		return err
	}

	h.reviewsOut.Add(1)
	h.logger.Debug("Review submitted",
		zap.String("review_id", reviewID),
		zap.Float64("score", submission.Score),
		zap.Bool("approved", submission.Approved))
	return nil
}

func (h *Host) handleDiscovery(msg *types.Message) {
	discoveryType, _ := msg.Payload["discovery_type"].(string)
	if discoveryType == "" {
		discoveryType = "unknown"
	}
	key := fmt.Sprintf("discovery:%s:%s", msg.Sender, discoveryType)
	if err := h.memory.Store(key, msg.Payload["data"], map[string]interface{}{
		"sender":     msg.Sender,
		"relevance":  msg.Payload["relevance"],
		"message_id": msg.ID,
	}); err != nil {
		h.logger.Warn("Discovery not stored", zap.String("key", key), zap.Error(err))
		return
	}
	h.logger.Debug("Discovery stored",
		zap.String("sender", msg.Sender),
		zap.String("discovery_type", discoveryType))
}

func (h *Host) handleStatusUpdate(msg *types.Message) {
	status, _ := msg.Payload["status"].(string)
	detail, _ := msg.Payload["detail"].(map[string]interface{})

	h.peers.Set(msg.Sender, PeerStatus{
		AgentID:  msg.Sender,
		Status:   status,
		Detail:   detail,
		LastSeen: h.clk.Now(),
	})
}

// archive notes an informational message in local memory so behaviors
// can look back at what happened around them.
func (h *Host) archive(msg *types.Message) {
	key := fmt.Sprintf("inbox:%s:%s", msg.Kind, msg.ID)
	if err := h.memory.Store(key, msg.Payload, map[string]interface{}{
		"sender": msg.Sender,
		"kind":   string(msg.Kind),
	}); err != nil {
		h.logger.Debug("Message not archived", zap.String("key", key), zap.Error(err))
	}
}

func (h *Host) recordLatency(target, requestType string, elapsed time.Duration) {
	if h.engine == nil {
		return
	}
	h.engine.RecordPoint(types.MetricPoint{
		Kind:  types.MetricMessageLatency,
		Value: float64(elapsed) / float64(time.Millisecond),
		Tags: map[string]string{
			"target":       target,
			"request_type": requestType,
		},
		AgentID: h.id,
	})
}

// toStringSlice accepts the two shapes criteria arrive in: []string
// straight off an in-process payload, []interface{} after a JSON hop.
func toStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
