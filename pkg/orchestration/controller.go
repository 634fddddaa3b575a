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

// Package orchestration runs multi-agent workflows: it creates a
// shared context per workflow, attaches participant agents, resolves an
// execution plan (explicit steps, a named template, or a single-step
// fallback), assigns steps over the message bus, and closes the
// workflow out with an optional peer review.
package orchestration

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/communication"
	"github.com/skeinworks/skein/pkg/metrics"
	"github.com/skeinworks/skein/pkg/observability"
	"github.com/skeinworks/skein/pkg/types"
)

// Reviews is the slice of the review coordinator the controller uses
// for final workflow reviews. *review.Coordinator satisfies it.
type Reviews interface {
	RequestReview(ctx context.Context, requester string, content interface{}, criteria []string, requiredReviewers int, deadline time.Duration) (types.Review, error)
	Await(ctx context.Context, reviewID string) (types.Review, error)
	Stats() types.ReviewStats
}

// Participant is the slice of an agent host the controller manages:
// identity plus workflow attachment. *agent.Host satisfies it.
type Participant interface {
	ID() string
	Role() string
	JoinWorkflow(sc *communication.SharedContext)
	LeaveWorkflow()
}

// FailurePolicy decides what a failed step does to the rest of the
// plan.
type FailurePolicy string

const (
	// FailFast aborts the workflow on the first failed step.
	FailFast FailurePolicy = "fail_fast"

	// ContinueOnFailure records the failure and runs the remaining
	// steps.
	ContinueOnFailure FailurePolicy = "continue"
)

// controllerSender is the sender ID the controller stamps on step
// requests. It is deliberately not a registered agent: responses
// resolve futures directly, and completions still land in history.
const controllerSender = "controller"

// ControllerConfig tunes the workflow controller. The zero value
// selects defaults.
type ControllerConfig struct {
	// DefaultStepTimeout bounds each step request (default 30s).
	DefaultStepTimeout time.Duration

	// ReviewDeadline bounds the final peer review (default 5m).
	ReviewDeadline time.Duration

	// EventBuffer is the per-workflow event ring capacity (default 256).
	EventBuffer int

	// SubscriberBuffer is the per-subscription channel capacity
	// (default 64). Full subscribers drop events.
	SubscriberBuffer int
}

func (c *ControllerConfig) applyDefaults() {
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 30 * time.Second
	}
	if c.ReviewDeadline <= 0 {
		c.ReviewDeadline = 5 * time.Minute
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
}

// ExecuteOptions shapes one workflow execution.
type ExecuteOptions struct {
	// Steps is an explicit plan. Takes precedence over Template.
	Steps []TemplateStep `json:"steps,omitempty"`

	// Template names a library template to execute.
	Template string `json:"template,omitempty"`

	// Policy decides how step failures propagate (default FailFast).
	Policy FailurePolicy `json:"policy,omitempty"`

	// Review requests a final peer review of the workflow output. It
	// overrides the template's review spec when both are set.
	Review *ReviewSpec `json:"review,omitempty"`

	// StepTimeout overrides the controller default for steps without
	// their own timeout.
	StepTimeout time.Duration `json:"step_timeout,omitempty"`
}

// WorkflowStatus is a point-in-time snapshot of one workflow.
type WorkflowStatus struct {
	// ID identifies the workflow.
	ID string `json:"id"`

	// Name is the display name given at creation.
	Name string `json:"name"`

	// State is the lifecycle state.
	State types.WorkflowState `json:"state"`

	// Participants are the attached agent IDs.
	Participants []string `json:"participants"`

	// Reason explains a TERMINATED or FAILED state, when known.
	Reason string `json:"reason,omitempty"`

	// Steps are the step results so far, in execution order.
	Steps []types.StepResult `json:"steps,omitempty"`

	// Summary is the final report, set once the workflow is terminal.
	Summary *types.WorkflowSummary `json:"summary,omitempty"`

	// CreatedAt is when the workflow was created.
	CreatedAt time.Time `json:"created_at"`
}

// ControllerStats is a snapshot of controller counters.
type ControllerStats struct {
	Created       int64 `json:"created"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Terminated    int64 `json:"terminated"`
	StepsExecuted int64 `json:"steps_executed"`
	StepsFailed   int64 `json:"steps_failed"`
	Active        int   `json:"active"`
}

// workflowRecord is one workflow's live state. The record mutex guards
// everything below it; done closes exactly once at the terminal
// transition.
type workflowRecord struct {
	mu           sync.Mutex
	id           string
	name         string
	state        types.WorkflowState
	reason       string
	shared       *communication.SharedContext
	participants []Participant
	createdAt    time.Time
	steps        []types.StepResult
	summary      *types.WorkflowSummary
	executing    bool
	rr           int

	events []types.WorkflowEvent
	evNext int
	evFull bool
	subs   map[string]*EventSubscription

	done chan struct{}
}

// EventSubscription delivers one workflow's events to a consumer.
// Full channels drop events rather than block the workflow.
type EventSubscription struct {
	id     string
	ch     chan types.WorkflowEvent
	cancel func()
	once   sync.Once
}

// ID returns the subscription identifier.
func (s *EventSubscription) ID() string { return s.id }

// Events is the subscriber's channel. Closed on Cancel and on
// workflow teardown.
func (s *EventSubscription) Events() <-chan types.WorkflowEvent { return s.ch }

// Cancel detaches the subscription and closes its channel. Idempotent.
func (s *EventSubscription) Cancel() { s.once.Do(s.cancel) }

// Controller creates, executes, observes, and terminates workflows.
// All methods are safe for concurrent use.
type Controller struct {
	cfg     ControllerConfig
	bus     *communication.MessageBus
	reviews Reviews
	engine  *metrics.Engine
	library *Library
	clk     clock.Clock
	tracer  observability.Tracer
	logger  *zap.Logger

	mu        sync.RWMutex
	workflows map[string]*workflowRecord

	closed atomic.Bool

	created     atomic.Int64
	completed   atomic.Int64
	failedCount atomic.Int64
	terminated  atomic.Int64
	stepsOK     atomic.Int64
	stepsFailed atomic.Int64
}

// NewController creates a workflow controller. The bus is required;
// reviews, engine, and library are optional and disable their features
// when nil.
func NewController(config *ControllerConfig, bus *communication.MessageBus, reviews Reviews, engine *metrics.Engine, library *Library, clk clock.Clock, tracer observability.Tracer, logger *zap.Logger) *Controller {
	cfg := ControllerConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.applyDefaults()

	if clk == nil {
		clk = clock.System()
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		cfg:       cfg,
		bus:       bus,
		reviews:   reviews,
		engine:    engine,
		library:   library,
		clk:       clk,
		tracer:    tracer,
		logger:    logger,
		workflows: make(map[string]*workflowRecord),
	}
}

// Library returns the attached template library, or nil.
func (c *Controller) Library() *Library { return c.library }

// CreateWorkflow builds a workflow around the participants: a fresh
// shared context every participant joins, state RUNNING, and a
// "started" event. Every participant must already be registered on the
// bus.
func (c *Controller) CreateWorkflow(ctx context.Context, name string, participants []Participant) (WorkflowStatus, error) {
	if c.closed.Load() {
		return WorkflowStatus{}, types.NewInternal("workflow controller is closed")
	}
	if name == "" {
		return WorkflowStatus{}, types.NewValidation("workflow name must not be empty")
	}
	if len(participants) == 0 {
		return WorkflowStatus{}, types.NewValidation("workflow needs at least one participant")
	}
	seen := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if !c.bus.IsRegistered(p.ID()) {
			return WorkflowStatus{}, types.NewNotFound("participant %q is not registered on the bus", p.ID())
		}
		if _, dup := seen[p.ID()]; dup {
			return WorkflowStatus{}, types.NewValidation("participant %q listed twice", p.ID())
		}
		seen[p.ID()] = struct{}{}
	}

	id := c.clk.NewID("wf")
	sc := communication.NewSharedContext(id, c.clk, c.logger)
	for _, p := range participants {
		p.JoinWorkflow(sc)
	}

	rec := &workflowRecord{
		id:           id,
		name:         name,
		state:        types.WorkflowRunning,
		shared:       sc,
		participants: participants,
		createdAt:    c.clk.Now(),
		events:       make([]types.WorkflowEvent, c.cfg.EventBuffer),
		subs:         make(map[string]*EventSubscription),
		done:         make(chan struct{}),
	}

	c.mu.Lock()
	c.workflows[id] = rec
	c.mu.Unlock()
	c.created.Add(1)

	rec.mu.Lock()
	c.emitLocked(rec, "started", map[string]interface{}{
		"name":         name,
		"participants": participantIDs(participants),
	})
	snapshot := c.statusLocked(rec)
	rec.mu.Unlock()

	c.logger.Info("Workflow created",
		zap.String("workflow_id", id),
		zap.String("name", name),
		zap.Strings("participants", participantIDs(participants)))
	return snapshot, nil
}

// Execute runs a plan against a workflow: explicit steps, a named
// template, or a single-step fallback handing the prompt to the first
// participant. It blocks until the workflow reaches a terminal state
// and returns the summary.
func (c *Controller) Execute(ctx context.Context, workflowID, prompt string, opts *ExecuteOptions) (types.WorkflowSummary, error) {
	rec, err := c.record(workflowID)
	if err != nil {
		return types.WorkflowSummary{}, err
	}
	if opts == nil {
		opts = &ExecuteOptions{}
	}
	policy := opts.Policy
	if policy == "" {
		policy = FailFast
	}

	plan, reviewSpec, err := c.resolvePlan(prompt, opts)
	if err != nil {
		return types.WorkflowSummary{}, err
	}

	rec.mu.Lock()
	if rec.state.Terminal() {
		rec.mu.Unlock()
		return types.WorkflowSummary{}, types.NewValidation("workflow %s is already %s", workflowID, rec.state)
	}
	if rec.executing {
		rec.mu.Unlock()
		return types.WorkflowSummary{}, types.NewValidation("workflow %s is already executing", workflowID)
	}
	rec.executing = true
	rec.mu.Unlock()

	ctx, span := c.tracer.StartSpan(ctx, "workflow.execute",
		observability.WithAttribute(observability.AttrWorkflowID, workflowID))
	defer c.tracer.EndSpan(span)

	startedAt := c.clk.Now()
	results := make([]types.StepResult, 0, len(plan))
	failed := false
	reason := ""

	for _, step := range plan {
		if ctx.Err() != nil {
			failed = true
			reason = "execution cancelled"
			break
		}

		executor, pickErr := c.chooseExecutor(rec, step)
		if pickErr != nil {
			result := types.StepResult{Name: step.Name, Err: pickErr.Error()}
			results = append(results, result)
			c.recordStepResult(rec, result)
			failed = true
			reason = pickErr.Error()
			if policy == FailFast {
				break
			}
			continue
		}

		rec.mu.Lock()
		c.emitLocked(rec, "step_started", map[string]interface{}{
			"step":  step.Name,
			"agent": executor.ID(),
		})
		rec.mu.Unlock()

		result := c.runStep(ctx, rec, step, executor, prompt, opts.StepTimeout)
		results = append(results, result)
		c.recordStepResult(rec, result)

		if result.Err != "" {
			failed = true
			if reason == "" {
				reason = result.Err
			}
			if policy == FailFast {
				break
			}
		}
	}

	state := types.WorkflowCompleted
	if failed {
		state = types.WorkflowFailed
	}

	var reviewOutcome *types.Review
	if !failed && reviewSpec != nil {
		reviewOutcome = c.finalReview(ctx, rec, prompt, results, reviewSpec)
		if reviewOutcome != nil && reviewOutcome.State == types.ReviewRejected {
			state = types.WorkflowFailed
			reason = "final review rejected the output"
		}
	}

	finishedAt := c.clk.Now()
	summary := types.WorkflowSummary{
		WorkflowID: workflowID,
		Name:       rec.name,
		State:      state,
		Steps:      results,
		Review:     reviewOutcome,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}

	if c.engine != nil {
		c.engine.RecordPoint(types.MetricPoint{
			Kind:       types.MetricWorkflowDuration,
			Value:      float64(finishedAt.Sub(startedAt)) / float64(time.Millisecond),
			Tags:       map[string]string{"state": string(state)},
			WorkflowID: workflowID,
		})
	}

	c.finalize(rec, state, reason, &summary)
	if span != nil {
		span.SetAttribute("workflow.state", string(state))
		span.SetAttribute("workflow.steps", len(results))
	}

	c.logger.Info("Workflow finished",
		zap.String("workflow_id", workflowID),
		zap.String("state", string(state)),
		zap.Int("steps", len(results)),
		zap.Duration("duration", finishedAt.Sub(startedAt)))
	return summary, nil
}

// Terminate stops a running workflow: the shared context is sealed,
// participants detach, and a "terminated" event is emitted. Calling it
// on a terminal workflow is a no-op.
func (c *Controller) Terminate(ctx context.Context, workflowID, reason string) error {
	rec, err := c.record(workflowID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.state.Terminal() {
		rec.mu.Unlock()
		return nil
	}
	rec.mu.Unlock()

	c.finalize(rec, types.WorkflowTerminated, reason, nil)
	c.logger.Info("Workflow terminated",
		zap.String("workflow_id", workflowID),
		zap.String("reason", reason))
	return nil
}

// Status returns a snapshot of one workflow.
func (c *Controller) Status(workflowID string) (WorkflowStatus, error) {
	rec, err := c.record(workflowID)
	if err != nil {
		return WorkflowStatus{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return c.statusLocked(rec), nil
}

// List returns snapshots of every workflow, newest first.
func (c *Controller) List() []WorkflowStatus {
	c.mu.RLock()
	records := make([]*workflowRecord, 0, len(c.workflows))
	for _, rec := range c.workflows {
		records = append(records, rec)
	}
	c.mu.RUnlock()

	out := make([]WorkflowStatus, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		out = append(out, c.statusLocked(rec))
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// AwaitWorkflow blocks until the workflow reaches a terminal state or
// ctx is done.
func (c *Controller) AwaitWorkflow(ctx context.Context, workflowID string) (WorkflowStatus, error) {
	rec, err := c.record(workflowID)
	if err != nil {
		return WorkflowStatus{}, err
	}

	select {
	case <-rec.done:
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return c.statusLocked(rec), nil
	case <-ctx.Done():
		return WorkflowStatus{}, types.WrapError(types.ErrTimeout, ctx.Err(), "awaiting workflow %s", workflowID)
	}
}

// Events returns up to limit recent events of one workflow, oldest
// first. limit <= 0 returns everything buffered.
func (c *Controller) Events(workflowID string, limit int) ([]types.WorkflowEvent, error) {
	rec, err := c.record(workflowID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	size := rec.evNext
	if rec.evFull {
		size = len(rec.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]types.WorkflowEvent, 0, limit)
	for i := size - limit; i < size; i++ {
		idx := i
		if rec.evFull {
			idx = (rec.evNext + i) % len(rec.events)
		}
		out = append(out, rec.events[idx])
	}
	return out, nil
}

// SubscribeEvents streams a workflow's future events. The returned
// subscription must be cancelled when done; it closes on workflow
// teardown as well.
func (c *Controller) SubscribeEvents(workflowID string) (*EventSubscription, error) {
	rec, err := c.record(workflowID)
	if err != nil {
		return nil, err
	}

	sub := &EventSubscription{
		id: c.clk.NewID("wsub"),
		ch: make(chan types.WorkflowEvent, c.cfg.SubscriberBuffer),
	}
	sub.cancel = func() {
		rec.mu.Lock()
		if _, ok := rec.subs[sub.id]; ok {
			delete(rec.subs, sub.id)
			close(sub.ch)
		}
		rec.mu.Unlock()
	}

	rec.mu.Lock()
	rec.subs[sub.id] = sub
	rec.mu.Unlock()
	return sub, nil
}

// Stats returns a snapshot of controller counters.
func (c *Controller) Stats() ControllerStats {
	active := 0
	c.mu.RLock()
	for _, rec := range c.workflows {
		rec.mu.Lock()
		if !rec.state.Terminal() {
			active++
		}
		rec.mu.Unlock()
	}
	c.mu.RUnlock()

	return ControllerStats{
		Created:       c.created.Load(),
		Completed:     c.completed.Load(),
		Failed:        c.failedCount.Load(),
		Terminated:    c.terminated.Load(),
		StepsExecuted: c.stepsOK.Load(),
		StepsFailed:   c.stepsFailed.Load(),
		Active:        active,
	}
}

// Close terminates every running workflow and refuses further work.
// Idempotent.
func (c *Controller) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.RLock()
	records := make([]*workflowRecord, 0, len(c.workflows))
	for _, rec := range c.workflows {
		records = append(records, rec)
	}
	c.mu.RUnlock()

	for _, rec := range records {
		rec.mu.Lock()
		terminal := rec.state.Terminal()
		rec.mu.Unlock()
		if !terminal {
			c.finalize(rec, types.WorkflowTerminated, "controller shutting down", nil)
		}
	}

	c.logger.Info("Workflow controller closed")
	return nil
}

// ============================================================================
// Internals
// ============================================================================

func (c *Controller) record(workflowID string) (*workflowRecord, error) {
	c.mu.RLock()
	rec, ok := c.workflows[workflowID]
	c.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFound("workflow %q not found", workflowID)
	}
	return rec, nil
}

// resolvePlan picks the step list: explicit steps win, then a named
// template, then a single step handing the prompt to the first
// participant. The review spec resolves the same way.
func (c *Controller) resolvePlan(prompt string, opts *ExecuteOptions) ([]TemplateStep, *ReviewSpec, error) {
	if len(opts.Steps) > 0 {
		return opts.Steps, opts.Review, nil
	}
	if opts.Template != "" {
		if c.library == nil {
			return nil, nil, types.NewNotFound("no template library configured")
		}
		tpl, err := c.library.Get(opts.Template)
		if err != nil {
			return nil, nil, err
		}
		review := opts.Review
		if review == nil {
			review = tpl.Review
		}
		return tpl.Steps, review, nil
	}
	if prompt == "" {
		return nil, nil, types.NewValidation("execution needs steps, a template, or a prompt")
	}
	fallback := []TemplateStep{{Name: "task", RequestType: "process"}}
	return fallback, opts.Review, nil
}

// chooseExecutor picks the participant for a step: the pinned agent,
// the first participant with the wanted role, or round-robin.
func (c *Controller) chooseExecutor(rec *workflowRecord, step TemplateStep) (Participant, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if step.Agent != "" {
		for _, p := range rec.participants {
			if p.ID() == step.Agent {
				return p, nil
			}
		}
		return nil, types.NewNotFound("agent %q is not a workflow participant", step.Agent)
	}
	if step.Role != "" {
		for _, p := range rec.participants {
			if p.Role() == step.Role {
				return p, nil
			}
		}
		return nil, types.NewNotFound("no participant has role %q", step.Role)
	}

	p := rec.participants[rec.rr%len(rec.participants)]
	rec.rr++
	return p, nil
}

// runStep sends one TASK_ASSIGNMENT request and waits for the answer.
func (c *Controller) runStep(ctx context.Context, rec *workflowRecord, step TemplateStep, executor Participant, prompt string, timeoutOverride time.Duration) types.StepResult {
	timeout := step.Timeout()
	if timeout <= 0 {
		timeout = timeoutOverride
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultStepTimeout
	}

	data := make(map[string]interface{}, len(step.Payload)+1)
	for k, v := range step.Payload {
		data[k] = v
	}
	if _, ok := data["prompt"]; !ok && prompt != "" {
		data["prompt"] = prompt
	}

	started := c.clk.Now()
	result := types.StepResult{Name: step.Name, AgentID: executor.ID()}

	future, err := c.bus.Request(ctx, &types.Message{
		Sender:    controllerSender,
		Recipient: executor.ID(),
		Kind:      types.KindTaskAssignment,
		Payload: map[string]interface{}{
			"step_id":      c.clk.NewID("step"),
			"workflow_id":  rec.id,
			"step_name":    step.Name,
			"request_type": step.RequestType,
			"data":         data,
		},
	}, timeout)
	if err == nil {
		var response map[string]interface{}
		response, err = future.Await(ctx)
		if err == nil {
			if output, ok := response["result"].(map[string]interface{}); ok {
				result.Output = output
			}
		}
	}
	result.Duration = c.clk.Now().Sub(started)
	if err != nil {
		result.Err = err.Error()
	}

	if c.engine != nil {
		c.engine.RecordPoint(types.MetricPoint{
			Kind:       types.MetricResponseTime,
			Value:      float64(result.Duration) / float64(time.Millisecond),
			Tags:       map[string]string{"step": step.Name},
			AgentID:    executor.ID(),
			WorkflowID: rec.id,
		})
	}
	return result
}

// recordStepResult appends the result to the workflow and emits the
// matching event.
func (c *Controller) recordStepResult(rec *workflowRecord, result types.StepResult) {
	rec.mu.Lock()
	rec.steps = append(rec.steps, result)
	detail := map[string]interface{}{
		"step":        result.Name,
		"agent":       result.AgentID,
		"duration_ms": float64(result.Duration) / float64(time.Millisecond),
	}
	eventType := "step_completed"
	if result.Err != "" {
		eventType = "step_failed"
		detail["error"] = result.Err
	}
	c.emitLocked(rec, eventType, detail)
	rec.mu.Unlock()

	if result.Err != "" {
		c.stepsFailed.Add(1)
	} else {
		c.stepsOK.Add(1)
	}
}

// finalReview asks the coordinator to review the workflow output. The
// first participant acts as requester, so reviewers come from the
// remaining agents. A review that cannot run leaves the workflow
// outcome untouched.
func (c *Controller) finalReview(ctx context.Context, rec *workflowRecord, prompt string, results []types.StepResult, spec *ReviewSpec) *types.Review {
	if c.reviews == nil {
		c.logger.Warn("Final review requested but no coordinator attached",
			zap.String("workflow_id", rec.id))
		return nil
	}

	reviewers := spec.Reviewers
	if reviewers <= 0 {
		reviewers = 1
	}

	content := map[string]interface{}{
		"workflow_id": rec.id,
		"prompt":      prompt,
		"outputs":     stepOutputs(results),
	}

	requester := rec.participants[0].ID()
	rev, err := c.reviews.RequestReview(ctx, requester, content, spec.Criteria, reviewers, c.cfg.ReviewDeadline)
	if err != nil {
		c.logger.Warn("Final review not started",
			zap.String("workflow_id", rec.id),
			zap.Error(err))
		return nil
	}

	rec.mu.Lock()
	c.emitLocked(rec, "review_requested", map[string]interface{}{
		"review_id": rev.ID,
		"reviewers": rev.Reviewers,
	})
	rec.mu.Unlock()

	final, err := c.reviews.Await(ctx, rev.ID)
	if err != nil {
		c.logger.Warn("Final review did not finish",
			zap.String("workflow_id", rec.id),
			zap.String("review_id", rev.ID),
			zap.Error(err))
		return nil
	}

	rec.mu.Lock()
	c.emitLocked(rec, "review_completed", map[string]interface{}{
		"review_id":     final.ID,
		"state":         string(final.State),
		"overall_score": final.OverallScore,
	})
	rec.mu.Unlock()
	return &final
}

// finalize moves the workflow to a terminal state exactly once: the
// shared context seals, participants detach, the terminal event fires,
// and event subscribers close.
func (c *Controller) finalize(rec *workflowRecord, state types.WorkflowState, reason string, summary *types.WorkflowSummary) {
	rec.mu.Lock()
	if rec.state.Terminal() {
		rec.mu.Unlock()
		return
	}
	rec.state = state
	rec.reason = reason
	rec.summary = summary
	rec.executing = false

	eventType := "completed"
	switch state {
	case types.WorkflowFailed:
		eventType = "failed"
	case types.WorkflowTerminated:
		eventType = "terminated"
	}
	detail := map[string]interface{}{}
	if reason != "" {
		detail["reason"] = reason
	}
	c.emitLocked(rec, eventType, detail)

	subs := make([]*EventSubscription, 0, len(rec.subs))
	for _, sub := range rec.subs {
		subs = append(subs, sub)
	}
	participants := rec.participants
	shared := rec.shared
	close(rec.done)
	rec.mu.Unlock()

	shared.Seal()
	for _, p := range participants {
		p.LeaveWorkflow()
	}
	for _, sub := range subs {
		sub.Cancel()
	}

	switch state {
	case types.WorkflowCompleted:
		c.completed.Add(1)
	case types.WorkflowFailed:
		c.failedCount.Add(1)
	case types.WorkflowTerminated:
		c.terminated.Add(1)
	}
}

// emitLocked appends an event to the workflow ring and offers it to
// subscribers. Called with rec.mu held.
func (c *Controller) emitLocked(rec *workflowRecord, eventType string, detail map[string]interface{}) {
	event := types.WorkflowEvent{
		WorkflowID: rec.id,
		Type:       eventType,
		Detail:     detail,
		Timestamp:  c.clk.Now(),
	}

	rec.events[rec.evNext] = event
	rec.evNext++
	if rec.evNext == len(rec.events) {
		rec.evNext = 0
		rec.evFull = true
	}

	for _, sub := range rec.subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// statusLocked snapshots the workflow. Called with rec.mu held.
func (c *Controller) statusLocked(rec *workflowRecord) WorkflowStatus {
	return WorkflowStatus{
		ID:           rec.id,
		Name:         rec.name,
		State:        rec.state,
		Participants: participantIDs(rec.participants),
		Reason:       rec.reason,
		Steps:        append([]types.StepResult(nil), rec.steps...),
		Summary:      rec.summary,
		CreatedAt:    rec.createdAt,
	}
}

func participantIDs(participants []Participant) []string {
	out := make([]string, len(participants))
	for i, p := range participants {
		out[i] = p.ID()
	}
	return out
}

func stepOutputs(results []types.StepResult) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		entry := map[string]interface{}{
			"step":  r.Name,
			"agent": r.AgentID,
		}
		if r.Output != nil {
			entry["output"] = r.Output
		}
		if r.Err != "" {
			entry["error"] = r.Err
		}
		out = append(out, entry)
	}
	return out
}
