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

// Package review coordinates quorum-based peer review between agents.
// A requester hands content and criteria to the coordinator, which
// selects the best-matching registered reviewers, fans out review
// request messages, collects submissions until quorum or deadline, and
// scores the consensus.
package review

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/observability"
	"github.com/skeinworks/skein/pkg/types"
)

// Consensus thresholds. A review is approved when at least 70% of
// reviewers approve, rejected when at most 30% do, and sent back for
// revision otherwise. Consensus is reached when the score spread stays
// within 0.3.
const (
	approvalThreshold = 0.7
	rejectionCeiling  = 0.3
	consensusSpread   = 0.3
)

// reviewRequestPriority puts review traffic ahead of default messages
// without starving urgent ones.
const reviewRequestPriority = 3

// Bus is the slice of the message bus the coordinator uses: candidate
// enumeration and message delivery. *communication.MessageBus
// satisfies it.
type Bus interface {
	// Agents returns every registered agent's info.
	Agents() []types.AgentInfo

	// IsRegistered reports whether the agent is on the bus.
	IsRegistered(agentID string) bool

	// Send routes one message.
	Send(ctx context.Context, msg *types.Message) error
}

// CoordinatorConfig tunes the review coordinator. The zero value
// selects defaults.
type CoordinatorConfig struct {
	// DefaultDeadline applies to reviews requested without an explicit
	// deadline (default 30m).
	DefaultDeadline time.Duration

	// SweepInterval is the deadline sweeper tick (default 250ms, never
	// slower than 1s).
	SweepInterval time.Duration
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 30 * time.Minute
	}
	if c.SweepInterval <= 0 || c.SweepInterval > time.Second {
		c.SweepInterval = 250 * time.Millisecond
	}
}

// reviewRecord is one review's live state. The record mutex guards the
// review snapshot and the selected-reviewer set; done closes exactly
// once when the review reaches a terminal state.
type reviewRecord struct {
	mu       sync.Mutex
	review   types.Review
	selected map[string]struct{}
	done     chan struct{}
}

// Coordinator orchestrates peer reviews: reviewer selection, quorum
// collection, consensus scoring, and deadline enforcement. All methods
// are safe for concurrent use.
type Coordinator struct {
	cfg    CoordinatorConfig
	bus    Bus
	clk    clock.Clock
	tracer observability.Tracer
	logger *zap.Logger

	mu      sync.RWMutex
	reviews map[string]*reviewRecord

	stop   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	requested     atomic.Int64
	completed     atomic.Int64
	timedOut      atomic.Int64
	approved      atomic.Int64
	rejected      atomic.Int64
	needsRevision atomic.Int64
}

// NewCoordinator creates a review coordinator and starts its deadline
// sweeper. Nil arguments select defaults; the bus must not be nil.
func NewCoordinator(config *CoordinatorConfig, bus Bus, clk clock.Clock, tracer observability.Tracer, logger *zap.Logger) *Coordinator {
	cfg := CoordinatorConfig{}
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

	c := &Coordinator{
		cfg:     cfg,
		bus:     bus,
		clk:     clk,
		tracer:  tracer,
		logger:  logger,
		reviews: make(map[string]*reviewRecord),
		stop:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.sweepLoop()

	return c
}

// RequestReview creates a review, selects up to requiredReviewers
// matching reviewers, and sends each a review request message. The
// returned snapshot carries the selected reviewer IDs and the deadline.
// When fewer candidates exist than requested, the quorum shrinks to
// the selected count.
func (c *Coordinator) RequestReview(ctx context.Context, requester string, content interface{}, criteria []string, requiredReviewers int, deadline time.Duration) (types.Review, error) {
	if c.closed.Load() {
		return types.Review{}, types.NewInternal("review coordinator is closed")
	}
	if requester == "" {
		return types.Review{}, types.NewValidation("requester must not be empty")
	}
	if !c.bus.IsRegistered(requester) {
		return types.Review{}, types.NewNotFound("requester %q is not registered", requester)
	}
	if requiredReviewers < 1 {
		return types.Review{}, types.NewValidation("at least one reviewer is required, got %d", requiredReviewers)
	}

	trimmed := trimCriteria(criteria)
	if len(trimmed) == 0 {
		return types.Review{}, types.NewValidation("review criteria must not be empty")
	}
	if deadline <= 0 {
		deadline = c.cfg.DefaultDeadline
	}

	ctx, span := c.tracer.StartSpan(ctx, "review.request",
		observability.WithAttribute(observability.AttrAgentID, requester))
	defer c.tracer.EndSpan(span)

	candidates := make([]types.AgentInfo, 0)
	for _, info := range c.bus.Agents() {
		if info.ID == requester {
			continue
		}
		candidates = append(candidates, info)
	}
	if len(candidates) == 0 {
		return types.Review{}, types.NewValidation("no eligible reviewers are registered")
	}

	reviewers := selectReviewers(candidates, trimmed, requiredReviewers)
	if len(reviewers) < requiredReviewers {
		c.logger.Warn("Fewer reviewers available than requested",
			zap.Int("requested", requiredReviewers),
			zap.Int("selected", len(reviewers)))
	}

	now := c.clk.Now()
	review := types.Review{
		ID:          c.clk.NewID("rev"),
		Requester:   requester,
		Content:     content,
		Criteria:    trimmed,
		Reviewers:   reviewers,
		State:       types.ReviewPending,
		Deadline:    now.Add(deadline),
		RequestedAt: now,
	}
	if span != nil {
		span.SetAttribute(observability.AttrReviewID, review.ID)
	}

	rec := &reviewRecord{
		review:   review,
		selected: make(map[string]struct{}, len(reviewers)),
		done:     make(chan struct{}),
	}
	for _, id := range reviewers {
		rec.selected[id] = struct{}{}
	}

	c.mu.Lock()
	c.reviews[review.ID] = rec
	c.mu.Unlock()
	c.requested.Add(1)

	for _, reviewerID := range reviewers {
		msg := &types.Message{
			Sender:    requester,
			Recipient: reviewerID,
			Kind:      types.KindReviewRequest,
			Priority:  reviewRequestPriority,
			Payload: map[string]interface{}{
				"review_id": review.ID,
				"content":   content,
				"criteria":  trimmed,
				"deadline":  review.Deadline.Format(time.RFC3339),
			},
		}
		if err := c.bus.Send(ctx, msg); err != nil {
			c.logger.Warn("Review request not delivered",
				zap.String("review_id", review.ID),
				zap.String("reviewer_id", reviewerID),
				zap.Error(err))
		}
	}

	c.logger.Info("Review requested",
		zap.String("review_id", review.ID),
		zap.String("requester", requester),
		zap.Strings("reviewers", reviewers),
		zap.Strings("criteria", trimmed),
		zap.Time("deadline", review.Deadline))
	return review, nil
}

// SubmitReview records one reviewer's verdict. Submissions are
// idempotent per (review, reviewer): a repeat returns the current state
// unchanged, as does any submission after the review turned terminal.
// When the last selected reviewer submits, the consensus is computed
// and the review completes.
func (c *Coordinator) SubmitReview(ctx context.Context, reviewID, reviewerID string, submission types.ReviewSubmission) (types.Review, error) {
	if reviewerID == "" {
		return types.Review{}, types.NewValidation("reviewer ID must not be empty")
	}
	if submission.Score < 0 || submission.Score > 1 {
		return types.Review{}, types.NewValidation("review score %v is outside [0, 1]", submission.Score)
	}

	rec, err := c.record(reviewID)
	if err != nil {
		return types.Review{}, err
	}

	rec.mu.Lock()
	if rec.review.State.Terminal() {
		snapshot := snapshotLocked(rec)
		rec.mu.Unlock()
		return snapshot, nil
	}
	if _, ok := rec.selected[reviewerID]; !ok {
		rec.mu.Unlock()
		return types.Review{}, types.NewValidation("agent %q is not a selected reviewer for %s", reviewerID, reviewID)
	}
	for _, prior := range rec.review.Submissions {
		if prior.ReviewerID == reviewerID {
			snapshot := snapshotLocked(rec)
			rec.mu.Unlock()
			c.logger.Debug("Duplicate review submission ignored",
				zap.String("review_id", reviewID),
				zap.String("reviewer_id", reviewerID))
			return snapshot, nil
		}
	}

	submission.ReviewerID = reviewerID
	submission.SubmittedAt = c.clk.Now()
	rec.review.Submissions = append(rec.review.Submissions, submission)

	quorum := len(rec.review.Submissions) == len(rec.selected)
	var snapshot types.Review
	if quorum {
		snapshot = c.finalizeLocked(rec, stateFromSubmissions(rec.review.Submissions))
	} else {
		snapshot = snapshotLocked(rec)
	}
	rec.mu.Unlock()

	c.logger.Debug("Review submission accepted",
		zap.String("review_id", reviewID),
		zap.String("reviewer_id", reviewerID),
		zap.Float64("score", submission.Score),
		zap.Bool("approved", submission.Approved),
		zap.Int("received", len(snapshot.Submissions)))

	if quorum {
		c.completed.Add(1)
		c.onTerminal(ctx, snapshot)
	}
	return snapshot, nil
}

// Status returns a snapshot of one review.
func (c *Coordinator) Status(reviewID string) (types.Review, error) {
	rec, err := c.record(reviewID)
	if err != nil {
		return types.Review{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return snapshotLocked(rec), nil
}

// Await blocks until the review reaches a terminal state or ctx is
// done, and returns the terminal snapshot.
func (c *Coordinator) Await(ctx context.Context, reviewID string) (types.Review, error) {
	rec, err := c.record(reviewID)
	if err != nil {
		return types.Review{}, err
	}

	select {
	case <-rec.done:
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return snapshotLocked(rec), nil
	case <-ctx.Done():
		return types.Review{}, types.WrapError(types.ErrTimeout, ctx.Err(), "awaiting review %s", reviewID)
	}
}

// ListFilter selects reviews from List.
type ListFilter struct {
	// State keeps only reviews in one lifecycle state.
	State types.ReviewState

	// Requester keeps only reviews asked for by one agent.
	Requester string
}

// List returns review snapshots matching the filter, newest first.
func (c *Coordinator) List(filter ListFilter) []types.Review {
	c.mu.RLock()
	records := make([]*reviewRecord, 0, len(c.reviews))
	for _, rec := range c.reviews {
		records = append(records, rec)
	}
	c.mu.RUnlock()

	out := make([]types.Review, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		snapshot := snapshotLocked(rec)
		rec.mu.Unlock()

		if filter.State != "" && snapshot.State != filter.State {
			continue
		}
		if filter.Requester != "" && snapshot.Requester != filter.Requester {
			continue
		}
		out = append(out, snapshot)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	return out
}

// Stats returns a snapshot of coordinator counters.
func (c *Coordinator) Stats() types.ReviewStats {
	active := 0
	c.mu.RLock()
	for _, rec := range c.reviews {
		rec.mu.Lock()
		if !rec.review.State.Terminal() {
			active++
		}
		rec.mu.Unlock()
	}
	c.mu.RUnlock()

	return types.ReviewStats{
		Requested:     c.requested.Load(),
		Completed:     c.completed.Load(),
		TimedOut:      c.timedOut.Load(),
		Approved:      c.approved.Load(),
		Rejected:      c.rejected.Load(),
		NeedsRevision: c.needsRevision.Load(),
		Active:        active,
	}
}

// Close stops the deadline sweeper. Pending reviews stay readable but
// no longer time out. Idempotent.
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)
	c.wg.Wait()
	c.logger.Info("Review coordinator closed")
	return nil
}

// ============================================================================
// Internals
// ============================================================================

func (c *Coordinator) record(reviewID string) (*reviewRecord, error) {
	c.mu.RLock()
	rec, ok := c.reviews[reviewID]
	c.mu.RUnlock()
	if !ok {
		return nil, types.NewNotFound("review %q not found", reviewID)
	}
	return rec, nil
}

// finalizeLocked computes the consensus fields from the submissions
// received so far and transitions the review to state. Called with
// rec.mu held; returns the terminal snapshot.
func (c *Coordinator) finalizeLocked(rec *reviewRecord, state types.ReviewState) types.Review {
	subs := rec.review.Submissions
	if len(subs) > 0 {
		minScore, maxScore, sum := subs[0].Score, subs[0].Score, 0.0
		approvals := 0
		for _, s := range subs {
			sum += s.Score
			if s.Score < minScore {
				minScore = s.Score
			}
			if s.Score > maxScore {
				maxScore = s.Score
			}
			if s.Approved {
				approvals++
			}
		}
		rec.review.OverallScore = sum / float64(len(subs))
		rec.review.ConsensusReached = maxScore-minScore <= consensusSpread
		rec.review.ApprovalRate = float64(approvals) / float64(len(subs))
	}

	rec.review.State = state
	rec.review.CompletedAt = c.clk.Now()
	close(rec.done)
	return snapshotLocked(rec)
}

// stateFromSubmissions maps the approval rate to a terminal state.
func stateFromSubmissions(subs []types.ReviewSubmission) types.ReviewState {
	approvals := 0
	for _, s := range subs {
		if s.Approved {
			approvals++
		}
	}
	rate := float64(approvals) / float64(len(subs))
	switch {
	case rate >= approvalThreshold:
		return types.ReviewApproved
	case rate <= rejectionCeiling:
		return types.ReviewRejected
	default:
		return types.ReviewNeedsRevision
	}
}

// onTerminal reports a finished review: outcome counters, a review
// score sample, and a result message back to the requester.
func (c *Coordinator) onTerminal(ctx context.Context, snapshot types.Review) {
	switch snapshot.State {
	case types.ReviewApproved:
		c.approved.Add(1)
	case types.ReviewRejected:
		c.rejected.Add(1)
	case types.ReviewNeedsRevision:
		c.needsRevision.Add(1)
	}

	c.tracer.RecordMetric(string(types.MetricReviewScore), snapshot.OverallScore, map[string]string{
		"state":     string(snapshot.State),
		"requester": snapshot.Requester,
	})

	result := &types.Message{
		Sender:    snapshot.Requester,
		Recipient: snapshot.Requester,
		Kind:      types.KindReviewResponse,
		Priority:  reviewRequestPriority,
		Payload: map[string]interface{}{
			"review_id":         snapshot.ID,
			"state":             string(snapshot.State),
			"overall_score":     snapshot.OverallScore,
			"consensus_reached": snapshot.ConsensusReached,
			"approval_rate":     snapshot.ApprovalRate,
			"submissions":       len(snapshot.Submissions),
		},
	}
	if err := c.bus.Send(ctx, result); err != nil {
		c.logger.Debug("Review result not delivered to requester",
			zap.String("review_id", snapshot.ID),
			zap.Error(err))
	}

	c.logger.Info("Review finished",
		zap.String("review_id", snapshot.ID),
		zap.String("state", string(snapshot.State)),
		zap.Float64("overall_score", snapshot.OverallScore),
		zap.Bool("consensus_reached", snapshot.ConsensusReached),
		zap.Float64("approval_rate", snapshot.ApprovalRate))
}

// sweepLoop times out pending reviews past their deadline.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepDeadlines()
		}
	}
}

func (c *Coordinator) sweepDeadlines() {
	now := c.clk.Now()

	c.mu.RLock()
	records := make([]*reviewRecord, 0, len(c.reviews))
	for _, rec := range c.reviews {
		records = append(records, rec)
	}
	c.mu.RUnlock()

	for _, rec := range records {
		rec.mu.Lock()
		if rec.review.State.Terminal() || !now.After(rec.review.Deadline) {
			rec.mu.Unlock()
			continue
		}
		snapshot := c.finalizeLocked(rec, types.ReviewTimedOut)
		rec.mu.Unlock()

		c.timedOut.Add(1)
		c.logger.Warn("Review timed out before quorum",
			zap.String("review_id", snapshot.ID),
			zap.Int("received", len(snapshot.Submissions)),
			zap.Int("required", len(snapshot.Reviewers)))
		c.onTerminal(context.Background(), snapshot)
	}
}

// snapshotLocked copies the review with its slices detached. Called
// with rec.mu held.
func snapshotLocked(rec *reviewRecord) types.Review {
	cp := rec.review
	cp.Criteria = append([]string(nil), rec.review.Criteria...)
	cp.Reviewers = append([]string(nil), rec.review.Reviewers...)
	cp.Submissions = append([]types.ReviewSubmission(nil), rec.review.Submissions...)
	return cp
}

// trimCriteria drops empty criteria and trims whitespace.
func trimCriteria(criteria []string) []string {
	out := make([]string, 0, len(criteria))
	for _, c := range criteria {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
