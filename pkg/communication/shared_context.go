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
package communication

import (
	"path"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/internal/csync"
	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/types"
)

// defaultSubscriberQueue bounds an asynchronous subscriber's pending
// events.
const defaultSubscriberQueue = 256

// ContextHandler receives one stored entry per invocation.
type ContextHandler func(entry types.ContextEntry)

// SubscriptionFilter selects which stores a subscriber sees. All set
// conditions must match.
type SubscriptionFilter struct {
	// ContextType matches metadata["context_type"] exactly.
	ContextType string

	// Metadata entries must all equal the stored entry's metadata.
	Metadata map[string]interface{}

	// KeyPattern, when set, is a glob the entry key must match.
	KeyPattern string
}

func (f SubscriptionFilter) matches(entry *types.ContextEntry) bool {
	if f.ContextType != "" {
		ct, _ := entry.Metadata["context_type"].(string)
		if ct != f.ContextType {
			return false
		}
	}
	if f.KeyPattern != "" {
		if ok, err := path.Match(f.KeyPattern, entry.Key); err != nil || !ok {
			return false
		}
	}
	for k, want := range f.Metadata {
		got, ok := entry.Metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// SubscribeOptions tunes one subscription. The zero value selects
// asynchronous delivery with the default queue size.
type SubscribeOptions struct {
	// Synchronous invokes the handler inline before Store returns.
	// Synchronous handlers must not call back into the context.
	Synchronous bool

	// QueueSize bounds the asynchronous event queue (default 256).
	QueueSize int
}

// ctxSubscription is one subscriber: its filter and, for asynchronous
// delivery, a bounded queue drained by a dedicated consumer goroutine
// so the subscriber observes events in store order.
type ctxSubscription struct {
	id          string
	filter      SubscriptionFilter
	handler     ContextHandler
	synchronous bool
	queue       chan types.ContextEntry
	stop        chan struct{}
}

// SharedContext is the workflow-scoped shared state: a versioned KV
// store with filtered change subscriptions and an append-only execution
// history. One instance exists per workflow, owned by its controller.
type SharedContext struct {
	workflowID string
	clk        clock.Clock
	logger     *zap.Logger

	mu      sync.RWMutex
	entries map[string]*types.ContextEntry
	subs    map[string]*ctxSubscription

	history *csync.Slice[types.ExecutionStep]

	sealed atomic.Bool
	wg     sync.WaitGroup

	stores  atomic.Int64
	reads   atomic.Int64
	dropped atomic.Int64
}

// NewSharedContext creates the shared context for one workflow. Nil
// arguments select defaults.
func NewSharedContext(workflowID string, clk clock.Clock, logger *zap.Logger) *SharedContext {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SharedContext{
		workflowID: workflowID,
		clk:        clk,
		logger:     logger.With(zap.String("workflow_id", workflowID)),
		entries:    make(map[string]*types.ContextEntry),
		subs:       make(map[string]*ctxSubscription),
		history:    csync.NewSlice[types.ExecutionStep](),
	}
}

// WorkflowID returns the owning workflow's ID.
func (sc *SharedContext) WorkflowID() string { return sc.workflowID }

// Store writes a key visible to all participants. Last write wins; the
// entry's version increments per key. The writing agent is taken from
// metadata["agent_id"]. Returns the stored entry snapshot.
func (sc *SharedContext) Store(key string, value interface{}, metadata map[string]interface{}) (types.ContextEntry, error) {
	if sc.sealed.Load() {
		return types.ContextEntry{}, types.NewValidation("shared context for workflow %q is sealed", sc.workflowID)
	}
	if key == "" {
		return types.ContextEntry{}, types.NewValidation("context key must not be empty")
	}

	updatedBy, _ := metadata["agent_id"].(string)
	now := sc.clk.Now()

	sc.mu.Lock()
	entry, ok := sc.entries[key]
	if !ok {
		entry = &types.ContextEntry{Key: key, CreatedAt: now}
		sc.entries[key] = entry
	}
	entry.Value = value
	entry.Metadata = metadata
	entry.Version++
	entry.UpdatedBy = updatedBy
	entry.UpdatedAt = now
	snapshot := *entry

	// Queue for asynchronous subscribers while still holding the
	// write lock: the per-subscriber consumer then sees stores in
	// the order they happened.
	var inline []*ctxSubscription
	for _, sub := range sc.subs {
		if !sub.filter.matches(&snapshot) {
			continue
		}
		if sub.synchronous {
			inline = append(inline, sub)
			continue
		}
		select {
		case sub.queue <- snapshot:
		default:
			sc.dropped.Add(1)
			sc.logger.Warn("Context subscriber queue full, dropping event",
				zap.String("subscription_id", sub.id),
				zap.String("key", key))
		}
	}
	sc.mu.Unlock()

	sc.stores.Add(1)
	for _, sub := range inline {
		sub.handler(snapshot)
	}
	return snapshot, nil
}

// Get reads one key.
func (sc *SharedContext) Get(key string) (types.ContextEntry, error) {
	sc.mu.RLock()
	entry, ok := sc.entries[key]
	var snapshot types.ContextEntry
	if ok {
		snapshot = *entry
	}
	sc.mu.RUnlock()

	sc.reads.Add(1)
	if !ok {
		return types.ContextEntry{}, types.NewNotFound("context key %q not found", key)
	}
	return snapshot, nil
}

// GetAll returns a snapshot of every entry keyed by entry key.
func (sc *SharedContext) GetAll() map[string]types.ContextEntry {
	sc.mu.RLock()
	out := make(map[string]types.ContextEntry, len(sc.entries))
	for k, e := range sc.entries {
		out[k] = *e
	}
	sc.mu.RUnlock()

	sc.reads.Add(1)
	return out
}

// Keys returns keys matching the glob pattern, sorted. An empty
// pattern matches everything.
func (sc *SharedContext) Keys(pattern string) []string {
	sc.mu.RLock()
	keys := make([]string, 0, len(sc.entries))
	for k := range sc.entries {
		if pattern != "" {
			if ok, err := path.Match(pattern, k); err != nil || !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sc.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Delete removes a key and reports whether it existed. Sealed contexts
// reject deletes like any other write.
func (sc *SharedContext) Delete(key string) (bool, error) {
	if sc.sealed.Load() {
		return false, types.NewValidation("shared context for workflow %q is sealed", sc.workflowID)
	}

	sc.mu.Lock()
	_, ok := sc.entries[key]
	delete(sc.entries, key)
	sc.mu.Unlock()
	return ok, nil
}

// Search returns entries whose metadata satisfies the filter, sorted
// by key.
func (sc *SharedContext) Search(filter SubscriptionFilter) []types.ContextEntry {
	sc.mu.RLock()
	var out []types.ContextEntry
	for _, e := range sc.entries {
		if filter.matches(e) {
			out = append(out, *e)
		}
	}
	sc.mu.RUnlock()

	sc.reads.Add(1)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Subscribe registers a handler for stores matching the filter and
// returns the subscription ID. Asynchronous subscribers (the default)
// get events through a bounded queue drained by one goroutine each, so
// they observe stores in order; a full queue drops the newest event.
func (sc *SharedContext) Subscribe(filter SubscriptionFilter, handler ContextHandler, opts *SubscribeOptions) (string, error) {
	if handler == nil {
		return "", types.NewValidation("subscription handler must not be nil")
	}
	if sc.sealed.Load() {
		return "", types.NewValidation("shared context for workflow %q is sealed", sc.workflowID)
	}

	o := SubscribeOptions{}
	if opts != nil {
		o = *opts
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultSubscriberQueue
	}

	sub := &ctxSubscription{
		id:          sc.clk.NewID("sub"),
		filter:      filter,
		handler:     handler,
		synchronous: o.Synchronous,
	}
	if !sub.synchronous {
		sub.queue = make(chan types.ContextEntry, o.QueueSize)
		sub.stop = make(chan struct{})
	}

	sc.mu.Lock()
	sc.subs[sub.id] = sub
	sc.mu.Unlock()

	if !sub.synchronous {
		sc.wg.Add(1)
		go sc.consume(sub)
	}

	sc.logger.Debug("Context subscription added",
		zap.String("subscription_id", sub.id),
		zap.String("context_type", filter.ContextType),
		zap.Bool("synchronous", sub.synchronous))
	return sub.id, nil
}

// consume drains one subscriber's queue until unsubscribed or sealed.
func (sc *SharedContext) consume(sub *ctxSubscription) {
	defer sc.wg.Done()
	for {
		select {
		case entry := <-sub.queue:
			sub.handler(entry)
		case <-sub.stop:
			// Drain what was queued before the stop so a sealed
			// context still delivers accepted events.
			for {
				select {
				case entry := <-sub.queue:
					sub.handler(entry)
				default:
					return
				}
			}
		}
	}
}

// Unsubscribe removes a subscription and stops its consumer.
func (sc *SharedContext) Unsubscribe(id string) error {
	sc.mu.Lock()
	sub, ok := sc.subs[id]
	if ok {
		delete(sc.subs, id)
	}
	sc.mu.Unlock()

	if !ok {
		return types.NewNotFound("subscription %q not found", id)
	}
	if !sub.synchronous {
		close(sub.stop)
	}
	return nil
}

// RecordStep appends one execution step to the workflow history.
// Missing IDs and timestamps are stamped.
func (sc *SharedContext) RecordStep(step types.ExecutionStep) error {
	if sc.sealed.Load() {
		return types.NewValidation("shared context for workflow %q is sealed", sc.workflowID)
	}
	if step.StepID == "" {
		step.StepID = sc.clk.NewID("step")
	}
	if step.StartedAt.IsZero() {
		step.StartedAt = sc.clk.Now()
	}
	if step.FinishedAt.IsZero() {
		step.FinishedAt = step.StartedAt
	}
	sc.history.Append(step)
	return nil
}

// ExecutionHistory returns a copy of the recorded steps in append
// order.
func (sc *SharedContext) ExecutionHistory() []types.ExecutionStep {
	return sc.history.Items()
}

// Seal freezes the context after workflow termination: reads keep
// working, writes fail with a validation error, and subscriptions are
// stopped after delivering what they already accepted. Idempotent.
func (sc *SharedContext) Seal() {
	if !sc.sealed.CompareAndSwap(false, true) {
		return
	}

	sc.mu.Lock()
	subs := sc.subs
	sc.subs = make(map[string]*ctxSubscription)
	sc.mu.Unlock()

	for _, sub := range subs {
		if !sub.synchronous {
			close(sub.stop)
		}
	}
	sc.wg.Wait()

	sc.logger.Info("Shared context sealed",
		zap.Int("subscriptions_closed", len(subs)))
}

// Sealed reports whether the context rejects writes.
func (sc *SharedContext) Sealed() bool { return sc.sealed.Load() }

// Stats returns a snapshot of the context's counters.
func (sc *SharedContext) Stats() types.ContextStats {
	sc.mu.RLock()
	keys := len(sc.entries)
	subscribers := len(sc.subs)
	sc.mu.RUnlock()

	return types.ContextStats{
		Keys:        keys,
		Subscribers: subscribers,
		Stores:      sc.stores.Load(),
		Reads:       sc.reads.Load(),
		Dropped:     sc.dropped.Load(),
		Steps:       sc.history.Len(),
		Sealed:      sc.sealed.Load(),
	}
}
