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

// Package communication provides the in-process coordination fabric
// for agents: an addressed message bus with request/response
// correlation and priority delivery, and a workflow-scoped shared
// context with filtered subscriptions.
package communication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/clock"
	"github.com/skeinworks/skein/pkg/observability"
	"github.com/skeinworks/skein/pkg/types"
)

// Handler processes one inbound message on the recipient's dispatcher
// goroutine. Returning an error (or panicking) is reported back to the
// sender as a negative response when the message requires one.
type Handler func(ctx context.Context, msg *types.Message) error

// OverflowPolicy decides what happens when an inbox is full.
type OverflowPolicy int

const (
	// DropOldest evicts the least urgent, oldest queued message to
	// make room. The eviction is counted and logged.
	DropOldest OverflowPolicy = iota

	// Reject refuses the new message with a capacity error.
	Reject
)

// BusConfig tunes the message bus. The zero value selects defaults.
type BusConfig struct {
	// InboxCapacity bounds each agent's pending messages (default 1000).
	InboxCapacity int

	// DefaultTimeout applies to requests sent without an explicit
	// timeout (default 30s).
	DefaultTimeout time.Duration

	// SweepInterval is the correlator sweeper tick (default 250ms,
	// never slower than 1s).
	SweepInterval time.Duration

	// HistoryCapacity bounds the delivery history ring (default 4096).
	HistoryCapacity int

	// ConversationTTL prunes conversations idle longer than this
	// (default 1h).
	ConversationTTL time.Duration

	// Overflow selects the inbox overflow policy (default DropOldest).
	Overflow OverflowPolicy
}

func (c *BusConfig) applyDefaults() {
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = 1000
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.SweepInterval <= 0 || c.SweepInterval > time.Second {
		c.SweepInterval = 250 * time.Millisecond
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = 4096
	}
	if c.ConversationTTL <= 0 {
		c.ConversationTTL = time.Hour
	}
}

// responseOutcome is what a ResponseFuture resolves to.
type responseOutcome struct {
	payload map[string]interface{}
	err     error
}

// ResponseFuture is the pending result of a request. It completes
// exactly once: with the response payload, a timeout, a capacity or
// routing failure, or bus shutdown.
type ResponseFuture struct {
	requestID string
	ch        chan responseOutcome
	done      atomic.Bool
}

func newResponseFuture(requestID string) *ResponseFuture {
	return &ResponseFuture{requestID: requestID, ch: make(chan responseOutcome, 1)}
}

// RequestID returns the ID of the request this future tracks.
func (f *ResponseFuture) RequestID() string { return f.requestID }

// complete resolves the future. Later calls are ignored.
func (f *ResponseFuture) complete(payload map[string]interface{}, err error) {
	if !f.done.CompareAndSwap(false, true) {
		return
	}
	f.ch <- responseOutcome{payload: payload, err: err}
}

// Await blocks until the response arrives or ctx is done. A negative
// response resolves with both the payload and a non-nil error.
func (f *ResponseFuture) Await(ctx context.Context) (map[string]interface{}, error) {
	select {
	case out := <-f.ch:
		return out.payload, out.err
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrTimeout, ctx.Err(), "awaiting response to %s", f.requestID)
	}
}

// correlator tracks one outstanding request until its response or
// deadline.
type correlator struct {
	future    *ResponseFuture
	requester string
	deadline  time.Time
}

// inboxItem is one queued message with its enqueue sequence.
type inboxItem struct {
	msg *types.Message
	seq int64
}

// registration is one agent's presence on the bus: identity, handler,
// and a priority-ordered inbox drained by a dedicated dispatcher
// goroutine.
type registration struct {
	mu      sync.Mutex
	info    types.AgentInfo
	handler Handler
	queue   []inboxItem

	// notify wakes the dispatcher after an enqueue. Capacity 1: a
	// pending wake-up covers any number of enqueues.
	notify chan struct{}
	stop   chan struct{}
}

// pop removes the most urgent item: lowest priority number first,
// enqueue order breaking ties. Returns false when the inbox is empty.
func (r *registration) pop() (inboxItem, Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.queue) == 0 {
		return inboxItem{}, nil, false
	}
	best := 0
	for i := 1; i < len(r.queue); i++ {
		ci, cb := r.queue[i], r.queue[best]
		if ci.msg.Priority < cb.msg.Priority ||
			(ci.msg.Priority == cb.msg.Priority && ci.seq < cb.seq) {
			best = i
		}
	}
	item := r.queue[best]
	r.queue = append(r.queue[:best], r.queue[best+1:]...)
	return item, r.handler, true
}

// MessageBus routes addressed and broadcast messages between
// registered agents. Delivery is asynchronous: each recipient has a
// bounded inbox ordered by (priority, enqueue time) and a single
// dispatcher goroutine, so messages between the same pair of agents at
// equal priority arrive in send order.
type MessageBus struct {
	config BusConfig
	clk    clock.Clock
	logger *zap.Logger
	tracer observability.Tracer

	mu     sync.RWMutex
	agents map[string]*registration

	corrMu      sync.Mutex
	correlators map[string]*correlator

	convMu        sync.Mutex
	conversations map[string]*types.Conversation

	histMu   sync.Mutex
	history  []*types.Message
	histNext int
	histFull bool

	enqueueSeq atomic.Int64

	baseCtx   context.Context
	cancelAll context.CancelFunc
	sweepDone chan struct{}
	closed    atomic.Bool
	wg        sync.WaitGroup

	// Statistics
	messagesSent      atomic.Int64
	messagesDelivered atomic.Int64
	messagesFailed    atomic.Int64
	responsesReceived atomic.Int64
	timeouts          atomic.Int64
	broadcasts        atomic.Int64
	dropped           atomic.Int64
	handlerFailures   atomic.Int64
	lateResponses     atomic.Int64
}

// NewMessageBus creates a bus and starts its timeout sweeper.
// Nil arguments select defaults.
func NewMessageBus(config *BusConfig, clk clock.Clock, tracer observability.Tracer, logger *zap.Logger) *MessageBus {
	cfg := BusConfig{}
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

	baseCtx, cancel := context.WithCancel(context.Background())
	b := &MessageBus{
		config:        cfg,
		clk:           clk,
		logger:        logger,
		tracer:        tracer,
		agents:        make(map[string]*registration),
		correlators:   make(map[string]*correlator),
		conversations: make(map[string]*types.Conversation),
		history:       make([]*types.Message, cfg.HistoryCapacity),
		baseCtx:       baseCtx,
		cancelAll:     cancel,
		sweepDone:     make(chan struct{}),
	}

	b.wg.Add(1)
	go b.sweepLoop()

	return b
}

// ============================================================================
// Registration
// ============================================================================

// Register adds an agent to the bus. Re-registering an existing agent
// replaces its handler and info while keeping queued messages.
func (b *MessageBus) Register(agentID string, handler Handler, info types.AgentInfo) error {
	if b.closed.Load() {
		return types.NewInternal("message bus is closed")
	}
	if agentID == "" {
		return types.NewValidation("agent ID must not be empty")
	}
	if handler == nil {
		return types.NewValidation("handler must not be nil")
	}

	info.ID = agentID
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = b.clk.Now()
	}

	b.mu.Lock()
	if existing, ok := b.agents[agentID]; ok {
		existing.mu.Lock()
		existing.handler = handler
		existing.info = info
		existing.mu.Unlock()
		b.mu.Unlock()
		b.logger.Debug("Agent re-registered", zap.String("agent_id", agentID))
		return nil
	}

	reg := &registration{
		info:    info,
		handler: handler,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	b.agents[agentID] = reg
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatchLoop(reg)

	b.logger.Info("Agent registered",
		zap.String("agent_id", agentID),
		zap.String("role", info.Role),
		zap.Strings("capabilities", info.Capabilities))
	return nil
}

// Unregister removes an agent. Queued inbound messages are discarded.
func (b *MessageBus) Unregister(agentID string) error {
	b.mu.Lock()
	reg, ok := b.agents[agentID]
	if ok {
		delete(b.agents, agentID)
	}
	b.mu.Unlock()

	if !ok {
		return types.NewNotFound("agent %q is not registered", agentID)
	}

	close(reg.stop)
	reg.mu.Lock()
	discarded := len(reg.queue)
	reg.queue = nil
	reg.mu.Unlock()

	b.logger.Info("Agent unregistered",
		zap.String("agent_id", agentID),
		zap.Int("discarded", discarded))
	return nil
}

// IsRegistered reports whether the agent is on the bus.
func (b *MessageBus) IsRegistered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.agents[agentID]
	return ok
}

// Agents returns every registered agent's info, sorted by ID.
func (b *MessageBus) Agents() []types.AgentInfo {
	b.mu.RLock()
	out := make([]types.AgentInfo, 0, len(b.agents))
	for _, reg := range b.agents {
		reg.mu.Lock()
		out = append(out, reg.info)
		reg.mu.Unlock()
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// Sending
// ============================================================================

// Send routes one message. The bus stamps missing fields (ID,
// timestamp, priority) in place. Sending to types.BroadcastRecipient
// fans out like Broadcast. RESPONSE messages answering a pending
// request complete its future instead of entering an inbox.
func (b *MessageBus) Send(ctx context.Context, msg *types.Message) error {
	if err := b.prepare(msg); err != nil {
		return err
	}

	if msg.Recipient == types.BroadcastRecipient {
		_, err := b.Broadcast(ctx, msg)
		return err
	}

	b.messagesSent.Add(1)
	b.recordHistory(msg)
	b.touchConversation(msg)

	// A response to a live request resolves the requester's future
	// directly; there is no inbox hop.
	if msg.Kind == types.KindResponse && msg.InReplyTo != "" {
		if b.completeRequest(msg) {
			return nil
		}
		b.lateResponses.Add(1)
		b.logger.Debug("Late response delivered as plain message",
			zap.String("in_reply_to", msg.InReplyTo),
			zap.String("sender", msg.Sender))
	}

	return b.enqueue(msg)
}

// Request sends a REQUEST and returns a future for its response. The
// future completes exactly once: response, timeout, failure, or bus
// shutdown. timeout <= 0 selects the configured default.
func (b *MessageBus) Request(ctx context.Context, msg *types.Message, timeout time.Duration) (*ResponseFuture, error) {
	if timeout <= 0 {
		timeout = b.config.DefaultTimeout
	}
	if msg != nil {
		if msg.Kind == "" {
			msg.Kind = types.KindRequest
		}
		msg.RequiresResponse = true
	}
	if err := b.prepare(msg); err != nil {
		return nil, err
	}
	if msg.Recipient == types.BroadcastRecipient {
		return nil, types.NewValidation("requests cannot be broadcast")
	}

	future := newResponseFuture(msg.ID)
	b.corrMu.Lock()
	b.correlators[msg.ID] = &correlator{
		future:    future,
		requester: msg.Sender,
		deadline:  b.clk.Now().Add(timeout),
	}
	b.corrMu.Unlock()

	b.messagesSent.Add(1)
	b.recordHistory(msg)
	b.touchConversation(msg)

	if err := b.enqueue(msg); err != nil {
		b.corrMu.Lock()
		delete(b.correlators, msg.ID)
		b.corrMu.Unlock()
		future.complete(nil, err)
		return nil, err
	}
	return future, nil
}

// Respond builds and sends the RESPONSE to a request. A false success
// resolves the requester's future with an error carrying the payload's
// error text.
func (b *MessageBus) Respond(ctx context.Context, original *types.Message, payload map[string]interface{}, success bool) error {
	if original == nil {
		return types.NewValidation("original message must not be nil")
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["success"] = success

	resp := &types.Message{
		Sender:         original.Recipient,
		Recipient:      original.Sender,
		Kind:           types.KindResponse,
		Payload:        payload,
		Priority:       original.Priority,
		ConversationID: original.ConversationID,
		InReplyTo:      original.ID,
	}
	return b.Send(ctx, resp)
}

// Broadcast delivers an independent copy of the message to every
// registered agent except the sender. Returns how many copies were
// enqueued; zero other agents is not an error.
func (b *MessageBus) Broadcast(ctx context.Context, msg *types.Message) (int, error) {
	if err := b.prepare(msg); err != nil {
		return 0, err
	}

	b.mu.RLock()
	recipients := make([]string, 0, len(b.agents))
	for id := range b.agents {
		if id == msg.Sender {
			continue
		}
		recipients = append(recipients, id)
	}
	b.mu.RUnlock()
	sort.Strings(recipients)

	b.broadcasts.Add(1)
	b.recordHistory(msg)
	b.touchConversation(msg)

	delivered := 0
	for _, id := range recipients {
		cp := *msg
		cp.Recipient = id
		if err := b.enqueue(&cp); err != nil {
			b.logger.Warn("Broadcast copy not delivered",
				zap.String("recipient", id),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			continue
		}
		b.messagesSent.Add(1)
		delivered++
	}

	b.logger.Debug("Broadcast complete",
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.Sender),
		zap.Int("delivered", delivered))
	return delivered, nil
}

// prepare validates the message and stamps missing fields.
func (b *MessageBus) prepare(msg *types.Message) error {
	if b.closed.Load() {
		return types.NewInternal("message bus is closed")
	}
	if msg == nil {
		return types.NewValidation("message must not be nil")
	}
	if msg.Sender == "" {
		return types.NewValidation("message sender must not be empty")
	}
	if msg.Recipient == "" {
		return types.NewValidation("message recipient must not be empty")
	}
	if !msg.Kind.IsValid() {
		return types.NewValidation("unknown message kind %q", msg.Kind)
	}

	msg.Priority = types.ClampPriority(msg.Priority)
	if msg.ID == "" {
		msg.ID = b.clk.NewID("msg")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.clk.Now()
	}
	return nil
}

// enqueue places the message into the recipient's inbox, applying the
// overflow policy, and wakes the dispatcher.
func (b *MessageBus) enqueue(msg *types.Message) error {
	b.mu.RLock()
	reg, ok := b.agents[msg.Recipient]
	b.mu.RUnlock()

	if !ok {
		b.messagesFailed.Add(1)
		return types.NewNotFound("recipient %q is not registered", msg.Recipient)
	}

	item := inboxItem{msg: msg, seq: b.enqueueSeq.Add(1)}

	reg.mu.Lock()
	if len(reg.queue) >= b.config.InboxCapacity {
		if b.config.Overflow == Reject {
			reg.mu.Unlock()
			b.messagesFailed.Add(1)
			return types.NewCapacity("inbox for %q is full (%d messages)", msg.Recipient, b.config.InboxCapacity)
		}
		victim := b.evictIndex(reg.queue, msg)
		if victim < 0 {
			// The incoming message is the least urgent: it is the drop.
			reg.mu.Unlock()
			b.dropped.Add(1)
			b.logger.Warn("Inbox full, dropping incoming message",
				zap.String("recipient", msg.Recipient),
				zap.String("message_id", msg.ID),
				zap.Int("priority", msg.Priority))
			return nil
		}
		evicted := reg.queue[victim]
		reg.queue = append(reg.queue[:victim], reg.queue[victim+1:]...)
		b.dropped.Add(1)
		b.logger.Warn("Inbox full, evicted oldest low-priority message",
			zap.String("recipient", msg.Recipient),
			zap.String("evicted_id", evicted.msg.ID),
			zap.Int("evicted_priority", evicted.msg.Priority))
	}
	reg.queue = append(reg.queue, item)
	reg.mu.Unlock()

	select {
	case reg.notify <- struct{}{}:
	default:
	}
	return nil
}

// evictIndex picks the victim for DropOldest: the numerically highest
// priority (least urgent), oldest first. Returns -1 when the incoming
// message is less urgent than everything queued.
func (b *MessageBus) evictIndex(queue []inboxItem, incoming *types.Message) int {
	victim := 0
	for i := 1; i < len(queue); i++ {
		ci, cv := queue[i], queue[victim]
		if ci.msg.Priority > cv.msg.Priority ||
			(ci.msg.Priority == cv.msg.Priority && ci.seq < cv.seq) {
			victim = i
		}
	}
	if queue[victim].msg.Priority < incoming.Priority {
		return -1
	}
	return victim
}

// completeRequest resolves the correlator for a response, if it is
// still pending. Reports whether a future was completed.
func (b *MessageBus) completeRequest(resp *types.Message) bool {
	b.corrMu.Lock()
	corr, ok := b.correlators[resp.InReplyTo]
	if ok {
		delete(b.correlators, resp.InReplyTo)
	}
	b.corrMu.Unlock()

	if !ok {
		return false
	}

	var err error
	if success, has := resp.Payload["success"].(bool); has && !success {
		errText, _ := resp.Payload["error"].(string)
		if errText == "" {
			errText = "request rejected by recipient"
		}
		err = types.NewInternal("%s", errText)
	}
	corr.future.complete(resp.Payload, err)
	b.responsesReceived.Add(1)
	return true
}

// ============================================================================
// Dispatch
// ============================================================================

// dispatchLoop drains one agent's inbox in priority order until the
// agent unregisters or the bus closes.
func (b *MessageBus) dispatchLoop(reg *registration) {
	defer b.wg.Done()

	for {
		select {
		case <-reg.stop:
			return
		case <-b.baseCtx.Done():
			return
		case <-reg.notify:
			for {
				item, handler, ok := reg.pop()
				if !ok {
					break
				}
				b.deliver(reg, handler, item.msg)
			}
		}
	}
}

// deliver invokes the handler, converting errors and panics into
// negative responses when the sender expects one.
func (b *MessageBus) deliver(reg *registration, handler Handler, msg *types.Message) {
	b.messagesDelivered.Add(1)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		err = handler(b.baseCtx, msg)
	}()

	if err == nil {
		return
	}

	b.handlerFailures.Add(1)
	b.logger.Warn("Message handler failed",
		zap.String("agent_id", reg.info.ID),
		zap.String("message_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.Error(err))
	b.tracer.RecordEvent(b.baseCtx, "bus.handler_failure", map[string]interface{}{
		observability.AttrAgentID:   reg.info.ID,
		observability.AttrMessageID: msg.ID,
		observability.AttrKind:      string(msg.Kind),
	})

	if msg.RequiresResponse {
		nack := &types.Message{
			Sender:         msg.Recipient,
			Recipient:      msg.Sender,
			Kind:           types.KindResponse,
			Priority:       msg.Priority,
			ConversationID: msg.ConversationID,
			InReplyTo:      msg.ID,
			Payload: map[string]interface{}{
				"success": false,
				"error":   err.Error(),
			},
		}
		if serr := b.Send(b.baseCtx, nack); serr != nil {
			b.logger.Warn("Failed to send negative response",
				zap.String("original_id", msg.ID),
				zap.Error(serr))
		}
	}
}

// ============================================================================
// Sweeper
// ============================================================================

// sweepLoop expires request correlators past their deadline and prunes
// idle conversations. A single sweeper serves the whole bus.
func (b *MessageBus) sweepLoop() {
	defer b.wg.Done()
	defer close(b.sweepDone)

	ticker := time.NewTicker(b.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.baseCtx.Done():
			return
		case <-ticker.C:
			b.sweepCorrelators()
			b.pruneConversations()
		}
	}
}

func (b *MessageBus) sweepCorrelators() {
	now := b.clk.Now()

	b.corrMu.Lock()
	var expired []*correlator
	var ids []string
	for id, corr := range b.correlators {
		if now.After(corr.deadline) {
			expired = append(expired, corr)
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(b.correlators, id)
	}
	b.corrMu.Unlock()

	for i, corr := range expired {
		b.timeouts.Add(1)
		corr.future.complete(nil, types.NewTimeout("no response to %s before deadline", ids[i]))
		b.tracer.RecordMetric("bus.request_timeouts", 1, map[string]string{"requester": corr.requester})
		b.logger.Debug("Request timed out",
			zap.String("message_id", ids[i]),
			zap.String("requester", corr.requester))
	}
}

func (b *MessageBus) pruneConversations() {
	cutoff := b.clk.Now().Add(-b.config.ConversationTTL)

	b.convMu.Lock()
	for id, conv := range b.conversations {
		if conv.LastActivity.Before(cutoff) {
			delete(b.conversations, id)
		}
	}
	b.convMu.Unlock()
}

// ============================================================================
// Conversations and history
// ============================================================================

// touchConversation updates the conversation tracked for the message,
// creating it on first sight.
func (b *MessageBus) touchConversation(msg *types.Message) {
	if msg.ConversationID == "" {
		return
	}

	b.convMu.Lock()
	defer b.convMu.Unlock()

	conv, ok := b.conversations[msg.ConversationID]
	if !ok {
		conv = &types.Conversation{
			ID:        msg.ConversationID,
			StartedAt: msg.Timestamp,
		}
		b.conversations[msg.ConversationID] = conv
	}
	conv.MessageCount++
	conv.LastActivity = msg.Timestamp
	conv.Participants = addParticipant(conv.Participants, msg.Sender)
	if msg.Recipient != types.BroadcastRecipient {
		conv.Participants = addParticipant(conv.Participants, msg.Recipient)
	}
}

func addParticipant(list []string, id string) []string {
	for _, p := range list {
		if p == id {
			return list
		}
	}
	return append(list, id)
}

// Conversation returns a snapshot of one conversation.
func (b *MessageBus) Conversation(id string) (*types.Conversation, error) {
	b.convMu.Lock()
	defer b.convMu.Unlock()

	conv, ok := b.conversations[id]
	if !ok {
		return nil, types.NewNotFound("conversation %q not found", id)
	}
	cp := *conv
	cp.Participants = append([]string(nil), conv.Participants...)
	return &cp, nil
}

// recordHistory appends the message to the bounded history ring.
func (b *MessageBus) recordHistory(msg *types.Message) {
	cp := *msg

	b.histMu.Lock()
	b.history[b.histNext] = &cp
	b.histNext++
	if b.histNext == len(b.history) {
		b.histNext = 0
		b.histFull = true
	}
	b.histMu.Unlock()
}

// HistoryFilter selects messages from the bus history.
type HistoryFilter struct {
	// ConversationID keeps only messages of one conversation.
	ConversationID string

	// AgentID keeps messages the agent sent or received.
	AgentID string

	// Kind keeps only one message kind.
	Kind types.MessageKind

	// Limit caps the result count, newest first. <= 0 means 100.
	Limit int
}

// History returns recent messages matching the filter, newest first.
func (b *MessageBus) History(filter HistoryFilter) []types.Message {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	b.histMu.Lock()
	defer b.histMu.Unlock()

	size := b.histNext
	if b.histFull {
		size = len(b.history)
	}

	out := make([]types.Message, 0, filter.Limit)
	for i := 0; i < size && len(out) < filter.Limit; i++ {
		// Walk backward from the most recent slot.
		idx := (b.histNext - 1 - i + len(b.history)) % len(b.history)
		msg := b.history[idx]
		if msg == nil {
			break
		}
		if filter.ConversationID != "" && msg.ConversationID != filter.ConversationID {
			continue
		}
		if filter.AgentID != "" && msg.Sender != filter.AgentID && msg.Recipient != filter.AgentID {
			continue
		}
		if filter.Kind != "" && msg.Kind != filter.Kind {
			continue
		}
		out = append(out, *msg)
	}
	return out
}

// ============================================================================
// Statistics and lifecycle
// ============================================================================

// Stats returns a snapshot of bus counters and gauges.
func (b *MessageBus) Stats() types.BusStats {
	b.mu.RLock()
	registered := len(b.agents)
	b.mu.RUnlock()

	b.corrMu.Lock()
	pending := len(b.correlators)
	b.corrMu.Unlock()

	b.convMu.Lock()
	active := len(b.conversations)
	b.convMu.Unlock()

	return types.BusStats{
		MessagesSent:        b.messagesSent.Load(),
		MessagesDelivered:   b.messagesDelivered.Load(),
		MessagesFailed:      b.messagesFailed.Load(),
		ResponsesReceived:   b.responsesReceived.Load(),
		Timeouts:            b.timeouts.Load(),
		Broadcasts:          b.broadcasts.Load(),
		Dropped:             b.dropped.Load(),
		HandlerFailures:     b.handlerFailures.Load(),
		LateResponses:       b.lateResponses.Load(),
		RegisteredAgents:    registered,
		PendingResponses:    pending,
		ActiveConversations: active,
	}
}

// Close shuts the bus down: dispatchers stop, pending futures fail,
// agents are unregistered. Idempotent.
func (b *MessageBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.cancelAll()
	b.wg.Wait()

	b.corrMu.Lock()
	pending := b.correlators
	b.correlators = make(map[string]*correlator)
	b.corrMu.Unlock()

	for id, corr := range pending {
		corr.future.complete(nil, types.NewTimeout("message bus closed while awaiting response to %s", id))
	}

	b.mu.Lock()
	n := len(b.agents)
	b.agents = make(map[string]*registration)
	b.mu.Unlock()

	b.logger.Info("Message bus closed",
		zap.Int("agents", n),
		zap.Int("pending_responses", len(pending)))
	return nil
}
