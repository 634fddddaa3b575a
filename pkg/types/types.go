// Copyright 2026 Skeinworks
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types contains shared types used across the skein runtime.
// This package breaks import cycles by providing common types that the
// communication, knowledge, review, metrics, and orchestration packages
// all depend on.
package types

import (
	"sort"
	"strings"
	"time"
)

// ============================================================================
// Message Types
// ============================================================================

// MessageKind classifies a bus message.
type MessageKind string

const (
	// KindRequest expects a correlated response from the recipient.
	KindRequest MessageKind = "REQUEST"

	// KindResponse answers a prior REQUEST; InReplyTo carries the request ID.
	KindResponse MessageKind = "RESPONSE"

	// KindNotification is a one-way informational message.
	KindNotification MessageKind = "NOTIFICATION"

	// KindDiscovery shares a finding with one or all agents.
	KindDiscovery MessageKind = "DISCOVERY"

	// KindReviewRequest asks the recipient to review content.
	KindReviewRequest MessageKind = "REVIEW_REQUEST"

	// KindReviewResponse returns a review outcome to the requester.
	KindReviewResponse MessageKind = "REVIEW_RESPONSE"

	// KindStatusUpdate announces an agent's availability state.
	KindStatusUpdate MessageKind = "STATUS_UPDATE"

	// KindTaskAssignment hands a workflow step to an agent.
	KindTaskAssignment MessageKind = "TASK_ASSIGNMENT"

	// KindTaskCompletion reports the outcome of an assigned task.
	KindTaskCompletion MessageKind = "TASK_COMPLETION"

	// KindError reports a failure outside a request/response exchange.
	KindError MessageKind = "ERROR"

	// KindUpdate carries incremental progress on long-running work.
	KindUpdate MessageKind = "UPDATE"
)

// messageKinds is the closed set accepted by message validation.
var messageKinds = map[MessageKind]struct{}{
	KindRequest:        {},
	KindResponse:       {},
	KindNotification:   {},
	KindDiscovery:      {},
	KindReviewRequest:  {},
	KindReviewResponse: {},
	KindStatusUpdate:   {},
	KindTaskAssignment: {},
	KindTaskCompletion: {},
	KindError:          {},
	KindUpdate:         {},
}

// IsValid reports whether k is one of the defined message kinds.
func (k MessageKind) IsValid() bool {
	_, ok := messageKinds[k]
	return ok
}

// String returns the wire name of the kind.
func (k MessageKind) String() string { return string(k) }

// Message priorities. Lower is more urgent.
const (
	// PriorityHighest is dispatched before everything else.
	PriorityHighest = 1

	// PriorityDefault is assigned when a message carries no priority.
	PriorityDefault = 5

	// PriorityLowest is dispatched last.
	PriorityLowest = 10
)

// BroadcastRecipient addresses a message to every registered agent
// except the sender.
const BroadcastRecipient = "all"

// Message is the unit of communication between agents.
type Message struct {
	// ID uniquely identifies the message. Assigned by the bus when empty.
	ID string `json:"id"`

	// Sender is the agent ID of the originator.
	Sender string `json:"sender"`

	// Recipient is the target agent ID, or BroadcastRecipient.
	Recipient string `json:"recipient"`

	// Kind classifies the message.
	Kind MessageKind `json:"kind"`

	// Payload carries the structured message body.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Priority orders delivery, 1 (highest) through 10 (lowest).
	Priority int `json:"priority"`

	// ConversationID groups messages belonging to one exchange.
	ConversationID string `json:"conversation_id,omitempty"`

	// RequiresResponse marks a REQUEST that expects a correlated RESPONSE.
	RequiresResponse bool `json:"requires_response,omitempty"`

	// InReplyTo carries the ID of the request a RESPONSE answers.
	InReplyTo string `json:"in_reply_to,omitempty"`

	// Timestamp is when the bus accepted the message.
	Timestamp time.Time `json:"timestamp"`
}

// ClampPriority folds an out-of-range priority back into [1, 10].
// Zero (unset) becomes PriorityDefault.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return PriorityDefault
	case p < PriorityHighest:
		return PriorityHighest
	case p > PriorityLowest:
		return PriorityLowest
	default:
		return p
	}
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	// ID is the agent's unique identifier on the bus.
	ID string `json:"id"`

	// Name is a human-readable display name.
	Name string `json:"name,omitempty"`

	// Role describes the agent's function within workflows.
	Role string `json:"role,omitempty"`

	// Capabilities advertise what the agent can do. Consumed by the
	// review coordinator when selecting reviewers.
	Capabilities []string `json:"capabilities,omitempty"`

	// Metadata carries arbitrary registration attributes.
	Metadata map[string]string `json:"metadata,omitempty"`

	// RegisteredAt is when the agent joined the bus.
	RegisteredAt time.Time `json:"registered_at"`
}

// HasCapability reports whether the agent advertises the capability,
// ignoring case.
func (a AgentInfo) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// Conversation tracks an ongoing exchange between agents.
type Conversation struct {
	// ID is the conversation identifier shared by its messages.
	ID string `json:"id"`

	// Participants are the agent IDs seen on the conversation.
	Participants []string `json:"participants"`

	// MessageCount is the number of messages exchanged so far.
	MessageCount int `json:"message_count"`

	// StartedAt is when the first message was sent.
	StartedAt time.Time `json:"started_at"`

	// LastActivity is when the most recent message was sent.
	LastActivity time.Time `json:"last_activity"`
}

// BusStats is a point-in-time snapshot of message bus counters.
type BusStats struct {
	// MessagesSent counts messages accepted by Send and Broadcast.
	MessagesSent int64 `json:"messages_sent"`

	// MessagesDelivered counts handler invocations that were attempted.
	MessagesDelivered int64 `json:"messages_delivered"`

	// MessagesFailed counts messages that could not be delivered.
	MessagesFailed int64 `json:"messages_failed"`

	// ResponsesReceived counts RESPONSEs that completed a pending request.
	ResponsesReceived int64 `json:"responses_received"`

	// Timeouts counts request futures expired by the sweeper.
	Timeouts int64 `json:"timeouts"`

	// Broadcasts counts Broadcast calls.
	Broadcasts int64 `json:"broadcasts"`

	// Dropped counts messages evicted by inbox overflow.
	Dropped int64 `json:"dropped"`

	// HandlerFailures counts handler errors and panics.
	HandlerFailures int64 `json:"handler_failures"`

	// LateResponses counts RESPONSEs that arrived after their
	// correlator expired and were delivered as plain messages.
	LateResponses int64 `json:"late_responses"`

	// RegisteredAgents is the current number of registered agents.
	RegisteredAgents int `json:"registered_agents"`

	// PendingResponses is the current number of outstanding request futures.
	PendingResponses int `json:"pending_responses"`

	// ActiveConversations is the current number of tracked conversations.
	ActiveConversations int `json:"active_conversations"`
}

// ============================================================================
// Shared Context Types
// ============================================================================

// ContextEntry is one key's state in a workflow's shared context.
type ContextEntry struct {
	// Key identifies the entry within the workflow.
	Key string `json:"key"`

	// Value is the stored payload.
	Value interface{} `json:"value"`

	// Metadata carries attributes used by subscription filters,
	// including context_type and agent_id.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Version increments on every store to the same key, starting at 1.
	Version int64 `json:"version"`

	// UpdatedBy is the agent ID taken from metadata, when present.
	UpdatedBy string `json:"updated_by,omitempty"`

	// CreatedAt is when the key was first stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the key was last stored.
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionStep is one entry in a workflow's execution history.
type ExecutionStep struct {
	// StepID identifies the step.
	StepID string `json:"step_id"`

	// AgentID is the agent that executed the step.
	AgentID string `json:"agent_id"`

	// Action describes what was attempted.
	Action string `json:"action"`

	// Outcome summarizes the result ("completed", "failed", ...).
	Outcome string `json:"outcome"`

	// Detail carries step-specific data.
	Detail map[string]interface{} `json:"detail,omitempty"`

	// StartedAt is when the step began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the step ended.
	FinishedAt time.Time `json:"finished_at"`
}

// ContextStats is a snapshot of shared context counters.
type ContextStats struct {
	// Keys is the current number of stored keys.
	Keys int `json:"keys"`

	// Subscribers is the current number of active subscriptions.
	Subscribers int `json:"subscribers"`

	// Stores counts successful store operations.
	Stores int64 `json:"stores"`

	// Reads counts Get and GetAll operations.
	Reads int64 `json:"reads"`

	// Dropped counts events discarded by full subscriber queues.
	Dropped int64 `json:"dropped"`

	// Steps is the execution history length.
	Steps int `json:"steps"`

	// Sealed reports whether the context rejects new writes.
	Sealed bool `json:"sealed"`
}

// ============================================================================
// Local Memory Types
// ============================================================================

// MemoryEntry is one key/value pair in an agent's private memory.
type MemoryEntry struct {
	// Key identifies the entry.
	Key string `json:"key"`

	// Value is the stored payload.
	Value interface{} `json:"value"`

	// Metadata carries arbitrary attributes.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// StoredAt is when the entry was last written.
	StoredAt time.Time `json:"stored_at"`
}

// Finding is an observation an agent recorded during its work.
type Finding struct {
	// ID identifies the finding.
	ID string `json:"id"`

	// AgentID is the recording agent.
	AgentID string `json:"agent_id"`

	// FindingType groups related findings ("insight", "blocker", ...).
	FindingType string `json:"finding_type"`

	// Content is the finding body.
	Content map[string]interface{} `json:"content"`

	// Confidence expresses how certain the agent is, in [0, 1].
	Confidence float64 `json:"confidence"`

	// RecordedAt is when the finding was captured.
	RecordedAt time.Time `json:"recorded_at"`
}

// MemoryStats is a snapshot of a local memory's counters.
type MemoryStats struct {
	// Entries is the current number of stored keys.
	Entries int `json:"entries"`

	// Findings is the number of recorded findings.
	Findings int `json:"findings"`

	// Stores counts store operations.
	Stores int64 `json:"stores"`

	// Retrievals counts retrieve operations.
	Retrievals int64 `json:"retrievals"`

	// Deletes counts delete operations.
	Deletes int64 `json:"deletes"`
}

// ============================================================================
// Knowledge Types
// ============================================================================

// KnowledgeType partitions the knowledge store into collections.
type KnowledgeType string

const (
	// KnowledgeLearnedPattern holds approaches that worked.
	KnowledgeLearnedPattern KnowledgeType = "LEARNED_PATTERN"

	// KnowledgeUserPreference holds observed user preferences.
	KnowledgeUserPreference KnowledgeType = "USER_PREFERENCE"

	// KnowledgeDomainKnowledge holds facts about the problem domain.
	KnowledgeDomainKnowledge KnowledgeType = "DOMAIN_KNOWLEDGE"

	// KnowledgeFailurePattern holds approaches that failed.
	KnowledgeFailurePattern KnowledgeType = "FAILURE_PATTERN"

	// KnowledgeWorkflowTemplate holds reusable workflow shapes.
	KnowledgeWorkflowTemplate KnowledgeType = "WORKFLOW_TEMPLATE"

	// KnowledgeAgentBehavior holds observations about agent behavior.
	KnowledgeAgentBehavior KnowledgeType = "AGENT_BEHAVIOR"
)

// AllKnowledgeTypes lists every collection the store manages, in a
// stable order.
func AllKnowledgeTypes() []KnowledgeType {
	return []KnowledgeType{
		KnowledgeLearnedPattern,
		KnowledgeUserPreference,
		KnowledgeDomainKnowledge,
		KnowledgeFailurePattern,
		KnowledgeWorkflowTemplate,
		KnowledgeAgentBehavior,
	}
}

// IsValid reports whether t is one of the defined knowledge types.
func (t KnowledgeType) IsValid() bool {
	for _, kt := range AllKnowledgeTypes() {
		if t == kt {
			return true
		}
	}
	return false
}

// String returns the wire name of the knowledge type.
func (t KnowledgeType) String() string { return string(t) }

// ParseKnowledgeType resolves s to a knowledge type, accepting any case.
func ParseKnowledgeType(s string) (KnowledgeType, bool) {
	t := KnowledgeType(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.IsValid()
}

// KnowledgeEntry is one versioned record in a vector collection.
type KnowledgeEntry struct {
	// Key identifies the entry within its collection.
	Key string `json:"key"`

	// Type is the collection the entry belongs to.
	Type KnowledgeType `json:"type"`

	// Value is the stored payload.
	Value interface{} `json:"value"`

	// Metadata carries attributes used by query filters.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// Version increments on every put to the same key, starting at 1.
	Version int64 `json:"version"`

	// Degraded marks entries stored with a zero embedding after an
	// embedding failure. They are retained but never match queries.
	Degraded bool `json:"degraded,omitempty"`

	// CreatedAt is when this version was stored.
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult pairs a knowledge entry with its query similarity.
type SearchResult struct {
	// Entry is the matching knowledge entry (latest version).
	Entry KnowledgeEntry `json:"entry"`

	// Similarity is the cosine similarity to the query, in [0, 1].
	Similarity float64 `json:"similarity"`
}

// KnowledgeDump is a portable snapshot of the whole store.
type KnowledgeDump struct {
	// ExportedAt is when the dump was taken.
	ExportedAt time.Time `json:"exported_at"`

	// EmbedderName identifies the embedding model used at export time.
	EmbedderName string `json:"embedder_name"`

	// Entries holds the latest version of every key across collections.
	Entries []KnowledgeEntry `json:"entries"`
}

// CollectionStats is a snapshot of one vector collection's counters.
type CollectionStats struct {
	// Type is the collection's knowledge type.
	Type KnowledgeType `json:"type"`

	// Keys is the number of live keys.
	Keys int `json:"keys"`

	// Versions is the total number of retained versions.
	Versions int `json:"versions"`

	// DegradedEntries counts entries stored with zero embeddings.
	DegradedEntries int `json:"degraded_entries"`

	// Degraded reports whether the collection runs without persistence
	// after a load or write failure.
	Degraded bool `json:"degraded"`

	// DegradedReason explains the degraded state when set.
	DegradedReason string `json:"degraded_reason,omitempty"`

	// PersistFailures counts writes that could not be persisted.
	PersistFailures int64 `json:"persist_failures"`
}

// StoreStats is a snapshot of the knowledge store's counters.
type StoreStats struct {
	// Collections maps each open collection to its stats.
	Collections map[KnowledgeType]CollectionStats `json:"collections"`

	// TotalKeys sums live keys across collections.
	TotalKeys int `json:"total_keys"`

	// Stores counts Store operations.
	Stores int64 `json:"stores"`

	// Searches counts Search operations.
	Searches int64 `json:"searches"`

	// Hits counts search results returned.
	Hits int64 `json:"hits"`
}

// ============================================================================
// Review Types
// ============================================================================

// ReviewState is the lifecycle state of a peer review.
type ReviewState string

const (
	// ReviewPending is the initial state while submissions arrive.
	ReviewPending ReviewState = "PENDING"

	// ReviewApproved means the approval rate reached the threshold.
	ReviewApproved ReviewState = "APPROVED"

	// ReviewRejected means the approval rate fell below the floor.
	ReviewRejected ReviewState = "REJECTED"

	// ReviewNeedsRevision means the outcome was mixed.
	ReviewNeedsRevision ReviewState = "NEEDS_REVISION"

	// ReviewTimedOut means the deadline passed before quorum.
	ReviewTimedOut ReviewState = "TIMED_OUT"
)

// Terminal reports whether the state accepts no further submissions.
func (s ReviewState) Terminal() bool { return s != ReviewPending }

// ReviewSubmission is one reviewer's verdict.
type ReviewSubmission struct {
	// ReviewerID is the submitting agent.
	ReviewerID string `json:"reviewer_id"`

	// Score grades the content, in [0, 1].
	Score float64 `json:"score"`

	// Approved is the reviewer's binary verdict.
	Approved bool `json:"approved"`

	// Suggestions carries improvement notes.
	Suggestions []string `json:"suggestions,omitempty"`

	// SubmittedAt is when the coordinator accepted the submission.
	SubmittedAt time.Time `json:"submitted_at"`
}

// Review is a point-in-time snapshot of one peer review.
type Review struct {
	// ID identifies the review.
	ID string `json:"id"`

	// Requester is the agent that asked for the review.
	Requester string `json:"requester"`

	// Content is the material under review.
	Content interface{} `json:"content"`

	// Criteria are the aspects reviewers grade against.
	Criteria []string `json:"criteria"`

	// Reviewers are the selected reviewer agent IDs.
	Reviewers []string `json:"reviewers"`

	// Submissions are the verdicts received so far, in arrival order.
	Submissions []ReviewSubmission `json:"submissions"`

	// State is the review lifecycle state.
	State ReviewState `json:"state"`

	// OverallScore is the mean submission score, set on completion.
	OverallScore float64 `json:"overall_score"`

	// ConsensusReached is true when the score spread is at most 0.3.
	ConsensusReached bool `json:"consensus_reached"`

	// ApprovalRate is approvals divided by submissions.
	ApprovalRate float64 `json:"approval_rate"`

	// Deadline is when the review times out.
	Deadline time.Time `json:"deadline"`

	// RequestedAt is when the review was created.
	RequestedAt time.Time `json:"requested_at"`

	// CompletedAt is when the review reached a terminal state.
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// ReviewStats is a snapshot of review coordinator counters.
type ReviewStats struct {
	// Requested counts reviews created.
	Requested int64 `json:"requested"`

	// Completed counts reviews that reached quorum.
	Completed int64 `json:"completed"`

	// TimedOut counts reviews expired by the deadline sweeper.
	TimedOut int64 `json:"timed_out"`

	// Approved, Rejected and NeedsRevision count terminal outcomes.
	Approved      int64 `json:"approved"`
	Rejected      int64 `json:"rejected"`
	NeedsRevision int64 `json:"needs_revision"`

	// Active is the current number of pending reviews.
	Active int `json:"active"`
}

// ============================================================================
// Metric Types
// ============================================================================

// MetricKind names a metric series. The set is open: any non-empty
// string records, the constants cover the kinds the runtime emits.
type MetricKind string

const (
	MetricCPUUsage         MetricKind = "CPU_USAGE"
	MetricMemoryUsage      MetricKind = "MEMORY_USAGE"
	MetricResponseTime     MetricKind = "RESPONSE_TIME"
	MetricErrorRate        MetricKind = "ERROR_RATE"
	MetricSuccessRate      MetricKind = "SUCCESS_RATE"
	MetricThroughput       MetricKind = "THROUGHPUT"
	MetricQueueDepth       MetricKind = "QUEUE_DEPTH"
	MetricMessageLatency   MetricKind = "MESSAGE_LATENCY"
	MetricWorkflowDuration MetricKind = "WORKFLOW_DURATION"
	MetricAgentUtilization MetricKind = "AGENT_UTILIZATION"
	MetricReviewScore      MetricKind = "REVIEW_SCORE"
	MetricKnowledgeHits    MetricKind = "KNOWLEDGE_HITS"
	MetricCustom           MetricKind = "CUSTOM"
)

// MetricPoint is one recorded sample.
type MetricPoint struct {
	// Kind names the series.
	Kind MetricKind `json:"kind"`

	// Value is the sample value.
	Value float64 `json:"value"`

	// Tags qualify the sample. Part of the stream key.
	Tags map[string]string `json:"tags,omitempty"`

	// AgentID attributes the sample to an agent, when known.
	AgentID string `json:"agent_id,omitempty"`

	// WorkflowID attributes the sample to a workflow, when known.
	WorkflowID string `json:"workflow_id,omitempty"`

	// Anomaly marks samples that failed the baseline check.
	Anomaly bool `json:"anomaly,omitempty"`

	// Timestamp is when the sample was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// StreamKey returns the canonical series identity: kind plus sorted
// tag pairs.
func (p MetricPoint) StreamKey() string {
	return StreamKey(p.Kind, p.Tags)
}

// StreamKey builds the canonical series key for a kind and tag set.
func StreamKey(kind MetricKind, tags map[string]string) string {
	if len(tags) == 0 {
		return string(kind)
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(string(kind))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// Aggregation names a reduction over a metric window.
type Aggregation string

const (
	AggAvg   Aggregation = "AVG"
	AggSum   Aggregation = "SUM"
	AggMin   Aggregation = "MIN"
	AggMax   Aggregation = "MAX"
	AggP50   Aggregation = "P50"
	AggP95   Aggregation = "P95"
	AggP99   Aggregation = "P99"
	AggRate  Aggregation = "RATE"
	AggCount Aggregation = "COUNT"
)

// IsValid reports whether a is a defined aggregation.
func (a Aggregation) IsValid() bool {
	switch a {
	case AggAvg, AggSum, AggMin, AggMax, AggP50, AggP95, AggP99, AggRate, AggCount:
		return true
	}
	return false
}

// AggregatedMetric is the result of one aggregation.
type AggregatedMetric struct {
	// Kind is the aggregated series.
	Kind MetricKind `json:"kind"`

	// Aggregation is the reduction applied.
	Aggregation Aggregation `json:"aggregation"`

	// Value is the reduction result. Zero when the window was empty.
	Value float64 `json:"value"`

	// SampleCount is the number of points in the window.
	SampleCount int `json:"sample_count"`

	// WindowStart and WindowEnd bound the aggregated interval.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// Tags are the filter tags the aggregation was computed under.
	Tags map[string]string `json:"tags,omitempty"`
}

// TrendDirection classifies a series' slope over a window.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "INCREASING"
	TrendDecreasing TrendDirection = "DECREASING"
	TrendStable     TrendDirection = "STABLE"
	TrendUnknown    TrendDirection = "UNKNOWN"
)

// MetricTrend describes a series' movement over a window.
type MetricTrend struct {
	// Kind is the analyzed series.
	Kind MetricKind `json:"kind"`

	// Direction classifies the slope.
	Direction TrendDirection `json:"direction"`

	// Slope is the least-squares slope over bucket means.
	Slope float64 `json:"slope"`

	// Confidence expresses how stable the series is, in [0, 1].
	Confidence float64 `json:"confidence"`

	// Buckets holds the per-bucket means, oldest first.
	Buckets []TrendBucket `json:"buckets"`

	// Anomalies are bucket midpoints whose mean failed the baseline check.
	Anomalies []time.Time `json:"anomalies,omitempty"`

	// WindowStart and WindowEnd bound the analyzed interval.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// TrendBucket is one bucket in a trend analysis.
type TrendBucket struct {
	// Midpoint is the bucket's center timestamp.
	Midpoint time.Time `json:"midpoint"`

	// Mean is the bucket's mean value, 0 when empty.
	Mean float64 `json:"mean"`

	// Count is the number of samples in the bucket.
	Count int `json:"count"`
}

// Correlation reports the Pearson coefficient between two series.
type Correlation struct {
	// KindA and KindB are the correlated series.
	KindA MetricKind `json:"kind_a"`
	KindB MetricKind `json:"kind_b"`

	// Coefficient is Pearson's r over aligned one-minute buckets.
	Coefficient float64 `json:"coefficient"`

	// SampleBuckets is the number of aligned buckets used.
	SampleBuckets int `json:"sample_buckets"`

	// Strong is true when |Coefficient| >= 0.7.
	Strong bool `json:"strong"`
}

// TopEntry is one group in a top-N ranking.
type TopEntry struct {
	// TagValue is the group's tag value.
	TagValue string `json:"tag_value"`

	// Value is the group's aggregated value.
	Value float64 `json:"value"`

	// SampleCount is the number of points in the group.
	SampleCount int `json:"sample_count"`
}

// Baseline is the learned normal range for one series.
type Baseline struct {
	// StreamKey identifies the series.
	StreamKey string `json:"stream_key"`

	// Mean and StdDev describe the learned distribution.
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`

	// SampleCount is the number of samples behind the baseline.
	SampleCount int `json:"sample_count"`

	// UpdatedAt is when the baseline was last recomputed.
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthBand classifies an overall health score.
type HealthBand string

const (
	HealthExcellent HealthBand = "excellent"
	HealthGood      HealthBand = "good"
	HealthFair      HealthBand = "fair"
	HealthPoor      HealthBand = "poor"
)

// BandForScore maps a health score to its band.
func BandForScore(score float64) HealthBand {
	switch {
	case score >= 0.9:
		return HealthExcellent
	case score >= 0.7:
		return HealthGood
	case score >= 0.5:
		return HealthFair
	default:
		return HealthPoor
	}
}

// HealthReport is the weighted system health summary.
type HealthReport struct {
	// Score is the weighted overall health, in [0, 1].
	Score float64 `json:"score"`

	// Band classifies the score.
	Band HealthBand `json:"band"`

	// Performance, Responsiveness and Resources are the component
	// scores, each in [0, 1].
	Performance    float64 `json:"performance"`
	Responsiveness float64 `json:"responsiveness"`
	Resources      float64 `json:"resources"`

	// GeneratedAt is when the report was computed.
	GeneratedAt time.Time `json:"generated_at"`
}

// EngineStats is a snapshot of metrics engine counters.
type EngineStats struct {
	// Points is the current ring buffer occupancy.
	Points int `json:"points"`

	// Streams is the number of tracked series.
	Streams int `json:"streams"`

	// Subscribers is the number of live metric subscriptions.
	Subscribers int `json:"subscribers"`

	// Recorded counts accepted samples.
	Recorded int64 `json:"recorded"`

	// Anomalies counts samples that failed the baseline check.
	Anomalies int64 `json:"anomalies"`

	// CacheHits and CacheMisses count aggregation cache lookups.
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`

	// SubscriberDrops counts points discarded by full subscriber channels.
	SubscriberDrops int64 `json:"subscriber_drops"`
}

// ============================================================================
// Workflow Types
// ============================================================================

// WorkflowState is the lifecycle state of a workflow.
type WorkflowState string

const (
	// WorkflowRunning means participants are attached and steps execute.
	WorkflowRunning WorkflowState = "RUNNING"

	// WorkflowCompleted means execution finished successfully.
	WorkflowCompleted WorkflowState = "COMPLETED"

	// WorkflowFailed means a step or the final review failed.
	WorkflowFailed WorkflowState = "FAILED"

	// WorkflowTerminated means the workflow was stopped externally.
	WorkflowTerminated WorkflowState = "TERMINATED"
)

// Terminal reports whether the workflow accepts no further execution.
func (s WorkflowState) Terminal() bool { return s != WorkflowRunning }

// WorkflowEvent is one entry on a workflow's event stream.
type WorkflowEvent struct {
	// WorkflowID is the emitting workflow.
	WorkflowID string `json:"workflow_id"`

	// Type names the event ("started", "step_completed", ...).
	Type string `json:"type"`

	// Detail carries event-specific data.
	Detail map[string]interface{} `json:"detail,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// StepResult is the outcome of one executed workflow step.
type StepResult struct {
	// Name is the step name from the plan.
	Name string `json:"name"`

	// AgentID is the agent that executed the step.
	AgentID string `json:"agent_id"`

	// Output is the payload the agent returned.
	Output map[string]interface{} `json:"output,omitempty"`

	// Err holds the failure message when the step failed.
	Err string `json:"error,omitempty"`

	// Duration is how long the step took.
	Duration time.Duration `json:"duration"`
}

// WorkflowSummary is the final report of one workflow execution.
type WorkflowSummary struct {
	// WorkflowID identifies the workflow.
	WorkflowID string `json:"workflow_id"`

	// Name is the workflow's display name.
	Name string `json:"name"`

	// State is the terminal state.
	State WorkflowState `json:"state"`

	// Steps are the executed step results, in order.
	Steps []StepResult `json:"steps"`

	// Review is the final peer review outcome, when one was requested.
	Review *Review `json:"review,omitempty"`

	// StartedAt and FinishedAt bound the execution.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// CollaborationReport aggregates interaction metrics over a window.
type CollaborationReport struct {
	// Window is the analyzed lookback duration.
	Window time.Duration `json:"window"`

	// MessageVolume is the bus send counter at report time.
	MessageVolume int64 `json:"message_volume"`

	// MessagesByKind counts recorded messages per kind inside the window.
	MessagesByKind map[string]int64 `json:"messages_by_kind,omitempty"`

	// TopPairs ranks (sender -> recipient) pairs by message count.
	TopPairs []TopEntry `json:"top_pairs,omitempty"`

	// AvgLatencyMs is the mean message latency inside the window.
	AvgLatencyMs float64 `json:"avg_latency_ms"`

	// Reviews summarizes review coordinator activity.
	Reviews ReviewStats `json:"reviews"`

	// Health is the system health at report time.
	Health HealthReport `json:"health"`

	// GeneratedAt is when the report was computed.
	GeneratedAt time.Time `json:"generated_at"`
}
