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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skeinworks/skein/pkg/runtime"
)

// statsCollector exposes runtime counters as prometheus metrics. It
// reads a fresh snapshot on every scrape instead of keeping its own
// instruments, so the /metrics endpoint never drifts from /v1/stats.
type statsCollector struct {
	rt *runtime.Runtime
}

func newStatsCollector(rt *runtime.Runtime) *statsCollector {
	return &statsCollector{rt: rt}
}

// Describe implements prometheus.Collector for statsCollector
func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector for statsCollector
func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.rt.Stats()

	var counter = func(desc *prometheus.Desc, value int64) {
		ch <- prometheus.MustNewConstMetric(
			desc,
			prometheus.CounterValue,
			float64(value),
		)
	}
	counter(busSentDesc, stats.Bus.MessagesSent)
	counter(busDeliveredDesc, stats.Bus.MessagesDelivered)
	counter(busFailedDesc, stats.Bus.MessagesFailed)
	counter(busResponsesDesc, stats.Bus.ResponsesReceived)
	counter(busTimeoutsDesc, stats.Bus.Timeouts)
	counter(busBroadcastsDesc, stats.Bus.Broadcasts)
	counter(busDroppedDesc, stats.Bus.Dropped)
	counter(busHandlerFailuresDesc, stats.Bus.HandlerFailures)
	counter(reviewsRequestedDesc, stats.Reviews.Requested)
	counter(reviewsCompletedDesc, stats.Reviews.Completed)
	counter(reviewsTimedOutDesc, stats.Reviews.TimedOut)
	counter(reviewsApprovedDesc, stats.Reviews.Approved)
	counter(reviewsRejectedDesc, stats.Reviews.Rejected)
	counter(reviewsNeedsRevisionDesc, stats.Reviews.NeedsRevision)
	counter(knowledgeStoresDesc, stats.Knowledge.Stores)
	counter(knowledgeSearchesDesc, stats.Knowledge.Searches)
	counter(knowledgeHitsDesc, stats.Knowledge.Hits)
	counter(engineRecordedDesc, stats.Engine.Recorded)
	counter(engineAnomaliesDesc, stats.Engine.Anomalies)
	counter(engineCacheHitsDesc, stats.Engine.CacheHits)
	counter(engineCacheMissesDesc, stats.Engine.CacheMisses)
	counter(workflowsCreatedDesc, stats.Workflows.Created)
	counter(workflowsCompletedDesc, stats.Workflows.Completed)
	counter(workflowsFailedDesc, stats.Workflows.Failed)
	counter(workflowsTerminatedDesc, stats.Workflows.Terminated)
	counter(stepsExecutedDesc, stats.Workflows.StepsExecuted)
	counter(stepsFailedDesc, stats.Workflows.StepsFailed)

	var gauge = func(desc *prometheus.Desc, value int) {
		ch <- prometheus.MustNewConstMetric(
			desc,
			prometheus.GaugeValue,
			float64(value),
		)
	}
	gauge(busAgentsDesc, stats.Bus.RegisteredAgents)
	gauge(reviewsActiveDesc, stats.Reviews.Active)
	gauge(knowledgeKeysDesc, stats.Knowledge.TotalKeys)
	gauge(enginePointsDesc, stats.Engine.Points)
	gauge(engineStreamsDesc, stats.Engine.Streams)
	gauge(engineSubscribersDesc, stats.Engine.Subscribers)
	gauge(workflowsActiveDesc, stats.Workflows.Active)
	gauge(agentsDesc, stats.Agents)
}

var (
	busSentDesc = prometheus.NewDesc(
		"skein_bus_messages_sent_total",
		"Messages accepted by the bus via Send and Broadcast.",
		nil, nil,
	)
	busDeliveredDesc = prometheus.NewDesc(
		"skein_bus_messages_delivered_total",
		"Handler invocations attempted by the bus.",
		nil, nil,
	)
	busFailedDesc = prometheus.NewDesc(
		"skein_bus_messages_failed_total",
		"Messages the bus could not deliver.",
		nil, nil,
	)
	busResponsesDesc = prometheus.NewDesc(
		"skein_bus_responses_received_total",
		"Responses that completed a pending request.",
		nil, nil,
	)
	busTimeoutsDesc = prometheus.NewDesc(
		"skein_bus_timeouts_total",
		"Request futures expired before a response arrived.",
		nil, nil,
	)
	busBroadcastsDesc = prometheus.NewDesc(
		"skein_bus_broadcasts_total",
		"Broadcast calls made on the bus.",
		nil, nil,
	)
	busDroppedDesc = prometheus.NewDesc(
		"skein_bus_dropped_total",
		"Messages evicted by inbox overflow.",
		nil, nil,
	)
	busHandlerFailuresDesc = prometheus.NewDesc(
		"skein_bus_handler_failures_total",
		"Handler errors and panics observed by the bus.",
		nil, nil,
	)
	busAgentsDesc = prometheus.NewDesc(
		"skein_bus_registered_agents",
		"Agents currently registered on the bus.",
		nil, nil,
	)

	reviewsRequestedDesc = prometheus.NewDesc(
		"skein_reviews_requested_total",
		"Peer reviews created.",
		nil, nil,
	)
	reviewsCompletedDesc = prometheus.NewDesc(
		"skein_reviews_completed_total",
		"Peer reviews that reached quorum.",
		nil, nil,
	)
	reviewsTimedOutDesc = prometheus.NewDesc(
		"skein_reviews_timed_out_total",
		"Peer reviews expired by the deadline sweeper.",
		nil, nil,
	)
	reviewsApprovedDesc = prometheus.NewDesc(
		"skein_reviews_approved_total",
		"Peer reviews that ended approved.",
		nil, nil,
	)
	reviewsRejectedDesc = prometheus.NewDesc(
		"skein_reviews_rejected_total",
		"Peer reviews that ended rejected.",
		nil, nil,
	)
	reviewsNeedsRevisionDesc = prometheus.NewDesc(
		"skein_reviews_needs_revision_total",
		"Peer reviews that ended needing revision.",
		nil, nil,
	)
	reviewsActiveDesc = prometheus.NewDesc(
		"skein_reviews_active",
		"Peer reviews currently pending.",
		nil, nil,
	)

	knowledgeKeysDesc = prometheus.NewDesc(
		"skein_knowledge_keys",
		"Live keys across knowledge collections.",
		nil, nil,
	)
	knowledgeStoresDesc = prometheus.NewDesc(
		"skein_knowledge_stores_total",
		"Knowledge store operations.",
		nil, nil,
	)
	knowledgeSearchesDesc = prometheus.NewDesc(
		"skein_knowledge_searches_total",
		"Knowledge search operations.",
		nil, nil,
	)
	knowledgeHitsDesc = prometheus.NewDesc(
		"skein_knowledge_hits_total",
		"Knowledge search results returned.",
		nil, nil,
	)

	enginePointsDesc = prometheus.NewDesc(
		"skein_engine_points",
		"Metric ring buffer occupancy.",
		nil, nil,
	)
	engineStreamsDesc = prometheus.NewDesc(
		"skein_engine_streams",
		"Metric series currently tracked.",
		nil, nil,
	)
	engineSubscribersDesc = prometheus.NewDesc(
		"skein_engine_subscribers",
		"Live metric subscriptions.",
		nil, nil,
	)
	engineRecordedDesc = prometheus.NewDesc(
		"skein_engine_recorded_total",
		"Metric samples accepted by the engine.",
		nil, nil,
	)
	engineAnomaliesDesc = prometheus.NewDesc(
		"skein_engine_anomalies_total",
		"Samples that failed the baseline check.",
		nil, nil,
	)
	engineCacheHitsDesc = prometheus.NewDesc(
		"skein_engine_cache_hits_total",
		"Aggregation cache hits.",
		nil, nil,
	)
	engineCacheMissesDesc = prometheus.NewDesc(
		"skein_engine_cache_misses_total",
		"Aggregation cache misses.",
		nil, nil,
	)

	workflowsCreatedDesc = prometheus.NewDesc(
		"skein_workflows_created_total",
		"Workflows created.",
		nil, nil,
	)
	workflowsCompletedDesc = prometheus.NewDesc(
		"skein_workflows_completed_total",
		"Workflows that completed every step.",
		nil, nil,
	)
	workflowsFailedDesc = prometheus.NewDesc(
		"skein_workflows_failed_total",
		"Workflows that ended in failure.",
		nil, nil,
	)
	workflowsTerminatedDesc = prometheus.NewDesc(
		"skein_workflows_terminated_total",
		"Workflows terminated by request.",
		nil, nil,
	)
	stepsExecutedDesc = prometheus.NewDesc(
		"skein_workflows_steps_executed_total",
		"Workflow steps executed.",
		nil, nil,
	)
	stepsFailedDesc = prometheus.NewDesc(
		"skein_workflows_steps_failed_total",
		"Workflow steps that failed.",
		nil, nil,
	)
	workflowsActiveDesc = prometheus.NewDesc(
		"skein_workflows_active",
		"Workflows currently running.",
		nil, nil,
	)

	agentsDesc = prometheus.NewDesc(
		"skein_agents",
		"Agent hosts currently running.",
		nil, nil,
	)
)
