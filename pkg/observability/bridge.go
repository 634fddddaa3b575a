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
package observability

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/types"
)

// MetricSink accepts metric samples. *metrics.Engine satisfies this;
// the indirection keeps this package free of an engine dependency.
type MetricSink interface {
	Record(kind types.MetricKind, value float64, tags map[string]string)
}

// MetricsBridge is a Tracer that turns instrumentation into analytics
// engine samples. Spans become RESPONSE_TIME samples tagged with the
// span name, RecordMetric calls pass through under their named kind,
// and events are written to the debug log.
type MetricsBridge struct {
	sink   MetricSink
	logger *zap.Logger

	spansEnded     atomic.Int64
	metricsBridged atomic.Int64
}

// NewMetricsBridge creates a tracer forwarding into sink. A nil logger
// disables logging.
func NewMetricsBridge(sink MetricSink, logger *zap.Logger) *MetricsBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetricsBridge{sink: sink, logger: logger}
}

// StartSpan creates a span linked to any parent in ctx.
func (b *MetricsBridge) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := &Span{
		TraceID:    uuid.New().String(),
		SpanID:     uuid.New().String(),
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(span)
	}

	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}

	return ContextWithSpan(ctx, span), span
}

// EndSpan stamps timing and records the span duration as a
// RESPONSE_TIME sample tagged with the operation name.
func (b *MetricsBridge) EndSpan(span *Span) {
	if span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	b.spansEnded.Add(1)

	if b.sink == nil {
		return
	}
	tags := map[string]string{"operation": span.Name}
	if span.Status.Code == StatusError {
		tags["status"] = "error"
	}
	b.sink.Record(types.MetricResponseTime, float64(span.Duration.Milliseconds()), tags)
}

// RecordMetric forwards the sample to the sink. The metric name is
// used as the kind verbatim; unrecognized names still land as their
// own series since the kind set is open.
func (b *MetricsBridge) RecordMetric(name string, value float64, labels map[string]string) {
	if b.sink == nil || name == "" {
		return
	}
	b.metricsBridged.Add(1)
	b.sink.Record(types.MetricKind(name), value, labels)
}

// RecordEvent writes the event to the debug log.
func (b *MetricsBridge) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	b.logger.Debug("Trace event",
		zap.String("event", name),
		zap.Any("attributes", attributes))
}

// Flush is immediate: samples are handed to the sink synchronously.
func (b *MetricsBridge) Flush(ctx context.Context) error {
	return nil
}

// Stats reports how much instrumentation passed through the bridge.
func (b *MetricsBridge) Stats() (spansEnded, metricsBridged int64) {
	return b.spansEnded.Load(), b.metricsBridged.Load()
}

var _ Tracer = (*MetricsBridge)(nil)
