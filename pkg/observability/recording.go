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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RecordedMetric is one RecordMetric call captured by RecordingTracer.
type RecordedMetric struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// RecordingTracer captures all spans, metrics, and events for
// inspection. Intended for tests.
// Thread-safe: All methods can be called concurrently.
type RecordingTracer struct {
	mu      sync.RWMutex
	spans   []*Span
	metrics []RecordedMetric
	events  []Event

	seq atomic.Int64
}

// NewRecordingTracer creates a tracer that captures everything.
func NewRecordingTracer() *RecordingTracer {
	return &RecordingTracer{}
}

// StartSpan creates a new span and links it to any parent in ctx.
func (t *RecordingTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	n := t.seq.Add(1)
	span := &Span{
		TraceID:    fmt.Sprintf("trace-%06d", n),
		SpanID:     fmt.Sprintf("span-%06d", n),
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]interface{}),
		Events:     make([]Event, 0),
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

// EndSpan completes a span and stores it.
func (t *RecordingTracer) EndSpan(span *Span) {
	if span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = append(t.spans, span)
}

// RecordMetric captures the call.
func (t *RecordingTracer) RecordMetric(name string, value float64, labels map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = append(t.metrics, RecordedMetric{Name: name, Value: value, Labels: labels})
}

// RecordEvent captures the call.
func (t *RecordingTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, Event{Timestamp: time.Now(), Name: name, Attributes: attributes})
}

// Flush is a no-op.
func (t *RecordingTracer) Flush(ctx context.Context) error {
	return nil
}

// Spans returns all captured completed spans.
func (t *RecordingTracer) Spans() []*Span {
	t.mu.RLock()
	defer t.mu.RUnlock()

	spans := make([]*Span, len(t.spans))
	copy(spans, t.spans)
	return spans
}

// SpansByName finds all completed spans with the given name.
func (t *RecordingTracer) SpansByName(name string) []*Span {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []*Span
	for _, span := range t.spans {
		if span.Name == name {
			result = append(result, span)
		}
	}
	return result
}

// Metrics returns all captured RecordMetric calls.
func (t *RecordingTracer) Metrics() []RecordedMetric {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RecordedMetric, len(t.metrics))
	copy(out, t.metrics)
	return out
}

// MetricsByName returns captured metrics with the given name.
func (t *RecordingTracer) MetricsByName(name string) []RecordedMetric {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []RecordedMetric
	for _, m := range t.metrics {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// Events returns all captured standalone events.
func (t *RecordingTracer) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Reset clears everything captured so far.
func (t *RecordingTracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = nil
	t.metrics = nil
	t.events = nil
}

// Ensure RecordingTracer implements Tracer interface.
var _ Tracer = (*RecordingTracer)(nil)
