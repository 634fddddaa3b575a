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
	"encoding/json"
	"net/http"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/metrics"
	"github.com/skeinworks/skein/pkg/orchestration"
	"github.com/skeinworks/skein/pkg/types"
)

// handleWorkflowStream serves the live workflow event stream. The
// first subscriber starts a pump from the controller's event
// subscription; later subscribers share the stream and replay recent
// events.
func (s *Server) handleWorkflowStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	streamID, err := s.ensureWorkflowStream(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.serveStream(w, r, streamID)
}

// handleMetricStream serves live metric points for one series. Tags
// narrow the stream: ?tags=step:task,agent:alpha.
func (s *Server) handleMetricStream(w http.ResponseWriter, r *http.Request) {
	kind := types.MetricKind(r.PathValue("kind"))
	if kind == "" {
		s.writeError(w, types.NewValidation("metric kind must not be empty"))
		return
	}
	tags := parseTags(r.URL.Query().Get("tags"))

	streamID := s.ensureMetricStream(kind, tags)
	s.serveStream(w, r, streamID)
}

// serveStream hands the request to the SSE server under the resolved
// stream id.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, streamID string) {
	q := r.URL.Query()
	q.Set("stream", streamID)
	r.URL.RawQuery = q.Encode()
	s.events.ServeHTTP(w, r)
}

// ensureWorkflowStream creates the SSE stream and its controller pump
// on first use. Buffered workflow history is published into the stream
// before live events so the first subscriber sees the whole run; the
// pump skips anything already covered by the replayed prefix.
func (s *Server) ensureWorkflowStream(workflowID string) (string, error) {
	streamID := "wf:" + workflowID

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.streams[streamID]; live {
		return streamID, nil
	}

	sub, err := s.rt.Controller().SubscribeEvents(workflowID)
	if err != nil {
		return "", err
	}
	history, err := s.rt.Controller().Events(workflowID, 0)
	if err != nil {
		sub.Cancel()
		return "", err
	}

	s.events.CreateStream(streamID)
	s.streams[streamID] = struct{}{}

	var replayed time.Time
	for _, event := range history {
		s.publishWorkflowEvent(streamID, event)
		replayed = event.Timestamp
	}

	s.wg.Add(1)
	go s.pumpWorkflowEvents(streamID, sub, replayed)
	return streamID, nil
}

// pumpWorkflowEvents forwards controller events onto the SSE stream
// until the subscription closes at workflow teardown or the server
// stops. Events at or before the replayed watermark were already
// published from history.
func (s *Server) pumpWorkflowEvents(streamID string, sub *orchestration.EventSubscription, replayed time.Time) {
	defer s.wg.Done()
	defer sub.Cancel()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				// Terminal: the stream stays up so late
				// subscribers still replay recent events.
				return
			}
			if !event.Timestamp.After(replayed) {
				continue
			}
			s.publishWorkflowEvent(streamID, event)
		case <-s.stop:
			return
		}
	}
}

func (s *Server) publishWorkflowEvent(streamID string, event types.WorkflowEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("Encoding workflow event", zap.Error(err))
		return
	}
	s.events.Publish(streamID, &sse.Event{
		Event: []byte(event.Type),
		Data:  data,
	})
}

// ensureMetricStream creates the SSE stream and its engine pump on
// first use. Streams are keyed by the exact series identity, so two
// clients asking for the same kind and tags share one subscription.
func (s *Server) ensureMetricStream(kind types.MetricKind, tags map[string]string) string {
	streamID := "metric:" + types.StreamKey(kind, tags)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.streams[streamID]; live {
		return streamID
	}

	sub := s.rt.Engine().Subscribe(kind, tags)
	s.events.CreateStream(streamID)
	s.streams[streamID] = struct{}{}
	s.metricSubs[streamID] = sub

	s.wg.Add(1)
	go s.pumpMetricPoints(streamID, sub)
	return streamID
}

// pumpMetricPoints forwards engine samples onto the SSE stream.
// Anomalous samples are published under their own event name so
// dashboards can alert without parsing every point.
func (s *Server) pumpMetricPoints(streamID string, sub *metrics.Subscription) {
	defer s.wg.Done()

	for {
		select {
		case point, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(point)
			if err != nil {
				s.logger.Warn("Encoding metric point", zap.Error(err))
				continue
			}
			name := "point"
			if point.Anomaly {
				name = "anomaly"
			}
			s.events.Publish(streamID, &sse.Event{
				Event: []byte(name),
				Data:  data,
			})
		case <-s.stop:
			return
		}
	}
}

// heartbeatLoop keeps idle SSE connections alive with periodic
// heartbeat events on every stream.
func (s *Server) heartbeatLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			data, _ := json.Marshal(map[string]interface{}{"time": now.UTC()})
			s.mu.Lock()
			ids := make([]string, 0, len(s.streams))
			for id := range s.streams {
				ids = append(ids, id)
			}
			s.mu.Unlock()
			for _, id := range ids {
				s.events.TryPublish(id, &sse.Event{
					Event: []byte("heartbeat"),
					Data:  data,
				})
			}
		case <-s.stop:
			return
		}
	}
}
