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

// Package server exposes the runtime over HTTP: a JSON REST surface
// under /v1, server-sent event streams for workflow events and live
// metric points, and a Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/metrics"
	"github.com/skeinworks/skein/pkg/runtime"
	"github.com/skeinworks/skein/pkg/types"
)

// sseEventTTL bounds how far back a new stream subscriber replays.
const sseEventTTL = time.Minute

// Server is the HTTP transport adapter over one runtime.
type Server struct {
	rt     *runtime.Runtime
	logger *zap.Logger

	httpServer *http.Server
	events     *sse.Server
	handler    http.Handler

	execCtx    context.Context
	execCancel context.CancelFunc

	mu         sync.Mutex
	streams    map[string]struct{}
	metricSubs map[string]*metrics.Subscription

	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds the server around a runtime. The HTTP listener is not
// started; call Start, or serve Handler() directly in tests.
func New(rt *runtime.Runtime, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	events := sse.New()
	events.AutoReplay = true
	events.EventTTL = sseEventTTL

	execCtx, execCancel := context.WithCancel(context.Background())

	s := &Server{
		rt:         rt,
		logger:     logger,
		events:     events,
		execCtx:    execCtx,
		execCancel: execCancel,
		streams:    make(map[string]struct{}),
		metricSubs: make(map[string]*metrics.Subscription),
		stop:       make(chan struct{}),
	}
	s.handler = s.withAccessLog(s.withRecovery(s.routes()))

	s.httpServer = &http.Server{
		Addr:              rt.Config().Server.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.heartbeatLoop(rt.Config().Heartbeat())

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// routes wires every endpoint onto a method-aware mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)

	mux.HandleFunc("POST /v1/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleWorkflowStatus)
	mux.HandleFunc("DELETE /v1/workflows/{id}", s.handleTerminateWorkflow)

	mux.HandleFunc("POST /v1/reviews", s.handleRequestReview)
	mux.HandleFunc("GET /v1/reviews/{id}", s.handleReviewStatus)
	mux.HandleFunc("POST /v1/reviews/{id}/submissions", s.handleSubmitReview)

	mux.HandleFunc("POST /v1/knowledge", s.handleStoreKnowledge)
	mux.HandleFunc("GET /v1/knowledge/search", s.handleSearchKnowledge)
	mux.HandleFunc("GET /v1/knowledge/{type}/{key}", s.handleGetKnowledge)

	mux.HandleFunc("POST /v1/metrics", s.handleRecordMetric)
	mux.HandleFunc("GET /v1/metrics/aggregate", s.handleAggregate)
	mux.HandleFunc("GET /v1/metrics/trend", s.handleTrend)
	mux.HandleFunc("GET /v1/metrics/top", s.handleTopN)
	mux.HandleFunc("GET /v1/metrics/correlations", s.handleCorrelations)

	mux.HandleFunc("GET /v1/collaboration/analysis", s.handleCollaborationAnalysis)
	mux.HandleFunc("GET /v1/predictions", s.handlePredictions)

	mux.HandleFunc("GET /v1/streams/workflows/{id}", s.handleWorkflowStream)
	mux.HandleFunc("GET /v1/streams/metrics/{kind}", s.handleMetricStream)

	mux.Handle("GET /metrics", s.prometheusHandler())

	return mux
}

// prometheusHandler builds the scrape endpoint: process and Go
// collectors plus the runtime stats collector.
func (s *Server) prometheusHandler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newStatsCollector(s.rt),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(s.logger),
	})
}

// Start serves HTTP until Shutdown is called. It blocks, mirroring
// http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening",
		zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return types.WrapError(types.ErrInternal, err, "http server")
	}
	return nil
}

// Shutdown stops the server: event streams close first so long-lived
// SSE handlers can return, then the listener drains within ctx.
// Idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("HTTP server shutting down")

	close(s.stop)
	s.execCancel()
	s.events.Close()

	s.mu.Lock()
	for _, sub := range s.metricSubs {
		sub.Close()
	}
	s.metricSubs = make(map[string]*metrics.Subscription)
	s.mu.Unlock()

	s.wg.Wait()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return types.WrapError(types.ErrInternal, err, "http shutdown")
	}
	return nil
}

// withRecovery turns handler panics into 500 responses.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Handler panicked",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				s.writeError(w, types.NewInternal("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withAccessLog logs one line per completed request.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(started)))
	})
}

// writeJSON serializes v with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Encoding response", zap.Error(err))
	}
}

// writeError maps the error's kind onto an HTTP status and writes a
// JSON error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	s.writeJSON(w, httpStatus(kind), map[string]interface{}{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// httpStatus maps an error kind to its HTTP status code.
func httpStatus(kind types.ErrorKind) int {
	switch kind {
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrTimeout:
		return http.StatusRequestTimeout
	case types.ErrCapacity:
		return http.StatusTooManyRequests
	case types.ErrDegraded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
