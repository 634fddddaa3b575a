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
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skeinworks/skein/pkg/orchestration"
	"github.com/skeinworks/skein/pkg/types"
)

// defaultAnalyticsWindow applies when a query omits ?window=.
const defaultAnalyticsWindow = 15 * time.Minute

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rt.Engine().Health())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rt.Stats())
}

// createWorkflowRequest is the POST /v1/workflows body.
type createWorkflowRequest struct {
	Name         string                        `json:"name"`
	Participants []string                      `json:"participants,omitempty"`
	Template     string                        `json:"template,omitempty"`
	Prompt       string                        `json:"prompt,omitempty"`
	Options      *orchestration.ExecuteOptions `json:"options,omitempty"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	participants, err := s.rt.Participants(req.Participants...)
	if err != nil {
		s.writeError(w, err)
		return
	}

	wf, err := s.rt.Controller().CreateWorkflow(r.Context(), req.Name, participants)
	if err != nil {
		s.writeError(w, err)
		return
	}

	opts := req.Options
	if req.Template != "" {
		if opts == nil {
			opts = &orchestration.ExecuteOptions{}
		}
		opts.Template = req.Template
	}

	// Execution is asynchronous; the workflow stream and status
	// endpoint report progress. The detached context outlives this
	// request and is cancelled on server shutdown.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.rt.Controller().Execute(s.execCtx, wf.ID, req.Prompt, opts); err != nil {
			s.logger.Warn("Workflow execution failed",
				zap.String("workflow_id", wf.ID),
				zap.Error(err))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": wf.ID})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rt.Controller().List())
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.rt.Controller().Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleTerminateWorkflow(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "terminated via API"
	}
	if err := s.rt.Controller().Terminate(r.Context(), r.PathValue("id"), reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestReviewRequest is the POST /v1/reviews body.
type requestReviewRequest struct {
	Requester string      `json:"requester"`
	Content   interface{} `json:"content"`
	Criteria  []string    `json:"criteria,omitempty"`
	Reviewers int         `json:"reviewers,omitempty"`
	DeadlineS int         `json:"deadline_s,omitempty"`
}

func (s *Server) handleRequestReview(w http.ResponseWriter, r *http.Request) {
	var req requestReviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Reviewers <= 0 {
		req.Reviewers = 1
	}

	review, err := s.rt.Reviews().RequestReview(r.Context(), req.Requester,
		req.Content, req.Criteria, req.Reviewers,
		time.Duration(req.DeadlineS)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, review)
}

func (s *Server) handleReviewStatus(w http.ResponseWriter, r *http.Request) {
	review, err := s.rt.Reviews().Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, review)
}

// submitReviewRequest is the POST /v1/reviews/{id}/submissions body.
type submitReviewRequest struct {
	ReviewerID  string   `json:"reviewer_id"`
	Score       float64  `json:"score"`
	Approved    bool     `json:"approved"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var req submitReviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	review, err := s.rt.Reviews().SubmitReview(r.Context(), r.PathValue("id"),
		req.ReviewerID, types.ReviewSubmission{
			Score:       req.Score,
			Approved:    req.Approved,
			Suggestions: req.Suggestions,
		})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, review)
}

// storeKnowledgeRequest is the POST /v1/knowledge body.
type storeKnowledgeRequest struct {
	Key      string                 `json:"key"`
	Value    interface{}            `json:"value"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleStoreKnowledge(w http.ResponseWriter, r *http.Request) {
	var req storeKnowledgeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	entry, err := s.rt.Knowledge().Store(r.Context(), req.Key, req.Value, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	kind, ok := types.ParseKnowledgeType(r.PathValue("type"))
	if !ok {
		s.writeError(w, types.NewValidation("unknown knowledge type %q", r.PathValue("type")))
		return
	}

	entry, err := s.rt.Knowledge().Get(kind, r.PathValue("key"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		s.writeError(w, types.NewValidation("query parameter q must not be empty"))
		return
	}

	var kinds []types.KnowledgeType
	if raw := q.Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kind, ok := types.ParseKnowledgeType(part)
			if !ok {
				s.writeError(w, types.NewValidation("unknown knowledge type %q", part))
				return
			}
			kinds = append(kinds, kind)
		}
	}

	limit, err := intParam(q.Get("limit"), 10)
	if err != nil {
		s.writeError(w, err)
		return
	}
	minSimilarity, err := floatParam(q.Get("min_similarity"), 0.3)
	if err != nil {
		s.writeError(w, err)
		return
	}

	results := s.rt.Knowledge().Search(r.Context(), query, kinds, limit, minSimilarity)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// recordMetricRequest is the POST /v1/metrics body.
type recordMetricRequest struct {
	Kind       string            `json:"kind"`
	Value      float64           `json:"value"`
	Tags       map[string]string `json:"tags,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
}

func (s *Server) handleRecordMetric(w http.ResponseWriter, r *http.Request) {
	var req recordMetricRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Kind == "" {
		s.writeError(w, types.NewValidation("metric kind must not be empty"))
		return
	}

	point := s.rt.Engine().RecordPoint(types.MetricPoint{
		Kind:       types.MetricKind(req.Kind),
		Value:      req.Value,
		Tags:       req.Tags,
		AgentID:    req.AgentID,
		WorkflowID: req.WorkflowID,
	})
	s.writeJSON(w, http.StatusAccepted, point)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := windowParam(q.Get("window"), defaultAnalyticsWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}

	agg := types.Aggregation(strings.ToUpper(q.Get("agg")))
	if agg == "" {
		agg = types.AggAvg
	}

	result, err := s.rt.Engine().Aggregate(types.MetricKind(q.Get("kind")), agg, window, parseTags(q.Get("tags")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := windowParam(q.Get("window"), defaultAnalyticsWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}

	trend := s.rt.Engine().Trend(types.MetricKind(q.Get("kind")), window, parseTags(q.Get("tags")))
	s.writeJSON(w, http.StatusOK, trend)
}

func (s *Server) handleTopN(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := windowParam(q.Get("window"), defaultAnalyticsWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}
	n, err := intParam(q.Get("n"), 5)
	if err != nil {
		s.writeError(w, err)
		return
	}

	agg := types.Aggregation(strings.ToUpper(q.Get("agg")))
	if agg == "" {
		agg = types.AggAvg
	}

	entries, err := s.rt.Engine().TopN(types.MetricKind(q.Get("kind")), q.Get("tag"), n, agg, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleCorrelations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := windowParam(q.Get("window"), defaultAnalyticsWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var kinds []types.MetricKind
	if raw := q.Get("kinds"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			kinds = append(kinds, types.MetricKind(strings.TrimSpace(part)))
		}
	}

	correlations := s.rt.Engine().Correlations(kinds, window)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"correlations": correlations})
}

func (s *Server) handleCollaborationAnalysis(w http.ResponseWriter, r *http.Request) {
	window, err := windowParam(r.URL.Query().Get("window"), defaultAnalyticsWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.rt.Controller().AnalyzeCollaboration(window))
}

// handlePredictions serves the raw material an external prediction
// collaborator consumes: the metric trend over the window plus stored
// failure patterns similar to the query.
func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")
	if kind == "" {
		s.writeError(w, types.NewValidation("query parameter kind must not be empty"))
		return
	}
	window, err := windowParam(q.Get("window"), defaultAnalyticsWindow)
	if err != nil {
		s.writeError(w, err)
		return
	}

	description := q.Get("q")
	if description == "" {
		description = kind
	}

	trend := s.rt.Engine().Trend(types.MetricKind(kind), window, nil)
	failures := s.rt.Knowledge().CheckFailurePatterns(r.Context(), description, 5)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":             kind,
		"window_seconds":   int(window.Seconds()),
		"trend":            trend,
		"failure_patterns": failures,
		"generated_at":     s.rt.Clock().Now(),
	})
}

// decodeBody parses a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.WrapError(types.ErrValidation, err, "decoding request body")
	}
	return nil
}

// windowParam parses a lookback window: a Go duration ("15m") or a
// bare number of seconds.
func windowParam(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return 0, types.NewValidation("window must be positive, got %q", raw)
		}
		return d, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, types.NewValidation("window %q is neither a duration nor seconds", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.NewValidation("%q is not an integer", raw)
	}
	return n, nil
}

func floatParam(raw string, fallback float64) (float64, error) {
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, types.NewValidation("%q is not a number", raw)
	}
	return f, nil
}

// parseTags parses "k:v,k2:v2" into a tag map. Malformed pairs are
// skipped.
func parseTags(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok || k == "" {
			continue
		}
		tags[k] = v
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}
