package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/domain"
	"github.com/cwygoda/clipmill/internal/pipeline"
)

// Pipeline is the job API the server exposes.
type Pipeline interface {
	CreateJob(ctx context.Context, prompt string, duration int) (*domain.Job, error)
	Get(ctx context.Context, id int64) (*domain.Job, error)
	List(ctx context.Context, limit int) ([]domain.Job, error)
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error)
	StartJob(ctx context.Context, id int64) error
	RetryJob(ctx context.Context, id int64) error
	RetrySubtasks(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64, reason string) error
	Bulk(ctx context.Context, req pipeline.BulkRequest) (*pipeline.BulkResult, error)
	Stats(ctx context.Context) (*pipeline.Stats, error)
}

// Server is the HTTP adapter for the job pipeline.
type Server struct {
	svc    Pipeline
	mux    *http.ServeMux
	server *http.Server
	secret string
	log    logrus.FieldLogger
}

// NewServer creates a new HTTP server.
func NewServer(svc Pipeline, addr string, secret string, log logrus.FieldLogger) *Server {
	s := &Server{
		svc:    svc,
		mux:    http.NewServeMux(),
		secret: secret,
		log:    log.WithField("component", "http"),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.signed(s.handleCreateJob))
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{id}/start", s.signed(s.jobAction(s.svc.StartJob)))
	s.mux.HandleFunc("POST /jobs/{id}/retry", s.signed(s.jobAction(s.svc.RetryJob)))
	s.mux.HandleFunc("POST /jobs/{id}/retry-subtasks", s.signed(s.jobAction(s.svc.RetrySubtasks)))
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.signed(s.handleCancel))
	s.mux.HandleFunc("POST /jobs/bulk", s.signed(s.handleBulk))
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// createJobRequest is the request body for POST /jobs.
type createJobRequest struct {
	Prompt   string `json:"prompt"`
	Duration int    `json:"duration"`
	Start    bool   `json:"start"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID        int64                 `json:"id"`
	Prompt    string                `json:"prompt"`
	Duration  int                   `json:"duration"`
	Status    string                `json:"status"`
	Stage     string                `json:"stage,omitempty"`
	AccountID *int64                `json:"account_id,omitempty"`
	VideoURL  string                `json:"video_url,omitempty"`
	LocalPath string                `json:"local_path,omitempty"`
	Error     string                `json:"error,omitempty"`
	Pipeline  *domain.PipelineState `json:"pipeline,omitempty"`
	CreatedAt string                `json:"created_at"`
	UpdatedAt string                `json:"updated_at"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

// signed reads the body and, if a secret is configured, verifies the
// request signature before calling next.
func (s *Server) signed(next func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if s.secret != "" {
			if err := s.verifySignature(r, body); err != nil {
				s.log.WithError(err).Warn("signature verification failed")
				s.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}
		next(w, r, body)
	}
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	// Check X-Timestamp header
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	// Check X-Signature header
	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	if subtle.ConstantTimeCompare([]byte(signature), []byte(Sign(timestamp, body, s.secret))) != 1 {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the request signature SHA256("${timestamp}\n${body}\n${secret}").
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, string(body), secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request, body []byte) {
	var req createJobRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Duration == 0 {
		req.Duration = 5
	}

	job, err := s.svc.CreateJob(r.Context(), req.Prompt, req.Duration)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if req.Start {
		if err := s.svc.StartJob(r.Context(), job.ID); err != nil {
			s.writeServiceError(w, err)
			return
		}
		if job, err = s.svc.Get(r.Context(), job.ID); err != nil {
			s.writeServiceError(w, err)
			return
		}
	}

	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []domain.Job
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		st := domain.JobStatus(status)
		if !st.IsKnown() {
			s.writeError(w, http.StatusBadRequest, "unknown status")
			return
		}
		jobs, err = s.svc.ListByStatus(r.Context(), st)
	} else {
		limit := 100
		if l := r.URL.Query().Get("limit"); l != "" {
			if limit, err = strconv.Atoi(l); err != nil {
				s.writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
		}
		jobs, err = s.svc.List(r.Context(), limit)
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp := jobToResponse(&jobs[i])
		resp.Pipeline = nil
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

// jobAction adapts a single-job operation to a handler that answers with
// the job's new state.
func (s *Server) jobAction(op func(context.Context, int64) error) func(http.ResponseWriter, *http.Request, []byte) {
	return func(w http.ResponseWriter, r *http.Request, _ []byte) {
		id, ok := s.jobID(w, r)
		if !ok {
			return
		}
		if err := op(r.Context(), id); err != nil {
			s.writeServiceError(w, err)
			return
		}
		job, err := s.svc.Get(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, body []byte) {
	var req cancelRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	s.jobAction(func(ctx context.Context, id int64) error {
		return s.svc.Cancel(ctx, id, req.Reason)
	})(w, r, body)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request, body []byte) {
	var req pipeline.BulkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.svc.Bulk(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}

// writeServiceError maps pipeline errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, pipeline.ErrInvalidJob):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrJobBusy),
		errors.Is(err, domain.ErrJobTerminal),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNotResumable):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func jobToResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:        job.ID,
		Prompt:    job.Prompt,
		Duration:  job.Duration,
		Status:    string(job.Status),
		Stage:     string(job.Pipeline.CurrentStage),
		AccountID: job.AccountID,
		VideoURL:  job.VideoURL,
		LocalPath: job.LocalPath,
		Error:     job.ErrorMessage,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.Pipeline.Started() {
		resp.Pipeline = &job.Pipeline
	}
	return resp
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
