// Package server is the HTTP facade: REST endpoints for job submission and
// conversation control, SSE for live log tailing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/promptops/cursord/internal/dispatch"
	"github.com/promptops/cursord/internal/history"
	"github.com/promptops/cursord/internal/log"
	"github.com/promptops/cursord/internal/memory"
	"github.com/promptops/cursord/internal/orchestrator"
	"github.com/promptops/cursord/internal/runner"
)

// asyncJobTimeout bounds a detached job after its HTTP request has been
// answered. Generous: the invocation timers are the real limiters.
const asyncJobTimeout = 4 * time.Hour

// Handler provides the HTTP endpoints.
type Handler struct {
	orch       *orchestrator.Orchestrator
	dispatcher *dispatch.Dispatcher
	runner     *runner.Runner
	store      memory.Store
	// jobs is optional; nil disables the history endpoints.
	jobs *history.JobRepository
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *dispatch.Dispatcher
	Runner       *runner.Runner
	Store        memory.Store
	// Jobs enables the job-history endpoints when non-nil.
	Jobs *history.JobRepository
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		orch:       cfg.Orchestrator,
		dispatcher: cfg.Dispatcher,
		runner:     cfg.Runner,
		store:      cfg.Store,
		jobs:       cfg.Jobs,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Job submission
	mux.HandleFunc("POST /execute", h.Execute)
	mux.HandleFunc("POST /execute/async", h.ExecuteAsync)
	mux.HandleFunc("POST /iterate", h.Iterate)
	mux.HandleFunc("POST /iterate/async", h.IterateAsync)

	// Conversation control
	mux.HandleFunc("POST /conversation/new", h.NewConversation)

	// Observability
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /logs/stream", h.StreamLogs)
	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.GetJob)

	return mux
}

// === Request/Response Types ===

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AcceptedResponse acknowledges an async submission.
type AcceptedResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
}

// NewConversationResponse carries a freshly minted conversation id.
type NewConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

// HealthResponse reports liveness plus the runner's queue snapshot.
type HealthResponse struct {
	Status string             `json:"status"`
	Queue  runner.QueueStatus `json:"queue"`
}

// ListJobsResponse is the response body for listing finished jobs.
type ListJobsResponse struct {
	Jobs  []*history.JobRecord `json:"jobs"`
	Total int                  `json:"total"`
}

// === Handlers ===

// Execute runs a single worker turn synchronously.
// POST /execute
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	h.runSync(w, r, history.ModeExecute, h.orch.ExecuteOnce)
}

// Iterate runs the review-and-resume loop synchronously.
// POST /iterate
func (h *Handler) Iterate(w http.ResponseWriter, r *http.Request) {
	h.runSync(w, r, history.ModeIterate, h.orch.IterateToCompletion)
}

// ExecuteAsync accepts a job and delivers the Result to the callback URL.
// POST /execute/async
func (h *Handler) ExecuteAsync(w http.ResponseWriter, r *http.Request) {
	h.runAsync(w, r, history.ModeExecute, h.orch.ExecuteOnce)
}

// IterateAsync accepts an iterate job for webhook delivery.
// POST /iterate/async
func (h *Handler) IterateAsync(w http.ResponseWriter, r *http.Request) {
	h.runAsync(w, r, history.ModeIterate, h.orch.IterateToCompletion)
}

type jobFunc func(ctx context.Context, job orchestrator.Job) (orchestrator.Result, error)

func (h *Handler) runSync(w http.ResponseWriter, r *http.Request, mode history.Mode, run jobFunc) {
	job, ok := h.decodeJob(w, r)
	if !ok {
		return
	}

	res, err := run(r.Context(), job)
	status := dispatch.StatusFor(res, err)

	var reqErr *orchestrator.RequestError
	if errors.As(err, &reqErr) {
		h.writeError(w, status, "validation_error", reqErr.Message, "")
		return
	}
	if err != nil {
		h.writeError(w, status, "internal_error", "Job failed", err.Error())
		return
	}

	h.record(r.Context(), mode, job, res)
	h.writeJSON(w, status, res)
}

func (h *Handler) runAsync(w http.ResponseWriter, r *http.Request, mode history.Mode, run jobFunc) {
	job, ok := h.decodeJob(w, r)
	if !ok {
		return
	}
	if job.CallbackURL == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "callbackUrl is required for async execution", "")
		return
	}
	if job.RequestID == "" {
		job.RequestID = orchestrator.NewRequestID()
	}

	// Detach from the request context; the caller is gone after the ack.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncJobTimeout)
		defer cancel()

		res, err := run(ctx, job)
		if err != nil {
			var reqErr *orchestrator.RequestError
			if errors.As(err, &reqErr) {
				res.Error = reqErr.Message
			} else {
				res.Error = err.Error()
			}
			res.RequestID = job.RequestID
		}
		h.record(ctx, mode, job, res)
		h.dispatcher.DeliverWebhook(ctx, job.CallbackURL, res)
	}()

	h.writeJSON(w, http.StatusOK, AcceptedResponse{Status: "accepted", RequestID: job.RequestID})
}

// NewConversation abandons the last-used conversation and mints a new one.
// POST /conversation/new
func (h *Handler) NewConversation(w http.ResponseWriter, r *http.Request) {
	id, err := h.store.ForceNewConversation(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "memory_error", "Failed to create conversation", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, NewConversationResponse{ConversationID: id})
}

// Health reports liveness and the concurrency gate snapshot.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Queue:  h.runner.QueueStatus(),
	})
}

// ListJobs returns recent finished jobs.
// GET /jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, http.StatusNotFound, "history_disabled", "Job history is not configured", "")
		return
	}
	records, err := h.jobs.ListRecent(r.Context(), 50)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "history_error", "Failed to list jobs", err.Error())
		return
	}
	if records == nil {
		records = []*history.JobRecord{}
	}
	h.writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: records, Total: len(records)})
}

// GetJob returns one finished job by request id.
// GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeError(w, http.StatusNotFound, "history_disabled", "Job history is not configured", "")
		return
	}
	rec, err := h.jobs.FindByRequestID(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrJobNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "history_error", "Failed to load job", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// StreamLogs streams formatted log lines via SSE.
// GET /logs/stream
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	events := log.Subscribe(r.Context())
	if events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "logging_disabled", "Log streaming is not available", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported", "")
		return
	}

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(map[string]string{"line": event.Payload})
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// === Helpers ===

func (h *Handler) decodeJob(w http.ResponseWriter, r *http.Request) (orchestrator.Job, bool) {
	var job orchestrator.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return orchestrator.Job{}, false
	}
	return job, true
}

func (h *Handler) record(ctx context.Context, mode history.Mode, job orchestrator.Job, res orchestrator.Result) {
	if h.jobs == nil {
		return
	}
	if err := h.jobs.Record(ctx, mode, job, res); err != nil {
		log.Warn(log.CatDB, "job history write failed", "requestId", res.RequestID, "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error(log.CatHTTP, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
