package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Server struct {
	cfg      *Config
	store    Store
	queue    *Queue
	pool     *WorkerPool
	hub      *ProgressHub
	detector *AbuseDetector
	limiter  *RateLimiter
	started  time.Time
}

func newServer(cfg *Config, store Store, queue *Queue, pool *WorkerPool, hub *ProgressHub,
	detector *AbuseDetector, limiter *RateLimiter) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		pool:     pool,
		hub:      hub,
		detector: detector,
		limiter:  limiter,
		started:  time.Now(),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(globalLimitMiddleware(rate.NewLimiter(rate.Limit(s.cfg.Server.RequestsPerSecond), s.cfg.Server.BurstSize)))
	r.Use(identityMiddleware)

	gate := &admissionGate{detector: s.detector, limiter: s.limiter}
	r.With(gate.Middleware).Post("/jobs", s.handleSubmit)

	r.Get("/jobs", s.handleHistory)
	r.Get("/jobs/{kind}/{id}", s.handleStatus)
	r.Get("/jobs/{kind}/{id}/result", s.handleResult)
	r.Get("/jobs/{kind}/{id}/events", s.handleEvents)
	r.Delete("/jobs/{kind}/{id}", s.handleCancel)

	r.Post("/admin/blocks", s.handleAdminBlock)
	r.Delete("/admin/blocks/{fingerprint}", s.handleAdminUnblock)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Reason: reason})
}

type submitRequest struct {
	JobID   string `json:"job_id,omitempty"`
	Kind    string `json:"kind"`
	Wait    bool   `json:"wait,omitempty"`
	Payload struct {
		InputPath string            `json:"input_path"`
		FileName  string            `json:"file_name"`
		SizeBytes int64             `json:"size_bytes"`
		Options   map[string]string `json:"options,omitempty"`
	} `json:"payload"`
}

type submitResponse struct {
	JobID                string   `json:"job_id"`
	Status               JobState `json:"status"`
	EstimatedSeconds     int      `json:"estimated_seconds"`
	VerificationRequired bool     `json:"verification_required,omitempty"`
	StatusEndpoint       string   `json:"status_endpoint"`
}

// priorityForTier maps the identity tier to the scheduling class.
func priorityForTier(tier Tier) Priority {
	switch tier {
	case TierPremium:
		return PriorityHigh
	case TierFree:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonInvalidPayload, "invalid JSON body")
		return
	}
	if _, ok := s.queue.Kind(req.Kind); !ok {
		writeError(w, http.StatusBadRequest, ReasonInvalidKind, fmt.Sprintf("unknown job kind %q", req.Kind))
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	job := &Job{
		ID:       jobID,
		Kind:     req.Kind,
		Priority: priorityForTier(id.Tier),
		Payload: Payload{
			InputPath: req.Payload.InputPath,
			FileName:  req.Payload.FileName,
			SizeBytes: req.Payload.SizeBytes,
			Owner:     RateKey(id),
			Options:   req.Payload.Options,
		},
	}

	// Subscribe before enqueue so a very fast job cannot finish unseen.
	var events <-chan ProgressEvent
	var cancelSub func()
	if req.Wait {
		events, cancelSub = s.hub.Subscribe(jobID)
		defer cancelSub()
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		switch {
		case errors.Is(err, ErrJobExists):
			writeError(w, http.StatusConflict, ReasonJobExists, "a job with this ID already exists")
		case errors.Is(err, ErrInvalidJob):
			writeError(w, http.StatusBadRequest, ReasonInvalidPayload, err.Error())
		default:
			writeError(w, http.StatusServiceUnavailable, ReasonStoreUnavailable, "job store unavailable, try again later")
		}
		return
	}

	if req.Wait {
		timer := time.NewTimer(time.Duration(s.cfg.Server.FastPathWaitSec) * time.Second)
		defer timer.Stop()
	waitLoop:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					break waitLoop
				}
				if !ev.Terminal {
					continue
				}
				if done, err := s.queue.Status(ctx, req.Kind, jobID); err == nil {
					writeJSON(w, http.StatusOK, jobView(done))
					return
				}
				break waitLoop
			case <-timer.C:
				break waitLoop
			case <-ctx.Done():
				break waitLoop
			}
		}
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:                jobID,
		Status:               StateQueued,
		EstimatedSeconds:     s.queue.EstimateSeconds(ctx, req.Kind, req.Payload.SizeBytes, s.pool.Size()),
		VerificationRequired: verificationRequired(ctx),
		StatusEndpoint:       fmt.Sprintf("/jobs/%s/%s", req.Kind, jobID),
	})
}

type jobResponse struct {
	JobID       string   `json:"job_id"`
	Kind        string   `json:"kind"`
	State       JobState `json:"state"`
	Priority    Priority `json:"priority"`
	Progress    int      `json:"progress"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"max_attempts"`
	FileName    string   `json:"file_name"`
	CreatedAt   string   `json:"created_at"`
	StartedAt   string   `json:"started_at,omitempty"`
	FinishedAt  string   `json:"finished_at,omitempty"`
	Result      *Result  `json:"result,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func jobView(j *Job) jobResponse {
	v := jobResponse{
		JobID:       j.ID,
		Kind:        j.Kind,
		State:       j.State,
		Priority:    j.Priority,
		Progress:    j.Progress,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		FileName:    j.Payload.FileName,
		CreatedAt:   j.CreatedAt().UTC().Format(time.RFC3339),
		Error:       j.Error,
		Result:      j.Result,
	}
	if j.StartedMS != 0 {
		v.StartedAt = j.StartedAt().UTC().Format(time.RFC3339)
	}
	if j.FinishedMS != 0 {
		v.FinishedAt = j.FinishedAt().UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) *Job {
	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")
	job, err := s.queue.Status(r.Context(), kind, id)
	if err == ErrJobNotFound {
		writeError(w, http.StatusNotFound, ReasonJobNotFound, "no such job")
		return nil
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ReasonStoreUnavailable, "job store unavailable")
		return nil
	}
	return job
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if job := s.loadJob(w, r); job != nil {
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	if job.State != StateCompleted {
		writeError(w, http.StatusConflict, ReasonJobNotFinished,
			fmt.Sprintf("result not available, job is %s", job.State))
		return
	}
	file, err := os.Open(job.Result.OutputPath)
	if err != nil {
		writeError(w, http.StatusNotFound, ReasonJobNotFound, "result file no longer available")
		return
	}
	defer file.Close()

	name := job.Payload.FileName
	if ext := filepath.Ext(job.Result.OutputPath); ext != "" {
		name = strTrimExt(name) + ext
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	io.Copy(w, file)
}

func strTrimExt(name string) string {
	if ext := filepath.Ext(name); ext != "" {
		return name[:len(name)-len(ext)]
	}
	return name
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	id := chi.URLParam(r, "id")
	job, err := s.queue.Cancel(r.Context(), kind, id)
	switch {
	case err == ErrJobNotFound:
		writeError(w, http.StatusNotFound, ReasonJobNotFound, "no such job")
		return
	case err == ErrConflict:
		writeError(w, http.StatusConflict, ReasonJobConflict,
			"only queued jobs can be cancelled")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, ReasonStoreUnavailable, "job store unavailable")
		return
	}
	s.hub.Publish(ProgressEvent{
		JobID:    job.ID,
		Kind:     job.Kind,
		Message:  "cancelled",
		Terminal: true,
		State:    StateCancelled,
	})
	writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if !id.Authenticated() {
		writeError(w, http.StatusUnauthorized, ReasonUnauthorized, "history requires authentication")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > s.cfg.Queue.HistoryLimit {
		limit = s.cfg.Queue.HistoryLimit
	}
	jobs, err := s.queue.History(r.Context(), RateKey(id), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ReasonStoreUnavailable, "job store unavailable")
		return
	}
	views := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

// handleEvents streams progress and terminal events for one job over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job := s.loadJob(w, r)
	if job == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	writeSSE := func(ev ProgressEvent) {
		data, _ := json.Marshal(ev)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if job.State.Terminal() {
		writeSSE(ProgressEvent{
			JobID:    job.ID,
			Kind:     job.Kind,
			Percent:  job.Progress,
			Message:  job.Error,
			Terminal: true,
			State:    job.State,
		})
		return
	}

	events, cancel := s.hub.Subscribe(job.ID)
	defer cancel()

	// The job may have gone terminal between the snapshot and the
	// subscription; the hub never replays that event.
	if cur, err := s.queue.Status(r.Context(), job.Kind, job.ID); err == nil && cur.State.Terminal() {
		writeSSE(ProgressEvent{
			JobID:    cur.ID,
			Kind:     cur.Kind,
			Percent:  cur.Progress,
			Message:  cur.Error,
			Terminal: true,
			State:    cur.State,
		})
		return
	}

	// Current position first, then live updates.
	writeSSE(ProgressEvent{JobID: job.ID, Kind: job.Kind, Percent: job.Progress, State: job.State})
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(ev)
			if ev.Terminal {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

type adminBlockRequest struct {
	Fingerprint     string `json:"fingerprint"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration_seconds"`
}

func (s *Server) adminAuthorized(r *http.Request) bool {
	token := s.cfg.Server.AdminToken
	if token == "" {
		return false
	}
	got := r.Header.Get("X-Admin-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func (s *Server) handleAdminBlock(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusForbidden, ReasonUnauthorized, "admin token required")
		return
	}
	var req adminBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Fingerprint == "" || req.DurationSeconds <= 0 {
		writeError(w, http.StatusBadRequest, ReasonInvalidPayload, "fingerprint and duration_seconds are required")
		return
	}
	if req.Reason == "" {
		req.Reason = "administrative block"
	}
	if !s.detector.Block(r.Context(), req.Fingerprint, req.Reason, time.Duration(req.DurationSeconds)*time.Second) {
		writeError(w, http.StatusServiceUnavailable, ReasonStoreUnavailable, "block store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"blocked": req.Fingerprint})
}

func (s *Server) handleAdminUnblock(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, http.StatusForbidden, ReasonUnauthorized, "admin token required")
		return
	}
	fp := chi.URLParam(r, "fingerprint")
	if err := s.detector.Unblock(r.Context(), fp); err != nil {
		writeError(w, http.StatusServiceUnavailable, ReasonStoreUnavailable, "block store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unblocked": fp})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	queues := make(map[string]QueueDepths, len(s.queue.Kinds()))
	for _, kind := range s.queue.Kinds() {
		d, err := s.queue.Depths(r.Context(), kind)
		if err != nil {
			continue
		}
		queues[kind] = d
		updateQueueGauges(kind, d)
	}
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:        status,
		Workers:       s.pool.Size(),
		Queues:        queues,
		CompletedJobs: s.queue.CompletedCount(),
		FailedJobs:    s.queue.DeadCount(),
		Uptime:        time.Since(s.started).String(),
	})
}
