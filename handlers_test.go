package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	store   *memStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := defaultConfig()
	cfg.Server.AdminToken = "test-admin-token"
	st := newMemStore()
	kinds := defaultKinds()
	q := newQueue(st, cfg.Queue, kinds)
	hub := newProgressHub()
	detector := newAbuseDetector(st, cfg.Abuse)
	limiter := newRateLimiter(st, cfg.Limits)
	pool := newWorkerPool(q, hub, map[string]Executor{}, cfg.Workers) // not started
	srv := newServer(cfg, st, q, pool, hub, detector, limiter)
	return &testEnv{server: srv, handler: srv.routes(), store: st}
}

const submitBody = `{"kind":"pdf-docx","payload":{"input_path":"/tmp/in.pdf","file_name":"report.pdf","size_bytes":2048}}`

func guestSubmit(env *testEnv, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(submitBody))
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func guestFingerprint(ip string) string {
	return Fingerprint(FingerprintAttrs{
		UserAgent:      "Mozilla/5.0",
		AcceptLanguage: "en-US",
		AcceptEncoding: "gzip",
		Accept:         "application/json",
		IP:             ip,
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestGuestQuotaEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	base := time.Now()
	env.store.now = func() time.Time { return base }

	// Three submissions within the window are admitted and enqueued.
	for i := 0; i < 3; i++ {
		rec := guestSubmit(env, "1.2.3.4")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submission %d: status %d, body %s", i+1, rec.Code, rec.Body.String())
		}
		var resp submitResponse
		decodeBody(t, rec, &resp)
		if resp.Status != StateQueued || resp.JobID == "" {
			t.Errorf("submission %d: %+v", i+1, resp)
		}
	}

	// The fourth is denied with a reset-time hint.
	rec := guestSubmit(env, "1.2.3.4")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("4th submission: status %d, want 429", rec.Code)
	}
	var denial errorResponse
	decodeBody(t, rec, &denial)
	if denial.Reason != ReasonRateLimited {
		t.Errorf("reason = %q, want %q", denial.Reason, ReasonRateLimited)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("denied response must carry the reset hint")
	}

	// After the window rolls over, the next submission is admitted again.
	env.store.now = func() time.Time { return base.Add(61 * time.Minute) }
	if rec := guestSubmit(env, "1.2.3.4"); rec.Code != http.StatusAccepted {
		t.Errorf("post-rollover submission: status %d, want 202", rec.Code)
	}
}

func TestBlockedFingerprintDeniedDespiteQuota(t *testing.T) {
	env := newTestEnv(t)
	fp := guestFingerprint("5.6.7.8")
	env.server.detector.Block(context.Background(), fp, "scripted abuse", time.Hour)

	rec := guestSubmit(env, "5.6.7.8")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var denial errorResponse
	decodeBody(t, rec, &denial)
	if denial.Reason != ReasonBlocked {
		t.Errorf("reason = %q, want %q", denial.Reason, ReasonBlocked)
	}
}

func TestSuspiciousFlagsVerificationWithoutBlocking(t *testing.T) {
	env := newTestEnv(t)
	fp := guestFingerprint("9.9.9.9")
	// Pre-load enough observations to push the device over the threshold.
	for i := 0; i < 60; i++ {
		env.server.detector.Observe(context.Background(), fp, "9.9.9.9")
	}

	rec := guestSubmit(env, "9.9.9.9")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("suspicious identity must still be admitted: %d", rec.Code)
	}
	if rec.Header().Get("X-Verification-Required") != "1" {
		t.Error("suspicious request must carry the verification header")
	}
	var resp submitResponse
	decodeBody(t, rec, &resp)
	if !resp.VerificationRequired {
		t.Error("response body must surface verification_required")
	}
}

func TestPremiumBypassesQuota(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(submitBody))
		req.Header.Set("X-User-ID", "u-premium")
		req.Header.Set("X-User-Tier", "premium")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("premium submission %d: status %d", i+1, rec.Code)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantReason string
	}{
		{"invalid json", `{`, http.StatusBadRequest, ReasonInvalidPayload},
		{"unknown kind", `{"kind":"gif-mp4","payload":{"input_path":"/a","file_name":"a.gif"}}`, http.StatusBadRequest, ReasonInvalidKind},
		{"missing payload", `{"kind":"pdf-docx"}`, http.StatusBadRequest, ReasonInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(tt.body))
			req.Header.Set("X-User-ID", "u-1")
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp errorResponse
			decodeBody(t, rec, &resp)
			if resp.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", resp.Reason, tt.wantReason)
			}
		})
	}
}

func TestDuplicateJobIDConflicts(t *testing.T) {
	env := newTestEnv(t)
	body := `{"job_id":"fixed-id","kind":"pdf-docx","payload":{"input_path":"/a","file_name":"a.pdf"}}`

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.Header.Set("X-User-ID", "u-1")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first submit: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.Header.Set("X-User-ID", "u-1")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate submit: %d, want 409", rec.Code)
	}
}

func TestStatusAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := guestSubmit(env, "8.8.8.8")
	var resp submitResponse
	decodeBody(t, rec, &resp)

	req := httptest.NewRequest(http.MethodGet, "/jobs/pdf-docx/"+resp.JobID, nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d", w.Code)
	}
	var view jobResponse
	decodeBody(t, w, &view)
	if view.State != StateQueued || view.JobID != resp.JobID {
		t.Errorf("view = %+v", view)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs/pdf-docx/no-such-job", nil)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown job: %d, want 404", w.Code)
	}
}

func TestResultBeforeCompletionConflicts(t *testing.T) {
	env := newTestEnv(t)
	rec := guestSubmit(env, "8.8.4.4")
	var resp submitResponse
	decodeBody(t, rec, &resp)

	req := httptest.NewRequest(http.MethodGet, "/jobs/pdf-docx/"+resp.JobID+"/result", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Fatalf("result while queued: %d, want 409", w.Code)
	}
	var denial errorResponse
	decodeBody(t, w, &denial)
	if denial.Reason != ReasonJobNotFinished {
		t.Errorf("reason = %q", denial.Reason)
	}
	if !strings.Contains(denial.Error, string(StateQueued)) {
		t.Errorf("message should name the current state: %q", denial.Error)
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := guestSubmit(env, "7.7.7.7")
	var resp submitResponse
	decodeBody(t, rec, &resp)

	req := httptest.NewRequest(http.MethodDelete, "/jobs/pdf-docx/"+resp.JobID, nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel queued: %d", w.Code)
	}

	// A second cancel hits a terminal job and must conflict.
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/jobs/pdf-docx/"+resp.JobID, nil))
	if w.Code != http.StatusConflict {
		t.Errorf("cancel terminal: %d, want 409", w.Code)
	}
}

func TestHistoryRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("guest history: %d, want 401", w.Code)
	}

	// Authenticated user sees their submissions, most recent first.
	for _, id := range []string{"hist-1", "hist-2"} {
		body := `{"job_id":"` + id + `","kind":"pdf-docx","payload":{"input_path":"/a","file_name":"a.pdf"}}`
		req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
		req.Header.Set("X-User-ID", "u-hist")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit %s: %d", id, rec.Code)
		}
	}
	req = httptest.NewRequest(http.MethodGet, "/jobs?limit=10", nil)
	req.Header.Set("X-User-ID", "u-hist")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("history: %d", w.Code)
	}
	var resp struct {
		Jobs []jobResponse `json:"jobs"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Jobs) != 2 || resp.Jobs[0].JobID != "hist-2" || resp.Jobs[1].JobID != "hist-1" {
		t.Errorf("history = %+v", resp.Jobs)
	}
}

// staleReadStore serves the first job read from a pre-terminal snapshot,
// reproducing a job that finishes between a handler's initial read and its
// event subscription.
type staleReadStore struct {
	Store
	reads int
}

func (s *staleReadStore) GetJob(ctx context.Context, kind, id string) (*Job, error) {
	job, err := s.Store.GetJob(ctx, kind, id)
	s.reads++
	if err == nil && s.reads == 1 && job.State.Terminal() {
		stale := *job
		stale.State = StateActive
		stale.Result = nil
		stale.FinishedMS = 0
		stale.Progress = 50
		return &stale, nil
	}
	return job, err
}

func TestEventsCatchTerminalRace(t *testing.T) {
	cfg := defaultConfig()
	st := newMemStore()
	wrapped := &staleReadStore{Store: st}
	q := newQueue(wrapped, cfg.Queue, defaultKinds())
	hub := newProgressHub()
	pool := newWorkerPool(q, hub, map[string]Executor{}, cfg.Workers) // not started
	srv := newServer(cfg, wrapped, q, pool, hub,
		newAbuseDetector(wrapped, cfg.Abuse), newRateLimiter(wrapped, cfg.Limits))
	handler := srv.routes()
	ctx := context.Background()

	job := testJob("ev-race", "pdf-docx", PriorityNormal)
	job.Payload.InputPath = "/tmp/ev-race.pdf"
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	claimed, err := st.ClaimNext(ctx, "pdf-docx", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CompleteJob(ctx, "pdf-docx", "ev-race", claimed.Attempt,
		Result{OutputPath: "/out/ev-race.docx"}, time.Now(), time.Hour); err != nil {
		t.Fatal(err)
	}

	// Bound the request so a missed terminal frame fails instead of hanging.
	reqCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/jobs/pdf-docx/ev-race/events", nil).WithContext(reqCtx)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, `"terminal":true`) || !strings.Contains(body, string(StateCompleted)) {
		t.Fatalf("stream missing the terminal frame: %q", body)
	}
}

func TestAdminBlockEndpoints(t *testing.T) {
	env := newTestEnv(t)
	body := `{"fingerprint":"fp-admin","reason":"chargeback fraud","duration_seconds":3600}`

	// Without the token the endpoint refuses.
	req := httptest.NewRequest(http.MethodPost, "/admin/blocks", strings.NewReader(body))
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("unauthenticated admin block: %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/blocks", strings.NewReader(body))
	req.Header.Set("X-Admin-Token", "test-admin-token")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("admin block: %d, body %s", w.Code, w.Body.String())
	}
	if blocked, rec := env.server.detector.IsBlocked(context.Background(), "fp-admin"); !blocked || rec.Reason != "chargeback fraud" {
		t.Fatalf("block not applied: %v %+v", blocked, rec)
	}

	req = httptest.NewRequest(http.MethodDelete, "/admin/blocks/fp-admin", nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("admin unblock: %d", w.Code)
	}
	if blocked, _ := env.server.detector.IsBlocked(context.Background(), "fp-admin"); blocked {
		t.Error("fingerprint still blocked after unblock")
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	guestSubmit(env, "3.3.3.3")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	var health HealthStatus
	decodeBody(t, w, &health)
	if health.Status != "healthy" {
		t.Errorf("status = %q", health.Status)
	}
	if health.Workers != defaultConfig().Workers.PoolSize {
		t.Errorf("workers = %d", health.Workers)
	}
	if health.Queues["pdf-docx"].Pending != 1 {
		t.Errorf("pending depth = %d, want 1", health.Queues["pdf-docx"].Pending)
	}
}
