package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// ErrInvalidJob marks synchronous validation failures; such jobs are never
// enqueued.
var ErrInvalidJob = errors.New("invalid job")

// KindSpec describes one registered job kind. OCR kinds run on a fixed
// timeout and a lower attempt budget (the engine holds far more memory).
type KindSpec struct {
	Name      string
	OCR       bool
	OutputExt string
}

func defaultKinds() []KindSpec {
	return []KindSpec{
		{Name: "pdf-docx", OutputExt: ".docx"},
		{Name: "docx-pdf", OutputExt: ".pdf"},
		{Name: "xlsx-csv", OutputExt: ".csv"},
		{Name: "ocr", OCR: true, OutputExt: ".txt"},
	}
}

// Queue is the durable priority queue of conversion/OCR work. All state
// lives in the shared store; the queue owns the transition rules (retry
// budget, backoff, execution timeout, terminal retention). Unlike the
// admission components it cannot fail open: a job cannot be optimistically
// enqueued without durable state, so store errors surface to the caller.
type Queue struct {
	store    Store
	cfg      QueueConfig
	kinds    map[string]KindSpec
	order    []string
	rr       atomic.Uint64
	finished int64 // completed counter for health
	buried   int64 // dead counter for health
}

func newQueue(store Store, cfg QueueConfig, kinds []KindSpec) *Queue {
	q := &Queue{store: store, cfg: cfg, kinds: make(map[string]KindSpec, len(kinds))}
	for _, k := range kinds {
		q.kinds[k.Name] = k
		q.order = append(q.order, k.Name)
	}
	return q
}

func (q *Queue) Kind(name string) (KindSpec, bool) {
	k, ok := q.kinds[name]
	return k, ok
}

func (q *Queue) Kinds() []string { return q.order }

func (q *Queue) maxAttempts(spec KindSpec) int {
	if spec.OCR {
		return q.cfg.OCRMaxAttempts
	}
	return q.cfg.MaxAttempts
}

// execTimeout derives the per-job execution budget from the payload size,
// clamped to the configured bounds. OCR runs on a fixed budget.
func (q *Queue) execTimeout(spec KindSpec, sizeBytes int64) time.Duration {
	if spec.OCR {
		return time.Duration(q.cfg.OCRTimeoutSec) * time.Second
	}
	secs := int(sizeBytes / int64(q.cfg.TimeoutBytesPerSec))
	if secs < q.cfg.MinTimeoutSec {
		secs = q.cfg.MinTimeoutSec
	}
	if secs > q.cfg.MaxTimeoutSec {
		secs = q.cfg.MaxTimeoutSec
	}
	return time.Duration(secs) * time.Second
}

// backoffDelay grows exponentially with the attempt number, capped.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	delay := q.cfg.BackoffBase()
	for i := 0; i < attempt && delay < q.cfg.BackoffCap(); i++ {
		delay *= 2
	}
	if delay > q.cfg.BackoffCap() {
		delay = q.cfg.BackoffCap()
	}
	return delay
}

// Enqueue admits a validated job in state queued. The job ID is the
// idempotency guard: a duplicate submission is rejected with ErrJobExists.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	spec, ok := q.kinds[job.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, job.Kind)
	}
	if job.ID == "" {
		return fmt.Errorf("%w: missing job ID", ErrInvalidJob)
	}
	if job.Payload.InputPath == "" || job.Payload.FileName == "" {
		return fmt.Errorf("%w: missing payload input", ErrInvalidJob)
	}
	if job.Priority == "" {
		job.Priority = PriorityNormal
	}
	if !job.Priority.valid() {
		return fmt.Errorf("%w: invalid priority %q", ErrInvalidJob, job.Priority)
	}
	job.State = StateQueued
	job.Attempt = 0
	job.Progress = 0
	job.CreatedMS = nowMS()
	job.MaxAttempts = q.maxAttempts(spec)
	job.TimeoutMS = q.execTimeout(spec, job.Payload.SizeBytes).Milliseconds()

	if err := q.store.CreateJob(ctx, job); err != nil {
		return err
	}
	jobsEnqueued.WithLabelValues(job.Kind, string(job.Priority)).Inc()
	if job.Payload.Owner != "" {
		if err := q.store.PushHistory(ctx, job.Payload.Owner, job.Kind, job.ID, q.cfg.HistoryLimit); err != nil {
			log.Printf("⚠️  queue: history push for %s failed: %v", job.ID, err)
		}
	}
	return nil
}

// Dequeue claims the next eligible job across all kinds, rotating the
// starting kind so no kind starves. Returns ErrNoJob when idle.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	start := int(q.rr.Add(1))
	for i := 0; i < len(q.order); i++ {
		kind := q.order[(start+i)%len(q.order)]
		job, err := q.store.ClaimNext(ctx, kind, time.Now())
		if err == ErrNoJob {
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, ErrNoJob
}

// Complete transitions the worker's active job to completed. A conflict
// means the job was reclaimed by timeout in the meantime; the result is
// discarded.
func (q *Queue) Complete(ctx context.Context, job *Job, res Result) (*Job, error) {
	done, err := q.store.CompleteJob(ctx, job.Kind, job.ID, job.Attempt, res, time.Now(), q.cfg.CompletedTTL())
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&q.finished, 1)
	jobsCompleted.WithLabelValues(job.Kind).Inc()
	jobDuration.WithLabelValues(job.Kind).Observe(float64(done.FinishedMS-done.StartedMS) / 1000)
	return done, nil
}

// Fail records a failed attempt: re-queue with exponential backoff while
// the attempt budget lasts, otherwise bury the job with its final reason.
func (q *Queue) Fail(ctx context.Context, job *Job, cause string) (*Job, error) {
	if job.Attempt < job.MaxAttempts {
		delay := q.backoffDelay(job.Attempt)
		retried, err := q.store.RetryJob(ctx, job.Kind, job.ID, job.Attempt, cause, time.Now().Add(delay))
		if err != nil {
			return nil, err
		}
		jobRetries.WithLabelValues(job.Kind).Inc()
		log.Printf("🔁 job %s attempt %d/%d failed, retry in %s: %s",
			job.ID, job.Attempt, job.MaxAttempts, delay, cause)
		return retried, nil
	}
	dead, err := q.store.BuryJob(ctx, job.Kind, job.ID, job.Attempt, cause, time.Now(), q.cfg.DeadTTL())
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&q.buried, 1)
	jobsDead.WithLabelValues(job.Kind).Inc()
	log.Printf("💀 job %s dead after %d attempts: %s", job.ID, job.Attempt, cause)
	return dead, nil
}

// Cancel succeeds only while the job is still queued; an active or
// terminal job reports ErrConflict and is left untouched.
func (q *Queue) Cancel(ctx context.Context, kind, id string) (*Job, error) {
	return q.store.CancelJob(ctx, kind, id, time.Now(), q.cfg.DeadTTL())
}

// RecordProgress stores the advisory percent on the job record so Status
// polls see it. Best-effort.
func (q *Queue) RecordProgress(ctx context.Context, kind, id string, percent int) error {
	return q.store.SetProgress(ctx, kind, id, percent)
}

// Status returns a point-in-time snapshot of the job.
func (q *Queue) Status(ctx context.Context, kind, id string) (*Job, error) {
	return q.store.GetJob(ctx, kind, id)
}

// ReclaimExpired moves timed-out active jobs back through the retry path.
// A worker that died mid-job loses its claim here; a worker that is merely
// late finds its Complete/Fail rejected by the attempt guard.
func (q *Queue) ReclaimExpired(ctx context.Context) int {
	reclaimed := 0
	for _, kind := range q.order {
		ids, err := q.store.ExpiredActive(ctx, kind, time.Now())
		if err != nil {
			log.Printf("⚠️  queue: reclaim scan %s failed: %v", kind, err)
			continue
		}
		for _, id := range ids {
			job, err := q.store.GetJob(ctx, kind, id)
			if err != nil {
				continue
			}
			after, err := q.Fail(ctx, job, "execution timeout")
			if err == ErrConflict {
				continue // the worker finished inside the scan window
			}
			if err != nil {
				log.Printf("⚠️  queue: reclaim %s failed: %v", id, err)
				continue
			}
			reclaimed++
			if after.State == StateDead {
				// The worker that held the claim is gone, so nobody else
				// will release the input file.
				removeInput(job)
			}
		}
	}
	return reclaimed
}

// removeInput releases the payload input once a job is terminal. Shared by
// the worker (normal terminal transitions) and the reclaim path (the
// claiming worker is gone).
func removeInput(job *Job) {
	if job.Payload.InputPath == "" {
		return
	}
	if err := os.Remove(job.Payload.InputPath); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️  removing input for %s: %v", job.ID, err)
	}
}

// Sweep purges terminal jobs past their retention and returns them so the
// caller can remove any leftover output files.
func (q *Queue) Sweep(ctx context.Context) []Job {
	now := time.Now()
	var swept []Job
	for _, kind := range q.order {
		removed, err := q.store.SweepTerminal(ctx, kind,
			now.Add(-q.cfg.CompletedTTL()), now.Add(-q.cfg.DeadTTL()), 200)
		if err != nil {
			log.Printf("⚠️  queue: sweep %s failed: %v", kind, err)
			continue
		}
		swept = append(swept, removed...)
	}
	return swept
}

// EstimateSeconds is the submission-time hint: the job's own budget plus
// the backlog ahead of it.
func (q *Queue) EstimateSeconds(ctx context.Context, kind string, sizeBytes int64, poolSize int) int {
	spec, ok := q.kinds[kind]
	if !ok {
		return 0
	}
	own := int(q.execTimeout(spec, sizeBytes).Seconds()) / 4
	depths, err := q.store.Depths(ctx, kind)
	if err != nil {
		return own
	}
	waiting := int(depths.Pending + depths.Delayed + depths.Active)
	if poolSize < 1 {
		poolSize = 1
	}
	return own * (1 + waiting/poolSize)
}

// Depths reports queue gauges for health and metrics.
func (q *Queue) Depths(ctx context.Context, kind string) (QueueDepths, error) {
	return q.store.Depths(ctx, kind)
}

// History returns the owner's recent job snapshots, most recent first.
func (q *Queue) History(ctx context.Context, owner string, limit int) ([]*Job, error) {
	refs, err := q.store.History(ctx, owner, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(refs))
	for _, ref := range refs {
		kind, id, ok := splitJobRef(ref)
		if !ok {
			continue
		}
		job, err := q.store.GetJob(ctx, kind, id)
		if err == ErrJobNotFound {
			continue // swept since
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func splitJobRef(ref string) (kind, id string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}

// Counters for the health snapshot.
func (q *Queue) CompletedCount() int64 { return atomic.LoadInt64(&q.finished) }
func (q *Queue) DeadCount() int64      { return atomic.LoadInt64(&q.buried) }
