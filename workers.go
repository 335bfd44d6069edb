package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Executor runs one job kind's conversion. Opaque collaborator: the core
// never inspects what happens inside, only the result reference or error.
// report is the advisory progress callback.
type Executor func(ctx context.Context, job *Job, report func(percent int, message string)) (*Result, error)

// WorkerPool is a fixed set of workers pulling from the queue. Its size
// bounds total concurrent heavy work; the default stays small because one
// OCR run holds the engine's full memory footprint.
type WorkerPool struct {
	queue *Queue
	hub   *ProgressHub
	execs map[string]Executor
	size  int
	poll  time.Duration
	wg    sync.WaitGroup
}

func newWorkerPool(queue *Queue, hub *ProgressHub, execs map[string]Executor, cfg WorkersConfig) *WorkerPool {
	return &WorkerPool{
		queue: queue,
		hub:   hub,
		execs: execs,
		size:  cfg.PoolSize,
		poll:  cfg.PollInterval(),
	}
}

func (p *WorkerPool) Size() int { return p.size }

// Start launches the pool. Workers stop claiming new jobs once ctx is
// cancelled; anything still in flight at process exit is reclaimed later
// by the queue's timeout path.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until every worker returned.
func (p *WorkerPool) Wait() { p.wg.Wait() }

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log.Printf("Worker %d started.", id)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Worker %d stopped.", id)
			return
		default:
		}
		job, err := p.queue.Dequeue(ctx)
		if err == ErrNoJob {
			p.sleep(ctx)
			continue
		}
		if err != nil {
			log.Printf("⚠️  worker %d: dequeue failed: %v", id, err)
			p.sleep(ctx)
			continue
		}
		p.process(ctx, job, id)
	}
}

func (p *WorkerPool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.poll):
	}
}

func (p *WorkerPool) process(ctx context.Context, job *Job, workerID int) {
	log.Printf("Worker %d: processing job %s (%s, attempt %d/%d)",
		workerID, job.ID, job.Kind, job.Attempt, job.MaxAttempts)

	exec, ok := p.execs[job.Kind]
	if !ok {
		p.fail(ctx, job, fmt.Sprintf("no executor registered for kind %q", job.Kind), 0)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(job.TimeoutMS)*time.Millisecond)
	defer cancel()

	// The percent clamp keeps the published stream monotonic even when an
	// engine reports out of order.
	last := 0
	report := func(percent int, message string) {
		if percent < last {
			percent = last
		}
		if percent > 99 {
			percent = 99
		}
		last = percent
		p.hub.Publish(ProgressEvent{
			JobID:   job.ID,
			Kind:    job.Kind,
			Percent: percent,
			Message: message,
		})
		if err := p.queue.RecordProgress(ctx, job.Kind, job.ID, percent); err != nil {
			log.Printf("⚠️  worker %d: progress update for %s failed: %v", workerID, job.ID, err)
		}
	}

	res, err := exec(execCtx, job, report)
	if err != nil {
		cause := err.Error()
		if execCtx.Err() == context.DeadlineExceeded {
			cause = "execution timeout"
		}
		if res != nil && res.OutputPath != "" {
			_ = os.Remove(res.OutputPath)
		}
		p.fail(ctx, job, cause, last)
		return
	}

	done, err := p.queue.Complete(ctx, job, *res)
	if err == ErrConflict {
		// Reclaimed by timeout while we were finishing; the retry owns the
		// input now, so only the orphaned output goes.
		log.Printf("⚠️  worker %d: job %s finished after reclaim, discarding result", workerID, job.ID)
		_ = os.Remove(res.OutputPath)
		return
	}
	if err != nil {
		log.Printf("⚠️  worker %d: completing %s failed: %v", workerID, job.ID, err)
		return
	}
	removeInput(job)
	p.hub.Publish(ProgressEvent{
		JobID:    job.ID,
		Kind:     job.Kind,
		Percent:  100,
		Message:  "completed",
		Terminal: true,
		State:    StateCompleted,
	})
	log.Printf("Worker %d: job %s completed in %s",
		workerID, job.ID, time.Duration(done.FinishedMS-done.StartedMS)*time.Millisecond)
}

// fail routes a failed attempt through the queue. percent is the last
// progress the worker reported, so the published frames never dip below
// what subscribers already saw.
func (p *WorkerPool) fail(ctx context.Context, job *Job, cause string, percent int) {
	after, err := p.queue.Fail(ctx, job, cause)
	if err == ErrConflict {
		return // reclaimed; the retry path already took over
	}
	if err != nil {
		log.Printf("⚠️  failing job %s: %v", job.ID, err)
		return
	}
	if after.State == StateDead {
		removeInput(job)
		p.hub.Publish(ProgressEvent{
			JobID:    job.ID,
			Kind:     job.Kind,
			Percent:  percent,
			Message:  cause,
			Terminal: true,
			State:    StateDead,
		})
	} else {
		p.hub.Publish(ProgressEvent{
			JobID:   job.ID,
			Kind:    job.Kind,
			Percent: percent,
			Message: "retry scheduled: " + cause,
			State:   StateQueued,
		})
	}
}
