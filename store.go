package main

import (
	"context"
	"errors"
	"time"
)

var (
	ErrJobExists   = errors.New("job already exists")
	ErrJobNotFound = errors.New("job not found")
	ErrNoJob       = errors.New("no eligible job")
	ErrConflict    = errors.New("conflicting job state")
)

// Store is the shared source of truth for rate counters, device and block
// records, and job state. Every method that coordinates concurrent callers
// is a single atomic operation at the backend (a Lua script on Redis, one
// mutex hold in memory); no caller performs read-modify-write across two
// round trips. All records are TTL-capable.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// IncrWindow atomically increments the counter at key, setting the
	// window expiry only when the returned count is 1 (a fresh window).
	// Returns the new count and the window's remaining TTL.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// TouchDevice upserts the fingerprint's DeviceRecord: increments its
	// request counter, updates last-seen fields and refreshes the TTL.
	// Returns the record after the update.
	TouchDevice(ctx context.Context, fp, ip string, now time.Time, ttl time.Duration) (DeviceRecord, error)

	GetDevice(ctx context.Context, fp string) (*DeviceRecord, error)

	PutBlock(ctx context.Context, fp string, rec BlockRecord, ttl time.Duration) error
	GetBlock(ctx context.Context, fp string) (*BlockRecord, error)
	DeleteBlock(ctx context.Context, fp string) error

	// CreateJob stores a queued job and adds it to its kind's pending set.
	// Returns ErrJobExists when the ID is already present.
	CreateJob(ctx context.Context, job *Job) error

	GetJob(ctx context.Context, kind, id string) (*Job, error)

	// ClaimNext promotes due delayed jobs, then atomically moves the next
	// eligible pending job (highest priority, FIFO within the tier) to
	// active, binding it to the caller. The job's attempt counter is
	// incremented and its execution deadline (now + TimeoutMS) recorded.
	// Returns ErrNoJob when nothing is eligible.
	ClaimNext(ctx context.Context, kind string, now time.Time) (*Job, error)

	// CompleteJob transitions active -> completed if the job is still
	// active on the expected attempt; otherwise ErrConflict. The record is
	// retained for ttl.
	CompleteJob(ctx context.Context, kind, id string, attempt int, res Result, now time.Time, ttl time.Duration) (*Job, error)

	// RetryJob transitions active -> queued with the given eligibility
	// time, guarded like CompleteJob.
	RetryJob(ctx context.Context, kind, id string, attempt int, reason string, notBefore time.Time) (*Job, error)

	// BuryJob transitions active -> dead with the final failure reason,
	// guarded like CompleteJob. The record is retained for ttl.
	BuryJob(ctx context.Context, kind, id string, attempt int, reason string, now time.Time, ttl time.Duration) (*Job, error)

	// CancelJob transitions queued -> cancelled. Returns ErrConflict when
	// the job is active or already terminal.
	CancelJob(ctx context.Context, kind, id string, now time.Time, ttl time.Duration) (*Job, error)

	// SetProgress stores the advisory progress percent. Best-effort; a
	// conflict with a concurrent transition is not an error.
	SetProgress(ctx context.Context, kind, id string, percent int) error

	// ExpiredActive returns IDs of active jobs whose execution deadline
	// passed before now.
	ExpiredActive(ctx context.Context, kind string, now time.Time) ([]string, error)

	// SweepTerminal removes terminal jobs finished before the respective
	// cutoffs (completed vs dead/cancelled) and returns the removed jobs
	// so the caller can delete their files.
	SweepTerminal(ctx context.Context, kind string, completedBefore, deadBefore time.Time, limit int) ([]Job, error)

	Depths(ctx context.Context, kind string) (QueueDepths, error)

	// PushHistory prepends kind/id to the owner's job history, trimmed to
	// max entries.
	PushHistory(ctx context.Context, owner, kind, id string, max int) error

	// History returns the owner's job references, most recent first.
	History(ctx context.Context, owner string, limit int) ([]string, error)
}

// Key namespaces in the shared store.
const (
	keyRateLimit = "ratelimit:"
	keyDevice    = "fingerprint:"
	keyBlock     = "blocked:"
	keyHistory   = "history:"
)
