package main

import "time"

// Tier is the billing tier resolved by the upstream auth layer.
type Tier string

const (
	TierGuest   Tier = "guest"
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Identity is the unit of admission control: an authenticated user or a
// guest recognized by fingerprint+IP.
type Identity struct {
	UserID      string
	Tier        Tier
	IP          string
	Fingerprint string
}

func (id Identity) Authenticated() bool { return id.UserID != "" }

// Unlimited identities skip the rate limiter entirely.
func (id Identity) Unlimited() bool { return id.Tier == TierPremium }

type JobState string

const (
	StateQueued    JobState = "queued"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDead      JobState = "dead"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateDead || s == StateCancelled
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank orders priorities for the pending queue: lower dequeues first.
func (p Priority) rank() int64 {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (p Priority) valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Payload describes the input handed to a conversion engine. Ownership of
// InputPath transfers to the worker on dequeue; the worker removes it once
// the job reaches a terminal state.
type Payload struct {
	InputPath string            `json:"input_path"`
	FileName  string            `json:"file_name"`
	SizeBytes int64             `json:"size_bytes"`
	Owner     string            `json:"owner"`
	Options   map[string]string `json:"options,omitempty"`
}

// Result references the converted output.
type Result struct {
	OutputPath string `json:"output_path"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Job is the unit of work flowing through the queue. Timestamps are unix
// milliseconds so the store's claim script can compare and rewrite them
// without a time library.
type Job struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Priority    Priority `json:"priority"`
	Payload     Payload  `json:"payload"`
	State       JobState `json:"state"`
	Attempt     int      `json:"attempt"`
	MaxAttempts int      `json:"max_attempts"`
	TimeoutMS   int64    `json:"timeout_ms"`
	CreatedMS   int64    `json:"created_ms"`
	StartedMS   int64    `json:"started_ms,omitempty"`
	FinishedMS  int64    `json:"finished_ms,omitempty"`
	NotBeforeMS int64    `json:"not_before_ms,omitempty"`
	Progress    int      `json:"progress"`
	Result      *Result  `json:"result,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func (j *Job) CreatedAt() time.Time  { return msTime(j.CreatedMS) }
func (j *Job) StartedAt() time.Time  { return msTime(j.StartedMS) }
func (j *Job) FinishedAt() time.Time { return msTime(j.FinishedMS) }

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nowMS() int64 { return time.Now().UnixMilli() }

// DeviceRecord tracks per-fingerprint activity. The request counter is
// monotonic for the record's lifetime; it resets only when the record
// itself expires.
type DeviceRecord struct {
	Fingerprint string `json:"fingerprint"`
	FirstSeenMS int64  `json:"first_seen_ms"`
	LastSeenMS  int64  `json:"last_seen_ms"`
	LastIP      string `json:"last_ip"`
	Requests    int64  `json:"requests"`
}

// BlockRecord denies admission for a fingerprint until it expires.
type BlockRecord struct {
	Reason      string `json:"reason"`
	BlockedAtMS int64  `json:"blocked_at_ms"`
	ExpiresAtMS int64  `json:"expires_at_ms"`
}

// Machine-readable reason codes surfaced on user-visible failures.
const (
	ReasonBlocked          = "blocked_identity"
	ReasonRateLimited      = "rate_limited"
	ReasonVerification     = "verification_required"
	ReasonInvalidKind      = "invalid_kind"
	ReasonInvalidPayload   = "invalid_payload"
	ReasonJobExists        = "job_exists"
	ReasonJobNotFound      = "job_not_found"
	ReasonJobNotFinished   = "job_not_finished"
	ReasonJobConflict      = "job_conflict"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonUnauthorized     = "unauthorized"
)

// QueueDepths is a point-in-time gauge of one kind's queue.
type QueueDepths struct {
	Pending int64 `json:"pending"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Done    int64 `json:"done"`
}

type HealthStatus struct {
	Status        string                 `json:"status"`
	Workers       int                    `json:"workers"`
	Queues        map[string]QueueDepths `json:"queues"`
	CompletedJobs int64                  `json:"completed_jobs"`
	FailedJobs    int64                  `json:"failed_jobs"`
	Uptime        string                 `json:"uptime"`
}
