package main

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is the in-memory fallback used when Redis is unavailable at
// boot, and the backend for the pure-logic tests. A single mutex makes
// every operation atomic; the semantics mirror redisStore exactly.
type memStore struct {
	mu        sync.Mutex
	now       func() time.Time
	counters  map[string]*memCounter
	devices   map[string]*memExpiring[DeviceRecord]
	blocks    map[string]*memExpiring[BlockRecord]
	jobs      map[string]*memJob
	pending   map[string][]queueRef
	delayed   map[string][]queueRef
	active    map[string]map[string]int64
	histories map[string][]string
	seq       int64
}

type memCounter struct {
	count   int64
	expires time.Time
}

type memExpiring[T any] struct {
	rec     T
	expires time.Time
}

type memJob struct {
	job     *Job
	expires time.Time // zero until terminal
}

// queueRef orders pending jobs by (priority rank, entry sequence) and
// delayed jobs by eligibility time.
type queueRef struct {
	id    string
	score int64
}

func newMemStore() *memStore {
	return &memStore{
		now:       time.Now,
		counters:  make(map[string]*memCounter),
		devices:   make(map[string]*memExpiring[DeviceRecord]),
		blocks:    make(map[string]*memExpiring[BlockRecord]),
		jobs:      make(map[string]*memJob),
		pending:   make(map[string][]queueRef),
		delayed:   make(map[string][]queueRef),
		active:    make(map[string]map[string]int64),
		histories: make(map[string][]string),
	}
}

func (s *memStore) Ping(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func jobKey(kind, id string) string { return kind + "/" + id }

// pendingScore packs the priority tier ahead of the entry sequence so the
// sorted slice dequeues strict-priority, FIFO within a tier.
func pendingScore(p Priority, seq int64) int64 { return p.rank()<<40 | seq }

func insertRef(refs []queueRef, ref queueRef) []queueRef {
	i := sort.Search(len(refs), func(i int) bool { return refs[i].score > ref.score })
	refs = append(refs, queueRef{})
	copy(refs[i+1:], refs[i:])
	refs[i] = ref
	return refs
}

func removeRef(refs []queueRef, id string) ([]queueRef, bool) {
	for i, r := range refs {
		if r.id == id {
			return append(refs[:i], refs[i+1:]...), true
		}
	}
	return refs, false
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.Payload.Options != nil {
		opts := make(map[string]string, len(j.Payload.Options))
		for k, v := range j.Payload.Options {
			opts[k] = v
		}
		c.Payload.Options = opts
	}
	return &c
}

func (s *memStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	c := s.counters[key]
	if c == nil || !now.Before(c.expires) {
		c = &memCounter{expires: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.expires.Sub(now), nil
}

func (s *memStore) TouchDevice(ctx context.Context, fp, ip string, now time.Time, ttl time.Duration) (DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[fp]
	if d == nil || !now.Before(d.expires) {
		d = &memExpiring[DeviceRecord]{rec: DeviceRecord{
			Fingerprint: fp,
			FirstSeenMS: now.UnixMilli(),
		}}
		s.devices[fp] = d
	}
	d.rec.Requests++
	d.rec.LastSeenMS = now.UnixMilli()
	d.rec.LastIP = ip
	d.expires = now.Add(ttl)
	return d.rec, nil
}

func (s *memStore) GetDevice(ctx context.Context, fp string) (*DeviceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[fp]
	if d == nil || !s.now().Before(d.expires) {
		return nil, nil
	}
	rec := d.rec
	return &rec, nil
}

func (s *memStore) PutBlock(ctx context.Context, fp string, rec BlockRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[fp] = &memExpiring[BlockRecord]{rec: rec, expires: s.now().Add(ttl)}
	return nil
}

func (s *memStore) GetBlock(ctx context.Context, fp string) (*BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.blocks[fp]
	if b == nil || !s.now().Before(b.expires) {
		return nil, nil
	}
	rec := b.rec
	return &rec, nil
}

func (s *memStore) DeleteBlock(ctx context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, fp)
	return nil
}

func (s *memStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobKey(job.Kind, job.ID)
	if _, ok := s.jobs[key]; ok {
		return ErrJobExists
	}
	s.seq++
	s.jobs[key] = &memJob{job: cloneJob(job)}
	s.pending[job.Kind] = insertRef(s.pending[job.Kind], queueRef{
		id:    job.ID,
		score: pendingScore(job.Priority, s.seq),
	})
	return nil
}

func (s *memStore) GetJob(ctx context.Context, kind, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getJobLocked(kind, id)
}

func (s *memStore) getJobLocked(kind, id string) (*Job, error) {
	m, ok := s.jobs[jobKey(kind, id)]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !m.expires.IsZero() && !s.now().Before(m.expires) {
		delete(s.jobs, jobKey(kind, id))
		return nil, ErrJobNotFound
	}
	return cloneJob(m.job), nil
}

func (s *memStore) ClaimNext(ctx context.Context, kind string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Promote delayed jobs whose backoff elapsed to the back of their tier.
	due := s.delayed[kind]
	for len(due) > 0 && due[0].score <= now.UnixMilli() {
		ref := due[0]
		due = due[1:]
		if m, ok := s.jobs[jobKey(kind, ref.id)]; ok {
			s.seq++
			s.pending[kind] = insertRef(s.pending[kind], queueRef{
				id:    ref.id,
				score: pendingScore(m.job.Priority, s.seq),
			})
		}
	}
	s.delayed[kind] = due

	refs := s.pending[kind]
	for len(refs) > 0 {
		ref := refs[0]
		refs = refs[1:]
		m, ok := s.jobs[jobKey(kind, ref.id)]
		if !ok || m.job.State != StateQueued {
			continue
		}
		s.pending[kind] = refs
		m.job.State = StateActive
		m.job.Attempt++
		m.job.StartedMS = now.UnixMilli()
		m.job.NotBeforeMS = 0
		if s.active[kind] == nil {
			s.active[kind] = make(map[string]int64)
		}
		s.active[kind][ref.id] = now.UnixMilli() + m.job.TimeoutMS
		return cloneJob(m.job), nil
	}
	s.pending[kind] = refs
	return nil, ErrNoJob
}

func (s *memStore) takeActive(kind, id string, attempt int) (*memJob, error) {
	m, ok := s.jobs[jobKey(kind, id)]
	if !ok {
		return nil, ErrJobNotFound
	}
	if m.job.State != StateActive || m.job.Attempt != attempt {
		return nil, ErrConflict
	}
	delete(s.active[kind], id)
	return m, nil
}

func (s *memStore) CompleteJob(ctx context.Context, kind, id string, attempt int, res Result, now time.Time, ttl time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.takeActive(kind, id, attempt)
	if err != nil {
		return nil, err
	}
	m.job.State = StateCompleted
	m.job.FinishedMS = now.UnixMilli()
	m.job.Progress = 100
	m.job.Result = &res
	m.job.Error = ""
	m.expires = now.Add(ttl)
	return cloneJob(m.job), nil
}

func (s *memStore) RetryJob(ctx context.Context, kind, id string, attempt int, reason string, notBefore time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.takeActive(kind, id, attempt)
	if err != nil {
		return nil, err
	}
	m.job.State = StateQueued
	m.job.Error = reason
	m.job.NotBeforeMS = notBefore.UnixMilli()
	s.delayed[kind] = insertRef(s.delayed[kind], queueRef{id: id, score: notBefore.UnixMilli()})
	return cloneJob(m.job), nil
}

func (s *memStore) BuryJob(ctx context.Context, kind, id string, attempt int, reason string, now time.Time, ttl time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.takeActive(kind, id, attempt)
	if err != nil {
		return nil, err
	}
	m.job.State = StateDead
	m.job.FinishedMS = now.UnixMilli()
	m.job.Error = reason
	m.expires = now.Add(ttl)
	return cloneJob(m.job), nil
}

func (s *memStore) CancelJob(ctx context.Context, kind, id string, now time.Time, ttl time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobs[jobKey(kind, id)]
	if !ok {
		return nil, ErrJobNotFound
	}
	if m.job.State != StateQueued {
		return nil, ErrConflict
	}
	s.pending[kind], _ = removeRef(s.pending[kind], id)
	s.delayed[kind], _ = removeRef(s.delayed[kind], id)
	m.job.State = StateCancelled
	m.job.FinishedMS = now.UnixMilli()
	m.expires = now.Add(ttl)
	return cloneJob(m.job), nil
}

func (s *memStore) SetProgress(ctx context.Context, kind, id string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.jobs[jobKey(kind, id)]
	if !ok || m.job.State != StateActive {
		return nil
	}
	if percent > m.job.Progress {
		m.job.Progress = percent
	}
	return nil
}

func (s *memStore) ExpiredActive(ctx context.Context, kind string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, deadline := range s.active[kind] {
		if deadline <= now.UnixMilli() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) SweepTerminal(ctx context.Context, kind string, completedBefore, deadBefore time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Job
	for key, m := range s.jobs {
		if len(removed) >= limit {
			break
		}
		j := m.job
		if j.Kind != kind || !j.State.Terminal() {
			continue
		}
		cutoff := deadBefore
		if j.State == StateCompleted {
			cutoff = completedBefore
		}
		if j.FinishedMS < cutoff.UnixMilli() {
			removed = append(removed, *cloneJob(j))
			delete(s.jobs, key)
		}
	}
	return removed, nil
}

func (s *memStore) Depths(ctx context.Context, kind string) (QueueDepths, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := QueueDepths{
		Pending: int64(len(s.pending[kind])),
		Delayed: int64(len(s.delayed[kind])),
		Active:  int64(len(s.active[kind])),
	}
	for _, m := range s.jobs {
		if m.job.Kind == kind && m.job.State.Terminal() {
			d.Done++
		}
	}
	return d, nil
}

func (s *memStore) PushHistory(ctx context.Context, owner, kind, id string, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append([]string{jobKey(kind, id)}, s.histories[owner]...)
	if len(h) > max {
		h = h[:max]
	}
	s.histories[owner] = h
	return nil
}

func (s *memStore) History(ctx context.Context, owner string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.histories[owner]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	out := make([]string, len(h))
	copy(out, h)
	return out, nil
}
