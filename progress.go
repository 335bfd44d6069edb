package main

import "sync"

// ProgressEvent is one advisory update for a job. Percent is monotonically
// non-decreasing per job and reaches 100 on success; Terminal marks the
// final completion or failure event.
type ProgressEvent struct {
	JobID    string   `json:"job_id"`
	Kind     string   `json:"kind"`
	Percent  int      `json:"percent"`
	Message  string   `json:"message,omitempty"`
	Terminal bool     `json:"terminal"`
	State    JobState `json:"state,omitempty"`
}

// ProgressHub fans job events out to in-process subscribers. Delivery is
// best-effort: a slow subscriber drops intermediate events, never the
// publisher. Subscriptions close after the terminal event.
type ProgressHub struct {
	mu   sync.Mutex
	subs map[string][]chan ProgressEvent
}

func newProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[string][]chan ProgressEvent)}
}

// Subscribe registers interest in one job's events. The returned cancel
// func is safe to call after the hub already closed the channel.
func (h *ProgressHub) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subs[jobID]
		for i, c := range subs {
			if c == ch {
				h.subs[jobID] = append(subs[:i], subs[i+1:]...)
				close(c)
				break
			}
		}
		if len(h.subs[jobID]) == 0 {
			delete(h.subs, jobID)
		}
	}
	return ch, cancel
}

// Publish delivers the event without blocking. A terminal event also
// closes and removes every subscription for the job.
func (h *ProgressHub) Publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[ev.JobID]
	if ev.Terminal {
		delete(h.subs, ev.JobID)
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
		if ev.Terminal {
			close(ch)
		}
	}
}
