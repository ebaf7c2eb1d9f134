package refresh

import (
	"sync"
	"time"

	"cohort/pkg/domain"
)

// Status is the lifecycle position of a trigger.
type Status string

const (
	StatusPending    Status = "pending"
	StatusEvaluating Status = "evaluating"
	StatusCommitting Status = "committing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Snapshot is the externally visible state of a trigger.
type Snapshot struct {
	TriggerID  domain.TriggerID `json:"trigger_id"`
	Kind       Kind             `json:"kind"`
	Status     Status           `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Attempt    int              `json:"attempt"`
	Groups     int              `json:"groups"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Tracker records trigger lifecycle transitions and cancellation requests.
// Finished entries are retained up to a bound so status queries work for a
// while after completion.
type Tracker struct {
	mu        sync.Mutex
	entries   map[domain.TriggerID]*Snapshot
	cancelled map[domain.TriggerID]struct{}
	finished  []domain.TriggerID
	retain    int
	clock     func() time.Time
}

func NewTracker(retain int) *Tracker {
	return &Tracker{
		entries:   make(map[domain.TriggerID]*Snapshot),
		cancelled: make(map[domain.TriggerID]struct{}),
		retain:    retain,
		clock:     time.Now,
	}
}

// Enqueued registers a new trigger in pending state.
func (t *Tracker) Enqueued(tr *Trigger) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	t.entries[tr.ID] = &Snapshot{
		TriggerID:  tr.ID,
		Kind:       tr.Kind,
		Status:     StatusPending,
		Reason:     tr.Reason,
		Attempt:    tr.Attempt,
		EnqueuedAt: tr.EnqueuedAt,
		UpdatedAt:  now,
	}
}

// Transition moves a trigger to a new status. Terminal statuses start the
// retention countdown.
func (t *Tracker) Transition(id domain.TriggerID, status Status) {
	t.transition(id, status, "", 0)
}

// Failed marks a trigger failed with its error text.
func (t *Tracker) Failed(id domain.TriggerID, errText string) {
	t.transition(id, StatusFailed, errText, 0)
}

// Requeued resets a trigger to pending for another attempt.
func (t *Tracker) Requeued(id domain.TriggerID, attempt int) {
	t.transition(id, StatusPending, "", attempt)
}

// SetGroups records the resolved target count.
func (t *Tracker) SetGroups(id domain.TriggerID, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.entries[id]; ok {
		s.Groups = n
		s.UpdatedAt = t.clock()
	}
}

func (t *Tracker) transition(id domain.TriggerID, status Status, errText string, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[id]
	if !ok {
		return
	}
	s.Status = status
	s.UpdatedAt = t.clock()
	if errText != "" {
		s.Error = errText
	}
	if attempt > 0 {
		s.Attempt = attempt
	}
	switch status {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		delete(t.cancelled, id)
		t.finished = append(t.finished, id)
		for len(t.finished) > t.retain {
			delete(t.entries, t.finished[0])
			t.finished = t.finished[1:]
		}
	}
}

// Cancel requests cancellation. Triggers are cancellable until a worker
// starts evaluating them; later, or once a request is already recorded,
// the call reports failure.
func (t *Tracker) Cancel(id domain.TriggerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[id]
	if !ok || s.Status != StatusPending {
		return false
	}
	if _, already := t.cancelled[id]; already {
		return false
	}
	t.cancelled[id] = struct{}{}
	return true
}

// CancelRequested reports and consumes a pending cancellation.
func (t *Tracker) CancelRequested(id domain.TriggerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.cancelled[id]
	if ok {
		delete(t.cancelled, id)
	}
	return ok
}

// Get returns the snapshot for a trigger.
func (t *Tracker) Get(id domain.TriggerID) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}
