// Package registry is the authoritative in-memory table of job state. Jobs
// live here from admission until the retention window after they finish; the
// table is the single writer-serialization point for the job state machine.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"server/internal/domain"
)

// Update carries the optional payload of a transition.
type Update struct {
	Message      string
	Result       *domain.Result
	ErrorMessage string
	Attempts     int
}

// Stats summarizes the table for the stats endpoint.
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Registry owns all Job records. Mutations happen under one mutex and are
// pure struct updates; readers always receive copies, never live pointers.
type Registry struct {
	mu              sync.Mutex
	jobs            map[string]*domain.Job
	inFlight        map[string]string // fingerprint -> job id while Queued/Running
	cancelRequested map[string]bool
	now             func() time.Time
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		jobs:            make(map[string]*domain.Job),
		inFlight:        make(map[string]string),
		cancelRequested: make(map[string]bool),
		now:             time.Now,
	}
}

// Create admits a new Queued job for the fingerprint. If another job with
// the same fingerprint is already in flight, that job is returned instead
// and created is false; this is what guarantees at most one remote call per
// fingerprint at a time.
func (r *Registry) Create(fp string, model domain.Model) (job domain.Job, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.inFlight[fp]; ok {
		if existing, ok := r.jobs[id]; ok && existing.InFlight() {
			return *existing, false
		}
		delete(r.inFlight, fp)
	}

	j := &domain.Job{
		ID:          uuid.NewString(),
		Fingerprint: fp,
		Model:       model,
		Status:      domain.JobStatusQueued,
		Message:     "queued",
		CreatedAt:   r.now(),
	}
	r.jobs[j.ID] = j
	r.inFlight[fp] = j.ID
	return *j, true
}

// Get returns a copy of the job or domain.ErrNotFound.
func (r *Registry) Get(id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

// FindInFlight returns the id of the live job for a fingerprint, if any.
func (r *Registry) FindInFlight(fp string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.inFlight[fp]
	if !ok {
		return "", false
	}
	j, ok := r.jobs[id]
	if !ok || !j.InFlight() {
		return "", false
	}
	return id, true
}

// Transition moves a job to newStatus, enforcing the state machine:
//
//	Queued  -> Running | Cancelled
//	Running -> Completed | Failed | Cancelled
//
// Terminal states reject every further transition with ErrJobTerminal.
func (r *Registry) Transition(id string, newStatus domain.JobStatus, upd Update) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("%w: %s is %s", domain.ErrJobTerminal, id, j.Status)
	}
	if !validTransition(j.Status, newStatus) {
		return domain.Job{}, fmt.Errorf("registry: illegal transition %s -> %s for job %s", j.Status, newStatus, id)
	}

	now := r.now()
	j.Status = newStatus
	if upd.Message != "" {
		j.Message = upd.Message
	}
	if upd.Result != nil {
		j.Result = upd.Result
	}
	if upd.ErrorMessage != "" {
		j.ErrorMessage = upd.ErrorMessage
	}
	if upd.Attempts > 0 {
		j.Attempts = upd.Attempts
	}
	switch newStatus {
	case domain.JobStatusRunning:
		j.StartedAt = now
	case domain.JobStatusCompleted:
		j.Progress = 100
		j.FinishedAt = now
		delete(r.inFlight, j.Fingerprint)
		delete(r.cancelRequested, id)
	case domain.JobStatusFailed, domain.JobStatusCancelled:
		j.FinishedAt = now
		delete(r.inFlight, j.Fingerprint)
		delete(r.cancelRequested, id)
	}
	return *j, nil
}

// SetProgress records a progress update for a Running job. Regressing or
// out-of-range percentages are clamped to keep the observable sequence
// monotonic.
func (r *Registry) SetProgress(id string, percent int, message string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if percent > 100 {
		percent = 100
	}
	if percent > j.Progress {
		j.Progress = percent
	}
	if message != "" {
		j.Message = message
	}
	return *j, nil
}

// CancelRequested reports whether a cancellation was requested for the job.
// Running jobs keep their status until the worker reaches a checkpoint, so
// this is tracked on the message side; the worker polls it between attempts.
func (r *Registry) CancelRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested[id]
}

// RequestCancel marks a job for cancellation. A Queued job transitions to
// Cancelled immediately; a Running job is flagged and the worker cancels it
// cooperatively at its next checkpoint. Terminal jobs return ErrJobTerminal.
func (r *Registry) RequestCancel(id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return domain.Job{}, fmt.Errorf("%w: %s is %s", domain.ErrJobTerminal, id, j.Status)
	}
	if j.Status == domain.JobStatusQueued {
		j.Status = domain.JobStatusCancelled
		j.Message = "cancelled before start"
		j.FinishedAt = r.now()
		delete(r.inFlight, j.Fingerprint)
		return *j, nil
	}
	r.cancelRequested[id] = true
	return *j, nil
}

// GC evicts terminal jobs whose retention window has passed and returns how
// many were removed.
func (r *Registry) GC(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-retention)
	removed := 0
	for id, j := range r.jobs {
		if j.Status.Terminal() && j.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			delete(r.cancelRequested, id)
			removed++
		}
	}
	return removed
}

// Snapshot counts jobs per status.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{Total: len(r.jobs)}
	for _, j := range r.jobs {
		switch j.Status {
		case domain.JobStatusQueued:
			s.Queued++
		case domain.JobStatusRunning:
			s.Running++
		case domain.JobStatusCompleted:
			s.Completed++
		case domain.JobStatusFailed:
			s.Failed++
		case domain.JobStatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

func validTransition(from, to domain.JobStatus) bool {
	switch from {
	case domain.JobStatusQueued:
		return to == domain.JobStatusRunning || to == domain.JobStatusCancelled
	case domain.JobStatusRunning:
		return to == domain.JobStatusCompleted || to == domain.JobStatusFailed || to == domain.JobStatusCancelled
	}
	return false
}
