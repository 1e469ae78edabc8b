package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Result is the normalized payload of a finished generation call.
type Result struct {
	VideoURL string `json:"video_url"`
	Format   string `json:"format"`
	Seconds  int    `json:"seconds"`
}

// Job encapsulates the lifecycle of one admitted generation request.
type Job struct {
	ID           string
	Fingerprint  string
	Model        Model
	Status       JobStatus
	Progress     int
	Message      string
	Result       *Result
	ErrorMessage string
	Attempts     int
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

// InFlight reports whether the job still occupies (or will occupy) a
// generation slot.
func (j Job) InFlight() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusRunning
}
