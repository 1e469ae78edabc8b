package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
	"server/internal/progress"
)

type jobView struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Model         string         `json:"model"`
	Fingerprint   string         `json:"fingerprint"`
	Progress      int            `json:"progress"`
	Message       string         `json:"message,omitempty"`
	Result        *domain.Result `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Attempts      int            `json:"attempts,omitempty"`
	EstimatedCost float64        `json:"estimated_cost,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

func viewOf(job domain.Job) jobView {
	v := jobView{
		ID:          job.ID,
		Status:      string(job.Status),
		Model:       string(job.Model),
		Fingerprint: job.Fingerprint,
		Progress:    job.Progress,
		Message:     job.Message,
		Result:      job.Result,
		Error:       job.ErrorMessage,
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
	}
	if !job.StartedAt.IsZero() {
		t := job.StartedAt
		v.StartedAt = &t
	}
	if !job.FinishedAt.IsZero() {
		t := job.FinishedAt
		v.FinishedAt = &t
	}
	return v
}

func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Registry.Get(id)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, viewOf(job))
}

// JobCancel requests cancellation. Queued jobs flip immediately; Running
// jobs are flagged and settle once the in-flight provider call resolves.
func (a *App) JobCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Registry.RequestCancel(id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	case errors.Is(err, domain.ErrJobTerminal):
		a.error(w, http.StatusConflict, "conflict", "job already finished")
		return
	case err != nil:
		a.error(w, http.StatusInternalServerError, "internal", "cancel failed")
		return
	}

	if job.Status == domain.JobStatusCancelled {
		a.Hub.Publish(id, progress.Event{
			Status:  domain.JobStatusCancelled,
			Percent: job.Progress,
			Message: "cancelled",
		})
		a.Hub.Complete(id)
		a.json(w, http.StatusOK, viewOf(job))
		return
	}
	a.json(w, http.StatusAccepted, viewOf(job))
}
