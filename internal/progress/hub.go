// Package progress fans job-state changes out to interactive subscribers.
// Delivery is best effort: a slow consumer loses its oldest buffered events
// rather than slowing the publisher or other subscribers down.
package progress

import (
	"sync"
	"time"

	"server/internal/domain"
)

// Event is one observable step of a job.
type Event struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	Percent   int              `json:"percent"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Subscription is one observer's view of a job's event stream. Events ends
// when the job finishes or the subscription is closed.
type Subscription struct {
	events chan Event
	once   sync.Once
	hub    *Hub
	jobID  string
}

// Events returns the receive side of the stream.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.jobID, s)
	})
}

type jobStream struct {
	subs        map[*Subscription]struct{}
	lastPercent int
	closed      bool
}

// Hub routes events by job id. Publishing never blocks: each subscriber has
// a bounded buffer and overflow drops the oldest event first.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*jobStream
	bufSize int
	now     func() time.Time
}

// NewHub builds a Hub with the given per-subscriber buffer size.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Hub{
		streams: make(map[string]*jobStream),
		bufSize: bufSize,
		now:     time.Now,
	}
}

// Subscribe attaches an observer to a job's stream. Multiple subscribers per
// job are supported; each gets its own buffer.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		events: make(chan Event, h.bufSize),
		hub:    h,
		jobID:  jobID,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.streams[jobID]
	if !ok {
		stream = &jobStream{subs: make(map[*Subscription]struct{})}
		h.streams[jobID] = stream
	}
	if stream.closed {
		close(sub.events)
		return sub
	}
	stream.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every subscriber of the job. Percentages are
// clamped to [0,100] and must not regress; a stale lower update is dropped.
func (h *Hub) Publish(jobID string, ev Event) {
	if ev.Percent < 0 {
		ev.Percent = 0
	}
	if ev.Percent > 100 {
		ev.Percent = 100
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	ev.JobID = jobID

	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.streams[jobID]
	if !ok || stream.closed {
		return
	}
	if ev.Percent < stream.lastPercent && !ev.Status.Terminal() {
		return
	}
	if ev.Percent > stream.lastPercent {
		stream.lastPercent = ev.Percent
	}
	for sub := range stream.subs {
		deliver(sub.events, ev)
	}
}

// Complete marks a job's stream finished, closing all subscriber channels.
func (h *Hub) Complete(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.streams[jobID]
	if !ok {
		return
	}
	stream.closed = true
	for sub := range stream.subs {
		close(sub.events)
	}
	stream.subs = make(map[*Subscription]struct{})
	delete(h.streams, jobID)
}

func (h *Hub) unsubscribe(jobID string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	stream, ok := h.streams[jobID]
	if !ok {
		return
	}
	if _, attached := stream.subs[sub]; !attached {
		return
	}
	delete(stream.subs, sub)
	close(sub.events)
	if len(stream.subs) == 0 && !stream.closed {
		delete(h.streams, jobID)
	}
}

// deliver enqueues without ever blocking the publisher: when the buffer is
// full the oldest event is discarded to make room.
func deliver(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
