package progress

import (
	"testing"
	"time"

	"server/internal/domain"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub(8)
	a := h.Subscribe("job1")
	b := h.Subscribe("job1")
	defer a.Close()
	defer b.Close()

	h.Publish("job1", Event{Status: domain.JobStatusRunning, Percent: 10, Message: "started"})

	for _, sub := range []*Subscription{a, b} {
		select {
		case ev := <-sub.Events():
			if ev.Percent != 10 || ev.JobID != "job1" {
				t.Fatalf("unexpected event: %+v", ev)
			}
			if ev.Timestamp.IsZero() {
				t.Fatal("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishMonotonicPerJob(t *testing.T) {
	h := NewHub(8)
	sub := h.Subscribe("job1")
	defer sub.Close()

	h.Publish("job1", Event{Status: domain.JobStatusRunning, Percent: 50})
	h.Publish("job1", Event{Status: domain.JobStatusRunning, Percent: 30}) // stale: dropped
	h.Publish("job1", Event{Status: domain.JobStatusRunning, Percent: 80})
	h.Complete("job1")

	var got []int
	for ev := range sub.Events() {
		got = append(got, ev.Percent)
	}
	if len(got) != 2 || got[0] != 50 || got[1] != 80 {
		t.Fatalf("observed sequence %v, want [50 80]", got)
	}
}

func TestPublishClampsRange(t *testing.T) {
	h := NewHub(8)
	sub := h.Subscribe("job1")
	defer sub.Close()

	h.Publish("job1", Event{Status: domain.JobStatusRunning, Percent: -5})
	h.Publish("job1", Event{Status: domain.JobStatusRunning, Percent: 400})
	h.Complete("job1")

	var got []int
	for ev := range sub.Events() {
		got = append(got, ev.Percent)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 100 {
		t.Fatalf("observed sequence %v, want [0 100]", got)
	}
}

func TestSlowSubscriberDropsOldestNotPublisher(t *testing.T) {
	h := NewHub(2)
	slow := h.Subscribe("job1")
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 50; i++ {
			h.Publish("job1", Event{Status: domain.JobStatusRunning, Percent: i * 2})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	h.Complete("job1")

	var got []int
	for ev := range slow.Events() {
		got = append(got, ev.Percent)
	}
	if len(got) > 2 {
		t.Fatalf("buffer bound violated: got %d events", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("sequence regressed: %v", got)
		}
	}
}

func TestTerminalEventBypassesMonotonicDrop(t *testing.T) {
	// A Cancelled/Failed event may carry a lower percent than the last
	// progress update; it must still be delivered.
	h := NewHub(8)
	sub := h.Subscribe("job1")
	defer sub.Close()

	h.Publish("job1", Event{Status: domain.JobStatusRunning, Percent: 70})
	h.Publish("job1", Event{Status: domain.JobStatusFailed, Percent: 0, Message: "provider error"})
	h.Complete("job1")

	var statuses []domain.JobStatus
	for ev := range sub.Events() {
		statuses = append(statuses, ev.Status)
	}
	if len(statuses) != 2 || statuses[1] != domain.JobStatusFailed {
		t.Fatalf("observed %v, want running then failed", statuses)
	}
}

func TestCompleteClosesStreams(t *testing.T) {
	h := NewHub(8)
	sub := h.Subscribe("job1")
	h.Complete("job1")

	if _, open := <-sub.Events(); open {
		t.Fatal("expected closed channel after Complete")
	}
	// Subscribing to a finished job yields an immediately closed stream only
	// while the hub still knows about it; afterwards the caller is expected
	// to consult the registry first.
	sub.Close()
}

func TestCloseDetachesSubscriber(t *testing.T) {
	h := NewHub(8)
	a := h.Subscribe("job1")
	b := h.Subscribe("job1")
	a.Close()
	a.Close() // idempotent

	h.Publish("job1", Event{Status: domain.JobStatusRunning, Percent: 10})
	select {
	case ev, open := <-b.Events():
		if !open {
			t.Fatal("remaining subscriber closed unexpectedly")
		}
		if ev.Percent != 10 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber starved after sibling closed")
	}
	b.Close()
}
