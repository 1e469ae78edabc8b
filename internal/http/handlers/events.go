package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"server/internal/progress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// JobEvents streams progress events for one job over a websocket. The
// current state is sent first; the connection closes after the terminal
// event.
func (a *App) JobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := a.Registry.Get(id)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Warn().Err(err).Str("job_id", id).Msg("ws: upgrade failed")
		return
	}
	defer conn.Close()

	sub := a.Hub.Subscribe(id)
	defer sub.Close()

	snapshot := progress.Event{
		JobID:     id,
		Status:    job.Status,
		Percent:   job.Progress,
		Message:   job.Message,
		Timestamp: time.Now(),
	}
	if err := writeEvent(conn, snapshot); err != nil {
		return
	}

	// The job may have settled between Get and Subscribe; re-read so a
	// terminal state is never missed.
	if job, err = a.Registry.Get(id); err != nil || job.Status.Terminal() {
		if err == nil && job.Status != snapshot.Status {
			_ = writeEvent(conn, progress.Event{
				JobID:     id,
				Status:    job.Status,
				Percent:   job.Progress,
				Message:   job.Message,
				Timestamp: time.Now(),
			})
		}
		return
	}

	// Reads are discarded; the reader exists to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Stream completed: send the final state before closing.
				if job, err := a.Registry.Get(id); err == nil {
					_ = writeEvent(conn, progress.Event{
						JobID:     id,
						Status:    job.Status,
						Percent:   job.Progress,
						Message:   job.Message,
						Timestamp: time.Now(),
					})
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
		case <-pinger.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev progress.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
