package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrSubscriberLimit is returned by Stream when the broker rejects the
// subscription. Nothing has been written to the response at that point.
var ErrSubscriberLimit = errors.New("too many subscribers")

// Stream subscribes r to channel and writes events to w as server-sent events
// until the client disconnects or the subscription ends.
func Stream(w http.ResponseWriter, r *http.Request, sub Subscriber, channel string, heartbeat time.Duration) error {
	events, cleanup := sub.Subscribe(r.Context(), channel)
	defer cleanup()

	// A rejected subscription comes back already closed. An open channel may
	// already hold an event, which is kept and written first.
	var pending *Event
	select {
	case ev, ok := <-events:
		if !ok {
			return ErrSubscriberLimit
		}
		pending = &ev
	default:
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	SetStreamHeaders(w)
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, ": connected %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil
	}
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("flush stream: %w", err)
	}

	if pending != nil {
		if err := writeFrame(w, rc, *pending); err != nil {
			return nil
		}
	}

	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				slog.Debug("event stream closed", "channel", channel)
				return nil
			}
			if err := writeFrame(w, rc, ev); err != nil {
				slog.Debug("event stream write failed", "channel", channel, "error", err)
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
				return nil
			}
			if err := rc.Flush(); err != nil {
				return nil
			}
		case <-r.Context().Done():
			return nil
		}
	}
}

func SetStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeFrame(w io.Writer, rc *http.ResponseController, ev Event) error {
	if err := WriteFrame(w, ev); err != nil {
		return err
	}
	return rc.Flush()
}

// WriteFrame writes one event in text/event-stream format.
func WriteFrame(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %s-%d\ndata: %s\n\n", ev.Event, ev.JobID, ev.Timestamp.UnixNano(), data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
