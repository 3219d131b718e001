package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	mw "github.com/kiranshivaraju/schemaforge/internal/api/middleware"
	"github.com/kiranshivaraju/schemaforge/internal/api/response"
	"github.com/kiranshivaraju/schemaforge/internal/notify"
)

// NewJobEventsHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/events, a server-sent event stream of one job.
// Only frames published after the subscription are delivered.
func NewJobEventsHandler(q JobReader, sub notify.Subscriber, heartbeat time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadVisibleJob(w, r, q)
		if !ok {
			return
		}
		stream(w, r, sub, notify.JobChannel(job.ID), heartbeat)
	}
}

// NewPrincipalEventsHandler returns an http.HandlerFunc for
// GET /api/v1/events, the stream of every job the caller originated.
func NewPrincipalEventsHandler(sub notify.Subscriber, heartbeat time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, ok := mw.GetPrincipalID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing principal", nil)
			return
		}
		stream(w, r, sub, notify.UserChannel(principalID), heartbeat)
	}
}

func stream(w http.ResponseWriter, r *http.Request, sub notify.Subscriber, channel string, heartbeat time.Duration) {
	err := notify.Stream(w, r, sub, channel, heartbeat)
	switch {
	case errors.Is(err, notify.ErrSubscriberLimit):
		w.Header().Set("Retry-After", "5")
		response.Error(w, http.StatusServiceUnavailable, "TOO_MANY_SUBSCRIBERS",
			"Event stream capacity reached, retry later", nil)
	case err != nil:
		slog.Warn("event stream ended with error", "channel", channel, "error", err)
	}
}
