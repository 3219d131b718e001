package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Fanout publishes every event to several publishers. A failure or panic in
// one publisher never prevents delivery to the rest.
type Fanout struct {
	publishers []Publisher
}

var _ Publisher = (*Fanout)(nil)

func NewFanout(publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers}
}

func (f *Fanout) Publish(ctx context.Context, channel string, event Event) error {
	var errs []error
	for i, p := range f.publishers {
		if err := safePublish(ctx, p, channel, event); err != nil {
			slog.Warn("notification publisher failed",
				"publisher", i,
				"channel", channel,
				"event", event.Event,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safePublish(ctx context.Context, p Publisher, channel string, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
	}()
	return p.Publish(ctx, channel, event)
}
