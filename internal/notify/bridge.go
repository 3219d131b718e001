package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// bridgeMessage is what crosses process boundaries. Origin identifies the
// sending replica so a bridge never re-delivers its own events.
type bridgeMessage struct {
	Origin  string `json:"origin"`
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
}

func encodeBridgeMessage(origin, channel string, event Event) ([]byte, error) {
	data, err := json.Marshal(bridgeMessage{Origin: origin, Channel: channel, Event: event})
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return data, nil
}

// relay hands a remote message to the local publisher, skipping messages this
// replica sent.
func relay(ctx context.Context, origin string, local Publisher, data []byte) {
	var msg bridgeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("discarding malformed notification", "error", err)
		return
	}
	if msg.Origin == origin {
		return
	}
	if err := local.Publish(ctx, msg.Channel, msg.Event); err != nil {
		slog.Warn("failed to relay notification",
			"channel", msg.Channel,
			"event", msg.Event.Event,
			"error", err,
		)
	}
}
