package redis

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"

	"rosegarden/internal/models"
	"rosegarden/internal/ws"
)

// SubscribeToEvents forwards room events published by any process to hub
// until ctx is done. ready, if not nil, is closed once the subscription is
// confirmed.
func SubscribeToEvents(ctx context.Context, client *Client, hub *ws.Hub, ready chan<- struct{}) {
	slog.Info("[REDIS] Starting Redis pub/sub subscription...")

	pattern := ChannelPrefix + "*"
	pubsub := client.rdb.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("[REDIS] Failed to receive subscription confirmation", "error", err)
		return
	}
	slog.Info("[REDIS] Subscribed to Redis pub/sub", "pattern", pattern)
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Info("[REDIS] Redis pub/sub channel closed")
				return
			}

			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Error("[REDIS] Error unmarshaling event", "channel", msg.Channel, "error", err, "payload", msg.Payload)
				continue
			}

			if err := hub.Publish(ctx, &event); err != nil {
				return
			}
		}
	}
}
