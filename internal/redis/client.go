package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"rosegarden/internal/models"
)

// Events of room N are published on ChannelPrefix + N.
const ChannelPrefix = "chat:room:"

type Client struct {
	rdb *redis.Client
}

func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("[REDIS] Connected to Redis", "addr", opt.Addr)
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// ChatRead publishes a chat:read event so views in every process clear the
// room's unread state.
func (c *Client) ChatRead(ctx context.Context, roomId int64) error {
	return c.PublishChatRead(ctx, roomId, 0)
}

func (c *Client) PublishChatRead(ctx context.Context, roomId, userId int64) error {
	event := models.Event{
		Type:      models.EventChatRead,
		RoomId:    roomId,
		Timestamp: time.Now().Unix(),
	}
	if userId != 0 {
		event.Data = models.ChatReadData{UserId: userId}
	}

	return c.publishEvent(ctx, event)
}

func (c *Client) publishEvent(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("[REDIS] Failed to marshal event", "type", event.Type, "room", event.RoomId, "error", err)
		return err
	}

	channel := ChannelPrefix + strconv.FormatInt(event.RoomId, 10)
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Error("[REDIS] Failed to publish event", "type", event.Type, "channel", channel, "error", err)
		return err
	}

	return nil
}
