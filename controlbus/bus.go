// Package controlbus subscribes to a Redis pub/sub topic carrying operator
// instructions, decoupling "what should be connected" from worker restarts.
// Bus unavailability is non-fatal: the worker degrades to monitor-only mode.
package controlbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/streamhive/chatbot-worker/dispatch"
	"github.com/streamhive/chatbot-worker/store"
	"github.com/streamhive/chatbot-worker/supervisor"
	"github.com/streamhive/chatbot-worker/telemetry"
)

// Message is the control envelope published by the dashboard.
type Message struct {
	Action    string          `json:"action"` // connect|disconnect|reload
	ChannelID string          `json:"channelId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Options configures the bus connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Topic    string
}

// Bus forwards control messages to the supervisor. Channel configuration is
// re-resolved from the store per message so a stale cached config is never
// used.
type Bus struct {
	rdb    *redis.Client
	topic  string
	store  *store.Store
	sup    *supervisor.Supervisor
	engine *dispatch.Engine
}

// New connects to Redis and verifies it with a ping. Callers treat an error
// as "run without the control bus", not as a startup failure.
func New(ctx context.Context, opts Options, st *store.Store, sup *supervisor.Supervisor, engine *dispatch.Engine) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &Bus{rdb: rdb, topic: opts.Topic, store: st, sup: sup, engine: engine}, nil
}

// Listen consumes the topic until the context is cancelled.
func (b *Bus) Listen(ctx context.Context) {
	sub := b.rdb.Subscribe(ctx, b.topic)
	defer func() {
		if err := sub.Close(); err != nil {
			slog.Warn("control bus unsubscribe failed", slog.Any("err", err))
		}
	}()

	slog.Info("control bus listening", slog.String("topic", b.topic))
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

// Close releases the Redis connection.
func (b *Bus) Close() error { return b.rdb.Close() }

func (b *Bus) handle(ctx context.Context, payload string) {
	telemetry.IncControlMessages()

	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Warn("control bus: malformed message", slog.Any("err", err))
		return
	}
	if msg.ChannelID == "" && msg.Action != "reload" {
		slog.Warn("control bus: message without channel id", slog.String("action", msg.Action))
		return
	}

	switch msg.Action {
	case "connect":
		cfg, err := b.store.GetChannel(ctx, msg.ChannelID)
		if err != nil {
			slog.Warn("control bus: connect refused", slog.String("channel", msg.ChannelID), slog.Any("err", err))
			return
		}
		if err := b.sup.ConnectChannel(ctx, cfg); err != nil {
			slog.Warn("control bus: connect failed", slog.String("channel", msg.ChannelID), slog.Any("err", err))
		}
	case "disconnect":
		b.sup.DisconnectChannel(ctx, msg.ChannelID)
	case "reload":
		// Drop cached command definitions; channel config is re-resolved on
		// the next connect anyway.
		if msg.ChannelID != "" {
			b.engine.Invalidate(msg.ChannelID)
			slog.Info("control bus: commands reloaded", slog.String("channel", msg.ChannelID))
		}
	default:
		slog.Warn("control bus: unknown action ignored", slog.String("action", msg.Action))
	}
}
