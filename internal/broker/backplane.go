package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

const channelPrefix = "tripstream:"

// Backplane relays published frames through redis pub/sub so a topic's
// subscribers are reached across broker instances.
type Backplane struct {
	rdb    *redis.Client
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBackplane connects to redis at url and verifies the connection.
func NewBackplane(url string, logger *slog.Logger) (*Backplane, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis backplane connected")
	return &Backplane{rdb: rdb, logger: logger, ctx: ctx, cancel: cancel}, nil
}

// Publish relays one frame body onto the topic's redis channel.
func (b *Backplane) Publish(topic string, body json.RawMessage) error {
	return b.rdb.Publish(b.ctx, channelPrefix+topic, []byte(body)).Err()
}

// Run feeds backplane traffic into the hub's local fanout. It blocks until
// Close and is meant to run on its own goroutine.
func (b *Backplane) Run(hub *Hub) {
	pubsub := b.rdb.PSubscribe(b.ctx, channelPrefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(b.ctx); err != nil {
		b.logger.Error("backplane subscription failed", "error", err)
		return
	}
	b.logger.Info("backplane subscribed", "pattern", channelPrefix+"*")

	for msg := range pubsub.Channel() {
		topic := strings.TrimPrefix(msg.Channel, channelPrefix)
		hub.publishLocal(topic, json.RawMessage(msg.Payload))
	}
}

// Close stops the backplane and releases the redis client.
func (b *Backplane) Close() error {
	b.cancel()
	return b.rdb.Close()
}
