package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"tripstream/pkg/types"
)

const sendBuffer = 100

// connection wraps one subscriber socket. Writes are serialized through a
// single goroutine; outgoing heartbeats ride the same loop.
type connection struct {
	id     string
	userID string
	ws     *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	logger    *slog.Logger
}

func newConnection(id, userID string, ws *websocket.Conn, logger *slog.Logger) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:     id,
		userID: userID,
		ws:     ws,
		sendCh: make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// writeLoop is the single writer for this socket.
func (c *connection) writeLoop(heartbeat, writeTimeout time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("subscriber write failed", "user", c.userID, "error", err)
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// send queues a frame without blocking; a subscriber that cannot keep up
// is dropped rather than allowed to stall the hub.
func (c *connection) send(frame types.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", "op", frame.Op, "error", err)
		return
	}
	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("subscriber too slow, dropping connection", "user", c.userID)
		c.cancel()
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
	})
}
