package ws

import (
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/core/domain"
)

const DefaultSendBuffer = 256

// RuntimeClient is one authenticated websocket connection as seen by the
// registry. Outbound frames go through a bounded queue drained by writeLoop.
type RuntimeClient struct {
	ws       *WebSocket
	log      *slog.Logger
	connID   domain.ConnID
	identity domain.Identity
	out      chan []byte

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func NewClient(
	ws *WebSocket,
	log *slog.Logger,
	identity domain.Identity,
	buffer int,
) *RuntimeClient {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	c := &RuntimeClient{
		ws:       ws,
		log:      log,
		connID:   domain.NewConnID(),
		identity: identity,
		out:      make(chan []byte, buffer),
	}
	go c.writeLoop()
	return c
}

func (c *RuntimeClient) ConnID() domain.ConnID     { return c.connID }
func (c *RuntimeClient) Identity() domain.Identity { return c.identity }

// Send queues data without blocking and reports false when the queue is full
// or the client is closed.
func (c *RuntimeClient) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *RuntimeClient) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.ws.Close()
	})
}

func (c *RuntimeClient) writeLoop() {
	defer c.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ws.Done():
			return
		case data := <-c.out:
			if err := c.ws.WriteMessage(data); err != nil {
				c.log.Debug("ws client - write loop - write failed", "conn_id", c.connID, "err", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WritePing(); err != nil {
				return
			}
		}
	}
}
