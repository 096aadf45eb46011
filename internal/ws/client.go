package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 5 * time.Second
	// sendQueueSize bounds the events buffered for one watcher.
	sendQueueSize = 32
)

var (
	// ErrClientClosed is returned by Send once the stream has ended.
	ErrClientClosed = errors.New("ws: client closed")
	// ErrSlowConsumer is returned by Send when the watcher's queue is full.
	ErrSlowConsumer = errors.New("ws: client send queue full")
)

// Client streams deployment events to one websocket watcher. Send only
// enqueues; a dedicated goroutine owns every write to the connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewClient wraps conn and starts its write loop.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn: conn,
		log:  logger,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues payload without blocking the caller.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("event watcher not keeping up", "remote_addr", c.conn.RemoteAddr().String(), "queued", len(c.send))
		return ErrSlowConsumer
	}
}

// Close ends the stream. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) writeLoop() {
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Warn("event write failed", "remote_addr", c.conn.RemoteAddr().String(), "error", err)
				return
			}
		}
	}
}
