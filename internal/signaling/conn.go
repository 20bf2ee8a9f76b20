package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/pairup/internal/protocol"
	"github.com/1ureka/pairup/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var (
	ErrConnClosed   = errors.New("control channel closed")
	ErrOutboxFull   = errors.New("control channel outbox full")
	ErrUnknownEvent = errors.New("unknown event")
)

// conn is the server side of one participant's control channel. Events are
// queued on the outbox and written by a single goroutine, so callers never
// block on a slow socket.
type conn struct {
	id     string
	ws     *websocket.Conn
	outbox chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn, outboxSize int) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

// Send encodes and queues an event. It never blocks: a full outbox drops
// the event and reports ErrOutboxFull.
func (c *conn) Send(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.outbox <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrOutboxFull
	}
}

// writeLoop is the single writer. It drains the outbox and keeps the
// connection alive with pings until close is called or a write fails.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				util.LogDebug("write to %s failed: %v", c.id, err)
				c.close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
