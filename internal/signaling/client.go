package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/pairup/internal/protocol"
	"github.com/1ureka/pairup/internal/util"
)

// Client is the participant side of a control channel.
type Client struct {
	ws     *websocket.Conn
	events chan protocol.Envelope

	mu sync.Mutex // serializes writes; gorilla allows one concurrent writer

	done      chan struct{} // closed by Close
	readDone  chan struct{} // closed when readLoop returns
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to the server's /ws endpoint and starts reading events.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &Client{
		ws:       ws,
		events:   make(chan protocol.Envelope, 64),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers decoded server events. It is closed when the connection
// ends; Err then reports why.
func (c *Client) Events() <-chan protocol.Envelope {
	return c.events
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send encodes and writes one event.
func (c *Client) Send(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Close says goodbye, closes the socket and waits for the read loop to
// stop. Events not yet consumed are dropped. It is safe to call more than
// once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	<-c.readDone
	return err
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.events)

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}

		env, err := protocol.Decode(frame)
		if err != nil {
			util.LogWarning("ignoring server frame: %v", err)
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}
