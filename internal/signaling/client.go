package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Send when there is no open connection.
// The client never queues: callers must not assume delivery.
var ErrNotConnected = errors.New("signaling: not connected")

// Client maintains one logical session with the rendezvous server. It
// does not reconnect on its own; after a transport error a fresh
// ConnectAndJoin is required.
type Client struct {
	serverURL string
	logger    *logrus.Logger

	onEnvelope func(*Envelope)
	onClose    func(error)

	mu       sync.Mutex
	conn     *websocket.Conn
	identity string
	room     string
}

func NewClient(serverURL string, logger *logrus.Logger) *Client {
	return &Client{serverURL: serverURL, logger: logger}
}

// OnEnvelope registers the inbound handler. Envelopes are delivered from
// a single reader goroutine in arrival order. Must be set before
// ConnectAndJoin.
func (c *Client) OnEnvelope(fn func(*Envelope)) {
	c.onEnvelope = fn
}

// OnClose registers a handler for unsolicited transport loss. It does not
// fire for explicit Disconnect or when a new ConnectAndJoin replaces the
// connection.
func (c *Client) OnClose(fn func(error)) {
	c.onClose = fn
}

// ConnectAndJoin dials the server and immediately announces identity in
// room. Any prior connection is closed first so exactly one logical
// session exists per call.
func (c *Client) ConnectAndJoin(ctx context.Context, identity, room string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	join, err := NewJoin(identity, room).Marshal()
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.identity = identity
	c.room = room
	c.mu.Unlock()

	go c.readLoop(conn)

	c.logger.Infof("Joined room %q as %q via %s", room, identity, c.serverURL)
	return nil
}

// Send transmits env. There is no queueing: with no open connection the
// envelope is dropped and ErrNotConnected returned.
func (c *Client) Send(env *Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect sends a best-effort leave for the joined room and closes the
// transport.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	identity, room := c.identity, c.room
	c.conn = nil
	c.identity, c.room = "", ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if room != "" {
		if data, err := NewLeave(identity, room).Marshal(); err == nil {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugf("Best-effort leave failed: %v", err)
			}
		}
	}
	return conn.Close()
}

// Connected reports whether a transport is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.mu.Unlock()

			// Only an unsolicited loss of the live connection is
			// reported; replaced or explicitly closed connections die
			// quietly.
			if current {
				c.logger.Warnf("Signaling connection lost: %v", err)
				if c.onClose != nil {
					c.onClose(err)
				}
			}
			return
		}

		env, err := Unmarshal(data)
		if err != nil {
			c.logger.Warnf("Dropping unparseable envelope: %v", err)
			continue
		}
		if c.onEnvelope != nil {
			c.onEnvelope(env)
		}
	}
}
