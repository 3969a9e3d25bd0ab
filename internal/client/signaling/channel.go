/*
Package signaling implements the client side of the signaling channel: a
persistent, ordered websocket connection to the session server over which
membership events arrive and negotiation messages are sent.

The Channel is an explicit connection handle. It is constructed once per
session and passed to the peer connection manager; there is no package-level
connection state.
*/
package signaling

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"telecare/internal/app/session"
	"telecare/internal/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	outgoingQueueSize = 64
	incomingQueueSize = 64
)

// Channel is one client's connection to a session room.
type Channel struct {
	conn *websocket.Conn

	// incoming delivers decoded envelopes in arrival order. Closed when the
	// connection ends, which readers treat as channel disconnect.
	incoming chan session.Envelope

	// outgoing queues encoded frames for the write pump.
	outgoing chan []byte

	// done signals both pumps to stop.
	done      chan struct{}
	closeOnce sync.Once

	logger zerolog.Logger
}

// Dial connects to the session server's channel endpoint for the given room
// with a room-access token and starts the read/write pumps. serverURL is
// the server's base URL; http and https are rewritten to the websocket
// scheme, so callers pass the same URL they use for the REST endpoints.
func Dial(serverURL, roomID, token string) (*Channel, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}

	u.Path = fmt.Sprintf("/ws/%s", roomID)
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect signaling channel: %w", err)
	}

	c := &Channel{
		conn:     conn,
		incoming: make(chan session.Envelope, incomingQueueSize),
		outgoing: make(chan []byte, outgoingQueueSize),
		done:     make(chan struct{}),
		logger: logx.Logger().With().
			Str("component", "SignalingChannel").
			Str("room_id", roomID).
			Logger(),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Events returns the stream of envelopes received from the server, in
// arrival order. The channel is closed when the connection ends.
func (c *Channel) Events() <-chan session.Envelope {
	return c.incoming
}

// readPump decodes inbound frames onto the incoming channel until the
// connection closes.
func (c *Channel) readPump() {
	defer func() {
		c.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var env session.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Signaling channel read ended")
			}
			return
		}

		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

// writePump writes queued frames and keeps the heartbeat alive.
func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn().Err(err).Msg("Signaling channel write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// SendSignal queues one negotiation message addressed to a single
// counterpart connection.
func (c *Channel) SendSignal(event session.EventType, targetConnectionID string, signal json.RawMessage) error {
	messageBytes, err := session.EncodeEnvelope(event, session.SignalPayload{
		TargetConnectionID: targetConnectionID,
		Signal:             signal,
	})
	if err != nil {
		return err
	}

	select {
	case c.outgoing <- messageBytes:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling channel closed")
	}
}

// Close shuts the channel down. Safe to call from any goroutine and more
// than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
