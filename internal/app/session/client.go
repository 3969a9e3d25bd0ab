package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"telecare/internal/pkg/auth/jwt"
	"telecare/internal/pkg/errs"
	"telecare/internal/pkg/logx"
)

const (
	// timeout for writes to the websocket connection.
	writeWait = 10 * time.Second

	// maximum time to wait for a pong before the connection is considered
	// dead. This bounds how late a counterpart learns about an abrupt
	// disconnect.
	pongWait = 60 * time.Second

	// ping frequency; must be below pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maximum inbound frame size. SDP offers with many candidates run a few
	// kilobytes; 64 KB leaves ample headroom.
	maxMessageSize = 64 * 1024

	// sendQueueSize buffers outbound events per connection.
	sendQueueSize = 256

	// WsCloseCodeSessionKicked is a custom close code (4000-4999 range)
	// telling the client its session was replaced by a newer connection.
	WsCloseCodeSessionKicked = 4001

	// TokenRefreshWindow is how long before room-token expiry a refreshed
	// token is pushed over the channel.
	TokenRefreshWindow = 2 * time.Minute
)

// Client is one participant's channel connection to a room. It owns the
// read and write pumps for the underlying websocket and forwards inbound
// negotiation messages to the room's relay.
type Client struct {
	// room the client belongs to.
	room *Room

	// conn is the underlying websocket connection.
	conn *websocket.Conn

	// participant is the identity attached to this connection.
	participant Participant

	// tokenExpiry records when the client's current room-access token expires.
	tokenExpiry time.Time

	// send buffers outbound messages for the write pump.
	send chan []byte

	// sendClose guarantees the send channel is closed exactly once, whether
	// teardown starts in the room loop, in Kick or in the read pump.
	sendClose sync.Once

	// kickMu guards kickMessage. All frames go out through the write pump;
	// Kick only records the close frame for the pump to emit when the send
	// queue drains shut.
	kickMu      sync.Mutex
	kickMessage []byte

	logger zerolog.Logger
}

// NewClient constructs a Client for an admitted channel connection.
func NewClient(room *Room, wsConn *websocket.Conn, participant Participant, tokenExpiry time.Time) *Client {
	clientLogger := logx.Logger().With().
		Str("connection_id", participant.ConnectionID).
		Str("user_id", participant.UserID).
		Str("room_id", room.ID).
		Logger()

	return &Client{
		room:        room,
		conn:        wsConn,
		participant: participant,
		tokenExpiry: tokenExpiry,
		send:        make(chan []byte, sendQueueSize),
		logger:      clientLogger,
	}
}

// Participant returns the identity attached to this connection.
func (c *Client) Participant() Participant {
	return c.participant
}

// ReadPump reads envelopes from the websocket until the connection closes,
// then unregisters the client from its room. Explicit leave, network drop
// and tab close all funnel through here.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Channel read ended (client close/going away)")
			}
			break
		}

		c.processInboundEnvelope(messageBytes)
	}
}

// cleanupOnDisconnect hands the client to the room's unregister queue and
// closes the websocket.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Info().Msg("Channel connection cleanup starting.")

	select {
	case c.room.unregister <- c:
	case <-c.room.stopChan:
	}

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Channel connection close error")
	}
}

// processInboundEnvelope dispatches one raw inbound frame.
func (c *Client) processInboundEnvelope(messageBytes []byte) {
	var env Envelope
	if err := json.Unmarshal(messageBytes, &env); err != nil {
		c.logger.Warn().Err(err).Msg("Client sent invalid JSON envelope")
		return
	}

	switch env.Type {
	case EventOffer, EventAnswer, EventCandidate:
		c.handleSignal(env.Type, env.Payload)

	default:
		c.logger.Warn().Str("event", string(env.Type)).Msg("Client sent unsupported event type")
	}
}

// handleSignal validates a negotiation payload and hands it to the room's
// relay. Negotiation messages are strictly point-to-point.
func (c *Client) handleSignal(event EventType, payloadBytes json.RawMessage) {
	var payload SignalPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		c.logger.Warn().Err(err).Str("event", string(event)).Msg("Client sent invalid signal payload")
		return
	}

	if payload.TargetConnectionID == "" || len(payload.Signal) == 0 {
		c.logger.Warn().Str("event", string(event)).Msg("Client sent signal without target or body")
		return
	}

	if payload.TargetConnectionID == c.participant.ConnectionID {
		c.logger.Warn().Str("event", string(event)).Msg("Client addressed a signal to itself")
		return
	}

	c.room.Relay(c, event, payload)
}

// WritePump writes queued messages to the websocket and keeps the heartbeat
// alive. It also pushes refreshed room tokens shortly before expiry.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Channel connection close error in WritePump")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.writeQueuedMessage(message, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				return
			}

			c.checkAndRefreshToken()
		}
	}
}

// writeQueuedMessage writes one queued frame. Returns false when the write
// pump should terminate.
func (c *Client) writeQueuedMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		c.kickMu.Lock()
		closeMessage := c.kickMessage
		c.kickMu.Unlock()

		if err := c.conn.WriteMessage(websocket.CloseMessage, closeMessage); err != nil {
			c.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Error().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

// writePingMessage sends a heartbeat ping. Returns false on write failure.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Error().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// checkAndRefreshToken pushes a fresh room-access token over the channel
// when the current one is inside the refresh window, so sessions outliving
// the token lifetime are not interrupted.
func (c *Client) checkAndRefreshToken() {
	if !time.Now().After(c.tokenExpiry.Add(-TokenRefreshWindow)) {
		return
	}

	c.logger.Info().
		Time("current_expiry", c.tokenExpiry).
		Dur("refresh_window", TokenRefreshWindow).
		Msg("Room token nearing expiry, refreshing.")

	payload := &jwt.Payload{
		ID:          c.participant.UserID,
		RoomID:      c.room.ID,
		Role:        c.participant.Role,
		DisplayName: c.participant.DisplayName,
	}

	tokenString, err := jwt.GenerateToken(payload, c.room.jwtSecret, jwt.RoomAccessExpiration)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to generate refreshed token. Aborting refresh.")
		return
	}

	if err := c.sendEvent(EventTokenUpdate, TokenUpdatePayload{Token: tokenString}); err != nil {
		c.logger.Error().Err(err).Msg("Failed to queue token update.")
		return
	}

	c.tokenExpiry = time.Now().Add(jwt.RoomAccessExpiration)
}

// enqueue places raw bytes on the send queue without blocking.
func (c *Client) enqueue(messageBytes []byte) error {
	select {
	case c.send <- messageBytes:
		return nil
	default:
		return fmt.Errorf("client send queue full")
	}
}

// sendEvent marshals and queues one event for this client.
func (c *Client) sendEvent(eventType EventType, payload any) error {
	messageBytes, err := EncodeEnvelope(eventType, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", string(eventType)).Msg("Error marshaling event for client")
		return err
	}

	return c.enqueue(messageBytes)
}

// SendRoomJoined delivers the membership snapshot to a joining client.
func (c *Client) SendRoomJoined(payload RoomJoinedPayload) error {
	if err := c.sendEvent(EventRoomJoined, payload); err != nil {
		c.logger.Error().Err(err).Msg("Failed to send room-joined snapshot.")
		return err
	}
	return nil
}

// SendError queues a coded error event for the client.
func (c *Client) SendError(err error) {
	var code int
	var message string

	var customErr *errs.CustomError
	if errors.As(err, &customErr) {
		code = customErr.Code
		message = customErr.Message
	} else {
		code = errs.ErrUnknown
		message = fmt.Sprintf("Internal server error: %v", err)
	}

	if sendErr := c.sendEvent(EventError, ErrorPayload{Code: code, Message: message}); sendErr != nil {
		c.logger.Warn().Err(sendErr).Msg("Failed to queue error event")
	}
}

// Kick closes the connection with the session-replaced close code. Used
// when the same user joins again over a fresh connection. The close frame
// itself is emitted by the write pump when the send queue drains shut, so
// Kick never races the pump on the connection.
func (c *Client) Kick(reason string) {
	c.logger.Warn().
		Int("close_code", WsCloseCodeSessionKicked).
		Str("reason", reason).
		Msg("Kicking channel connection.")

	c.kickMu.Lock()
	c.kickMessage = websocket.FormatCloseMessage(WsCloseCodeSessionKicked, reason)
	c.kickMu.Unlock()

	c.closeSend()
}

// closeSend closes the send queue exactly once.
func (c *Client) closeSend() {
	c.sendClose.Do(func() {
		close(c.send)
	})
}
