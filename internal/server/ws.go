package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/woozymasta/cropstress/internal/stress"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
	sendBufferSize = 16
)

// Message types exchanged over /ws.
const (
	MessageSelect = "select"
	MessageState  = "state"
	MessageError  = "error"
)

// clientMessage is sent by the page.
type clientMessage struct {
	Type string   `json:"type"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

// serverMessage is pushed to the page.
type serverMessage struct {
	State *stress.ViewState `json:"state,omitempty"`
	Type  string            `json:"type"`
	Error string            `json:"error,omitempty"`
}

// wsClient is one websocket connection bound to a page session.
type wsClient struct {
	conn    *websocket.Conn
	session *stress.Session
	store   *SessionStore
	send    chan serverMessage
	id      string
	timeout time.Duration
	wg      sync.WaitGroup
	closed  bool
	mu      sync.Mutex
}

// HandleWS upgrades the connection and streams view state transitions of the
// caller's session. Each select message starts a stress computation; the
// loading state and the final state are pushed as they happen.
func (s *ServerContext) HandleWS(w http.ResponseWriter, r *http.Request) {
	id, sess, cookie := s.Sessions.Get(r)

	header := http.Header{}
	if cookie != nil {
		header.Add("Set-Cookie", cookie.String())
	}

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		log.Warn().Err(err).Str("ip", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	c := &wsClient{
		conn:    conn,
		session: sess,
		store:   s.Sessions,
		send:    make(chan serverMessage, sendBufferSize),
		id:      id,
		timeout: s.SelectTimeout,
	}

	log.Debug().Str("session", id).Str("ip", r.RemoteAddr).Msg("Websocket connected")

	st := sess.State()
	c.push(serverMessage{Type: MessageState, State: &st})

	go c.writePump()
	c.readPump()
}

// readPump handles incoming messages until the connection fails. It owns the
// lifetime of the client.
func (c *wsClient) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.wg.Wait()
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.Close()
		log.Debug().Str("session", c.id).Msg("Websocket disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("session", c.id).Msg("Websocket read failed")
			}
			return
		}

		c.store.Touch(c.id)
		c.handle(ctx, data)
	}
}

func (c *wsClient) handle(ctx context.Context, data []byte) {
	var msg clientMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		c.push(serverMessage{Type: MessageError, Error: "invalid message: " + err.Error()})
		return
	}

	if msg.Type != MessageSelect {
		c.push(serverMessage{Type: MessageError, Error: "unknown message type " + msg.Type})
		return
	}

	coord, err := selectRequest{Lat: msg.Lat, Lon: msg.Lon}.coordinate()
	if err != nil {
		c.push(serverMessage{Type: MessageError, Error: err.Error()})
		return
	}

	log.Info().Str("session", c.id).Float64("lat", coord.Lat).Float64("lon", coord.Lon).Msg("Point selected")

	// runs concurrently so a newer selection can supersede this one
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		runCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		final := c.session.Select(runCtx, coord, func(st stress.ViewState) {
			c.push(serverMessage{Type: MessageState, State: &st})
		})
		c.push(serverMessage{Type: MessageState, State: &final})
	}()
}

// push queues a message, dropping it when the client is gone or too slow.
func (c *wsClient) push(msg serverMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
		log.Warn().Str("session", c.id).Str("type", msg.Type).Msg("Websocket send buffer full, message dropped")
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Str("session", c.id).Msg("Websocket write failed")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
