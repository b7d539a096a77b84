package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nightwatch/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Event is one message on the websocket stream.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

type statePayload struct {
	State  domain.SessionState       `json:"state"`
	Reason domain.SessionStateReason `json:"reason"`
}

type micPayload struct {
	Mic domain.MicState `json:"mic"`
}

type positionPayload struct {
	Position *domain.PositionSample `json:"position"`
}

type phasePayload struct {
	CycleID uint64              `json:"cycleId"`
	Phase   domain.CapturePhase `json:"phase"`
}

type errorPayload struct {
	Code   domain.ErrorCode `json:"code"`
	Detail string           `json:"detail"`
}

// Hub fans session events out to every connected websocket client. It
// implements ports.EventSink and never blocks the caller: events for a slow
// client are dropped and the client is disconnected.
type Hub struct {
	log zerolog.Logger
	now func() time.Time

	register   chan *client
	unregister chan *client
	broadcast  chan Event
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:        logger.With().Str("component", "hub").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 256),
		done:       make(chan struct{}),
		clients:    map[*client]struct{}{},
	}
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.log.Debug().Str("client", c.id).Msg("client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug().Str("client", c.id).Msg("client disconnected")

		case event := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- event:
				default:
					delete(h.clients, c)
					close(c.send)
					h.log.Warn().Str("client", c.id).Msg("dropping slow client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// join hands a client to Run. It reports false once the hub has stopped.
func (h *Hub) join(c *client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) publish(kind string, payload any) {
	event := Event{Type: kind, Timestamp: h.now(), Payload: payload}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn().Str("type", kind).Msg("event buffer full, dropping event")
	}
}

func (h *Hub) SessionStateChanged(state domain.SessionState, reason domain.SessionStateReason) {
	h.publish("session_state", statePayload{State: state, Reason: reason})
}

func (h *Hub) MicStateChanged(state domain.MicState) {
	h.publish("mic_state", micPayload{Mic: state})
}

func (h *Hub) PositionChanged(sample *domain.PositionSample) {
	h.publish("position", positionPayload{Position: sample})
}

func (h *Hub) CapturePhaseChanged(cycleID uint64, phase domain.CapturePhase) {
	h.publish("capture_phase", phasePayload{CycleID: cycleID, Phase: phase})
}

func (h *Hub) SessionError(code domain.ErrorCode, detail string) {
	h.publish("error", errorPayload{Code: code, Detail: detail})
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan Event
}

func newClient(hub *Hub, conn *websocket.Conn) *client {
	return &client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan Event, sendBuffer),
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				c.hub.log.Error().Err(err).Str("type", event.Type).Msg("encode event")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.log.Debug().Err(err).Str("client", c.id).Msg("write failed")
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

// readPump discards client messages and notices disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
