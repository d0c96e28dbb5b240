// Package wsocket implements the coordinator's event socket: one goroutine
// pair (readPump/writePump) per connection, JSON-framed, feeding inbound
// events into the dispatcher and carrying outbound events back out.
package wsocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clipboardpush/signal-coordinator/internal/v1/logging"
	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// wsConnection is the subset of *websocket.Conn a Socket depends on, so
// tests can substitute an in-memory fake.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Router is implemented by the dispatcher: the single entry point readPump
// feeds every decoded event into.
type Router interface {
	Dispatch(ctx context.Context, socketID, event string, payload map[string]any)
}

// Socket is one event-socket connection.
type Socket struct {
	ID       string
	conn     wsConnection
	send     chan []byte
	router   Router
	onClosed func(socketID string)
}

// NewSocket wraps conn as a Socket identified by id, routing inbound events
// to router and invoking onClosed once readPump exits.
func NewSocket(id string, conn wsConnection, router Router, onClosed func(socketID string)) *Socket {
	return &Socket{
		ID:       id,
		conn:     conn,
		send:     make(chan []byte, 64),
		router:   router,
		onClosed: onClosed,
	}
}

// Start launches the read and write pumps. It blocks until readPump exits
// (i.e. the connection closes), so callers typically run it in its own
// goroutine.
func (s *Socket) Start() {
	go s.writePump()
	s.readPump()
}

// Emit enqueues event/payload for delivery, dropping it if the client's send
// buffer is full rather than blocking the caller (the fan-out and activity
// log paths must never stall on one slow socket).
func (s *Socket) Emit(event string, payload any) {
	frame, err := json.Marshal(wireMessage{Event: event, Payload: payload})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal outbound event", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case s.send <- frame:
	default:
		logging.Warn(context.Background(), "socket send buffer full, dropping event", zap.String("socket_id", s.ID), zap.String("event", event))
	}
}

type wireMessage struct {
	Event   string `json:"event"`
	Payload any    `json:"data"`
}

func (s *Socket) readPump() {
	defer func() {
		s.conn.Close()
		metrics.DecConnection()
		if s.onClosed != nil {
			s.onClosed(s.ID)
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}

		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			s.Emit("error", map[string]any{"code": "E_BAD_SCHEMA", "msg": "payload is not valid JSON"})
			continue
		}
		event, _ := raw["event"].(string)
		if event == "" {
			s.Emit("error", map[string]any{"code": "E_BAD_SCHEMA", "msg": "event name is required"})
			continue
		}

		payload, _ := raw["data"].(map[string]any)
		if payload == nil {
			payload = raw
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error(context.Background(), "panic while dispatching event",
						zap.String("socket_id", s.ID), zap.String("event", event), zap.Any("recovered", r))
				}
			}()
			s.router.Dispatch(context.Background(), s.ID, event, payload)
		}()
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
