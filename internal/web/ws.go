package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/eol-tester/internal/fixture"
	"github.com/sweeney/eol-tester/internal/status"
)

// Send timing and message size limits.
const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxMsgSize  = 1 << 12
	eventBuffer = 64
)

// EventStatus is the first message on every stream.
const EventStatus = "status"

type wsEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams fixture events. Slow clients lose events rather than stall the
// session goroutine that produces them.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events := make(chan fixture.Event, eventBuffer)
	unsubscribe := s.op.Subscribe(func(e fixture.Event) {
		select {
		case events <- e:
		default:
			s.log.Debugw("ws event dropped", "type", e.Type)
		}
	})
	defer unsubscribe()

	initial := wsEnvelope{Type: EventStatus, Data: json.RawMessage(status.FormatJSON(s.op.Status()))}
	if err := s.send(conn, initial); err != nil {
		s.log.Debugw("ws initial write failed", "err", err)
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e := <-events:
			if err := s.send(conn, wsEnvelope{Type: e.Type, Data: e.Data}); err != nil {
				s.log.Debugw("ws write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg wsEnvelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
