package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/bus"
	"go.transitwatch.dev/core/internal/model"
)

// Upgrader is the subset of gorilla/websocket.Upgrader this package
// exercises, narrowed to an interface so tests can substitute a fake.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (*websocket.Conn, error)
}

func defaultUpgrader() Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// clientMessage is an inbound message on the live channel: either
// {"type":"subscribe","filters":{...}} or {"type":"ping"}.
type clientMessage struct {
	Type    string `json:"type"`
	Filters struct {
		Line        string   `json:"line"`
		Station     string   `json:"station"`
		SeverityMin float64  `json:"severity_min"`
		Kinds       []string `json:"kinds"`
	} `json:"filters"`
}

// handleWebsocket upgrades the connection and bridges it to a bus
// Subscription: bus messages are written out, and {"type":"subscribe"}/
// {"type":"ping"} client frames update the filter or trigger a pong, per
// spec.md §6's live-channel contract.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.maxConns > 0 && s.bus.SubscriberCount() >= s.maxConns {
		writeError(w, http.StatusServiceUnavailable, ErrKindStoreError, "subscriber limit reached", true)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(bus.Filter{})
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go s.readClientFrames(conn, sub, done)

	for {
		select {
		case msg, ok := <-sub.Messages:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) readClientFrames(conn *websocket.Conn, sub *bus.Subscription, done chan struct{}) {
	defer close(done)
	for {
		var cm clientMessage
		if err := conn.ReadJSON(&cm); err != nil {
			return
		}
		switch cm.Type {
		case "ping":
			s.bus.Pong(sub)
		case "subscribe":
			kinds := map[model.AnomalyKind]bool{}
			for _, k := range cm.Filters.Kinds {
				kinds[model.AnomalyKind(k)] = true
			}
			sub.UpdateFilter(bus.Filter{
				Line:        cm.Filters.Line,
				Station:     cm.Filters.Station,
				SeverityMin: cm.Filters.SeverityMin,
				Kinds:       kinds,
			})
		}
	}
}

