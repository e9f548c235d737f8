package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/tow-dispatch/internal/models"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is what a driver device may send up the socket.
type wsMessage struct {
	Type     string        `json:"type"`
	Location *models.Coord `json:"location,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if _, ok := s.registry.Get(id); !ok {
		s.writeError(w, r, notFound("ws", "driver %s not found", id))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("driver_id", id).Warn("ws upgrade failed")
		return
	}
	session := s.ws.Add(id, conn)
	log := s.logger.WithField("driver_id", id)
	log.Info("driver connected")

	// replay unread backlog, oldest first
	backlog := s.sink.ListFor(id, true)
	for i := len(backlog) - 1; i >= 0; i-- {
		if err := session.Send(backlog[i]); err != nil {
			log.WithError(err).Warn("ws backlog send failed")
			break
		}
	}

	done := make(chan struct{})
	go pingLoop(session, done)
	defer func() {
		close(done)
		s.ws.Remove(id, session)
		_ = conn.Close()
		log.Info("driver disconnected")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if msg.Type == "location" && msg.Location != nil {
			if _, err := s.lifecycle.Heartbeat(r.Context(), id, *msg.Location); err != nil {
				log.WithError(err).Debug("ws heartbeat rejected")
			}
		}
	}
}

func pingLoop(session pinger, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := session.Ping(); err != nil {
				return
			}
		}
	}
}

type pinger interface {
	Ping() error
}
