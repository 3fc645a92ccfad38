package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

// Stream exposes bus events to websocket clients as JSON messages.
type Stream struct {
	bus      *Bus
	log      zerolog.Logger
	upgrader websocket.Upgrader
	buffer   int
}

// NewStream wires a websocket handler on top of bus.
func NewStream(bus *Bus, log zerolog.Logger) *Stream {
	return &Stream{
		bus:    bus,
		log:    log,
		buffer: 256,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and pushes events until either side goes away.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.bus.Subscribe(s.buffer)
	defer unsubscribe()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("event stream client connected")

	// Reads are only used to notice the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			s.log.Info().Str("remote", r.RemoteAddr).Msg("event stream client disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}
