package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lowkeylabs/crossyield/internal/bus"
)

const wsWriteTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// eventFrame is one websocket message: a bus event rendered for
// clients.
type eventFrame struct {
	Topic   string      `json:"topic"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// handleWS streams decision, upkeep, message, rebalance, and
// significant-price events to the client. The stream is read-only;
// client frames only serve connection liveness.
func (s *Server) handleWS(c *gin.Context) {
	if s.sources.Bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not available"})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	decisions := s.sources.Bus.SubscribeBuffered(bus.TopicDecision, 256)
	defer decisions.Unsubscribe()
	needed := s.sources.Bus.SubscribeBuffered(bus.TopicUpkeepNeeded, 256)
	defer needed.Unsubscribe()
	failed := s.sources.Bus.SubscribeBuffered(bus.TopicUpkeepFailed, 256)
	defer failed.Unsubscribe()
	messages := s.sources.Bus.SubscribeBuffered(bus.TopicMessageStateChanged, 256)
	defer messages.Unsubscribe()
	completed := s.sources.Bus.SubscribeBuffered(bus.TopicRebalanceCompleted, 256)
	defer completed.Unsubscribe()
	prices := s.sources.Bus.SubscribeBuffered(bus.TopicSignificantPriceChange, 256)
	defer prices.Unsubscribe()

	// Reads only detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.Debug().Str("client", c.ClientIP()).Msg("websocket client connected")

	for {
		var ev bus.Event
		select {
		case <-done:
			return
		case ev = <-decisions.C():
		case ev = <-needed.C():
		case ev = <-failed.C():
		case ev = <-messages.C():
		case ev = <-completed.C():
		case ev = <-prices.C():
		}
		if !s.writeEvent(conn, ev) {
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev bus.Event) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return false
	}
	frame := eventFrame{
		Topic:   string(ev.Topic),
		At:      ev.Timestamp,
		Payload: ev.Payload,
	}
	if err := conn.WriteJSON(frame); err != nil {
		s.log.Debug().Err(err).Msg("websocket write failed, dropping client")
		return false
	}
	return true
}
