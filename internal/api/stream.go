package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/treykane/tunnelkeeper/internal/events"
	"github.com/treykane/tunnelkeeper/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
)

// streamEvents upgrades to a websocket and forwards bus events as JSON text
// frames. The stream opens with one state event per known tunnel so a client
// starts from the current picture.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.mgr.Bus().Subscribe(events.DefaultBuffer)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Debug("websocket read error", "error", err)
				}
				return
			}
		}
	}()

	for _, evt := range s.snapshotEvents() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case evt, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) snapshotEvents() []events.Event {
	now := time.Now().UTC()
	var out []events.Event
	for _, t := range s.mgr.Managed() {
		out = append(out, events.Event{
			Timestamp:  now,
			Kind:       events.KindStateChanged,
			TunnelKind: model.KindManaged,
			Key:        t.ConfigPath,
			Name:       t.Name,
			Status:     t.Status,
			PID:        t.PID,
			Message:    t.LastError,
		})
	}
	for _, q := range s.mgr.Quick() {
		out = append(out, events.Event{
			Timestamp:  now,
			Kind:       events.KindStateChanged,
			TunnelKind: model.KindQuick,
			Key:        q.ID,
			Name:       q.LocalURL,
			Status:     q.Status,
			PID:        q.PID,
			PublicURL:  q.PublicURL,
			Message:    q.LastError,
		})
	}
	return out
}
