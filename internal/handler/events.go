package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/repair-service/internal/realtime"
)

// EventsHandler отдаёт персистентный SSE-поток живых событий.
type EventsHandler struct {
	hub *realtime.Hub
}

func NewEventsHandler(hub *realtime.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// Stream регистрирует сессию в хабе и переливает её кадры в соединение до
// отключения клиента. Первый кадр — handshake с clientId, дальше события и
// heartbeat-комментарии.
func (h *EventsHandler) Stream(c *gin.Context) {
	actor := actorFrom(c)
	session, err := h.hub.AddClient(actor.UserID, actor.Role)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream is shutting down"})
		return
	}
	defer h.hub.RemoveClient(session.ID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case frame := <-session.Frames():
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
