package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cctv-attendance/internal/broadcast"
)

const heartbeatInterval = 25 * time.Second

// stream serves attendance events as server-sent events, optionally for a
// single person.
func (h *Handler) stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live stream disabled"})
		return
	}

	sub := h.hub.Subscribe(c.Query("person_id"), 32)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			c.SSEvent(broadcast.EventType, ev)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": h.now().UTC()})
			c.Writer.Flush()
		}
	}
}
