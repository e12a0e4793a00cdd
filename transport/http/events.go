package http

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/fillwatch/adapters/events"
)

const heartbeatInterval = 15 * time.Second

// EventStream streams the monitor and fill events of the caller as
// server-sent events. The stream ends when the session logs out.
func EventStream(feed *events.Feed) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := currentIdentity(c)
		sub := feed.Subscribe(identity, c.GetString(sessionIDKey))
		defer sub.Close()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.SSEvent("ready", gin.H{"identity": identity})
		c.Writer.Flush()

		c.Stream(func(w io.Writer) bool {
			select {
			case ev := <-sub.Events():
				c.SSEvent(ev.Name, ev.Data)
				return true
			case <-heartbeat.C:
				c.SSEvent("ping", gin.H{"at": time.Now().Unix()})
				return true
			case <-sub.Done():
				c.SSEvent("logout", gin.H{})
				return false
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}
