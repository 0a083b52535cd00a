package sse

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// Serve registers client on hub and streams its events until the request
// ends or the client is unregistered. A comment line is written every
// heartbeat interval to keep proxies from closing the connection.
func Serve(c *gin.Context, hub *Hub, client *Client, heartbeat time.Duration) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	hub.Register(client)
	defer hub.Unregister(client)

	connected := Event{
		Type: "connected",
		Data: map[string]string{"client_id": client.ID, "resource": client.Resource},
	}
	if _, err := fmt.Fprint(c.Writer, connected.FormatSSE()); err != nil {
		return
	}
	c.Writer.Flush()

	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case event, ok := <-client.Channel:
			if !ok {
				return
			}
			if _, err := fmt.Fprint(c.Writer, event.FormatSSE()); err != nil {
				return
			}
			c.Writer.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
