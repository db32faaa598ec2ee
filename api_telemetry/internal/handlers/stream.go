package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"lookout/api_telemetry/internal/realtime"
	"lookout/pkg/logging"
)

type sseStreamer struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func newSSEStreamer(writer http.ResponseWriter) (*sseStreamer, error) {
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	return &sseStreamer{writer: writer, flusher: flusher}, nil
}

func (s *sseStreamer) send(ev sse.Event) error {
	if err := sse.Encode(s.writer, ev); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// deliver is handed to the manager. Only the connection loop calls it, so
// the handler goroutine must not write once the connection is added.
func (s *sseStreamer) deliver(msg realtime.Message) error {
	return s.send(msg.SSEEvent())
}

// HandleStream serves the realtime SSE stream for one app until the viewer
// disconnects or the server stops.
func (h *Handler) HandleStream(c *gin.Context) {
	appID := c.Param("appId")
	if !validAppID(appID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_app_id"})
		return
	}
	c.Set("app_id", appID)

	streamer, err := newSSEStreamer(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unavailable"})
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	streamer.flusher.Flush()

	conn, err := h.streams.AddConnection(appID, streamer.deliver)
	if err != nil {
		detail := "stream unavailable"
		if errors.Is(err, realtime.ErrStopped) {
			detail = "server is shutting down"
		}
		_ = streamer.send(realtime.Message{
			Kind:    realtime.KindError,
			Payload: realtime.ErrorPayload{Code: "unavailable", Detail: detail},
		}.SSEEvent())
		return
	}

	log := h.logger.WithFields(logging.Fields{
		"app_id":        appID,
		"connection_id": conn.ID,
	})
	log.Debug("Viewer connected")

	select {
	case <-conn.Done():
	case <-c.Request.Context().Done():
		conn.Close()
	}
	log.Debug("Viewer disconnected")
}
