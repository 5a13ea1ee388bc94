package handlers

import (
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/session"
	"github.com/tourist-safety/backend/pkg/logger"
)

// WebSocketHandler pushes live session events to dashboard clients.
type WebSocketHandler struct {
	notifier *session.Notifier
}

func NewWebSocketHandler(notifier *session.Notifier) *WebSocketHandler {
	return &WebSocketHandler{notifier: notifier}
}

// HandleEvents streams session lifecycle events until the client disconnects.
// A client may filter by camera or identity through query parameters.
func (h *WebSocketHandler) HandleEvents(c *websocket.Conn) {
	cameraFilter := c.Query("camera_id")
	didFilter := c.Query("did")

	logger.Info("Event stream client connected",
		zap.String("camera_filter", cameraFilter),
		zap.String("did_filter", didFilter),
	)

	events, cancel := h.notifier.Subscribe()
	defer cancel()

	// Reader goroutine: its exit signals disconnect, any payload is ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		c.Close()
		logger.Info("Event stream client disconnected")
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if cameraFilter != "" && event.CameraID != cameraFilter {
				continue
			}
			if didFilter != "" && event.DID != didFilter {
				continue
			}

			msg := map[string]interface{}{
				"type":       string(event.Type),
				"session_id": event.SessionID,
				"camera_id":  event.CameraID,
				"did":        event.DID,
				"status":     event.Status,
				"timestamp":  event.Timestamp,
			}
			if event.Target != "" {
				msg["target_camera"] = event.Target
			}
			if err := c.WriteJSON(msg); err != nil {
				logger.Warn("Failed to write event to client", zap.Error(err))
				return
			}
		}
	}
}
