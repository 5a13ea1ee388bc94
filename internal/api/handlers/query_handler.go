package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/query"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/logger"
)

type QueryHandler struct {
	engine *query.Engine
}

func NewQueryHandler(engine *query.Engine) *QueryHandler {
	return &QueryHandler{engine: engine}
}

// HandleTrajectory returns an identity's cross-camera path. Defaults to the
// last 24 hours when no window is given.
func (h *QueryHandler) HandleTrajectory(c *fiber.Ctx) error {
	did := c.Params("did")

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid from timestamp",
			})
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid to timestamp",
			})
		}
		to = parsed
	}
	if !from.Before(to) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "from must precede to",
		})
	}

	trajectory, err := h.engine.Trajectory(c.Context(), did, from, to)
	if err != nil {
		logger.Error("Failed to build trajectory", zap.String("did", did), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to build trajectory",
		})
	}
	return c.JSON(trajectory)
}

// HandleLocation returns an identity's live or last-known position.
func (h *QueryHandler) HandleLocation(c *fiber.Ctx) error {
	did := c.Params("did")

	loc, err := h.engine.CurrentLocation(did)
	if err != nil {
		if err == models.ErrNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "No live session for identity",
			})
		}
		logger.Error("Failed to resolve location", zap.String("did", did), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to resolve location",
		})
	}
	return c.JSON(loc)
}

// HandleDensity returns a camera's session count for a date (crowd proxy).
func (h *QueryHandler) HandleDensity(c *fiber.Ctx) error {
	cameraID := c.Params("camera_id")

	date := time.Now()
	if v := c.Query("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid date, expected YYYY-MM-DD",
			})
		}
		date = parsed
	}

	count, err := h.engine.Density(c.Context(), cameraID, date)
	if err != nil {
		logger.Error("Failed to compute density", zap.String("camera_id", cameraID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute density",
		})
	}

	return c.JSON(fiber.Map{
		"camera_id": cameraID,
		"date":      date.Format("2006-01-02"),
		"sessions":  count,
	})
}

// HandleCameraSessions lists a camera's live sessions.
func (h *QueryHandler) HandleCameraSessions(c *fiber.Ctx) error {
	cameraID := c.Params("camera_id")

	sessions := h.engine.ActiveSessions(cameraID)
	items := make([]fiber.Map, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		item := fiber.Map{
			"session_id":       sess.SessionID,
			"local_track_id":   sess.LocalTrackID,
			"did":              sess.DID,
			"match_confidence": sess.MatchConfidence,
			"status":           string(sess.Status),
			"start":            sess.StartTimestamp,
			"last_seen":        sess.LastSeen,
			"total_detections": sess.TotalDetections,
			"avg_confidence":   sess.AvgConfidence,
		}
		if len(sess.Trajectory) > 0 {
			last := sess.Trajectory[len(sess.Trajectory)-1]
			item["position"] = fiber.Map{"x": last.X, "y": last.Y}
		}
		items = append(items, item)
	}

	return c.JSON(fiber.Map{
		"camera_id": cameraID,
		"sessions":  items,
		"count":     len(items),
	})
}
