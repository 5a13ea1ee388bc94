package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/topology"
	"github.com/tourist-safety/backend/pkg/logger"
)

// CameraHandler manages the deployment's camera topology. The graph is
// optional; without it every route answers 503.
type CameraHandler struct {
	graph *topology.Graph
}

func NewCameraHandler(graph *topology.Graph) *CameraHandler {
	return &CameraHandler{graph: graph}
}

func (h *CameraHandler) unavailable(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "Camera topology is not configured",
	})
}

// HandleRegister upserts a camera node.
func (h *CameraHandler) HandleRegister(c *fiber.Ctx) error {
	if h.graph == nil {
		return h.unavailable(c)
	}

	var req struct {
		CameraID string  `json:"camera_id"`
		Zone     string  `json:"zone"`
		Lat      float64 `json:"lat"`
		Lon      float64 `json:"lon"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.CameraID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "camera_id is required",
		})
	}

	err := h.graph.RegisterCamera(c.Context(), &topology.Camera{
		CameraID: req.CameraID,
		Zone:     req.Zone,
		Lat:      req.Lat,
		Lon:      req.Lon,
	})
	if err != nil {
		logger.Error("Failed to register camera", zap.String("camera_id", req.CameraID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to register camera",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"camera_id": req.CameraID,
	})
}

// HandleSetAdjacency records a walkable link between two cameras.
func (h *CameraHandler) HandleSetAdjacency(c *fiber.Ctx) error {
	if h.graph == nil {
		return h.unavailable(c)
	}

	var req struct {
		CameraA     string `json:"camera_a"`
		CameraB     string `json:"camera_b"`
		WalkSeconds int    `json:"walk_seconds"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.CameraA == "" || req.CameraB == "" || req.CameraA == req.CameraB {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "camera_a and camera_b must be two distinct cameras",
		})
	}

	err := h.graph.SetAdjacent(c.Context(), req.CameraA, req.CameraB, req.WalkSeconds)
	if err != nil {
		logger.Error("Failed to set adjacency", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to set adjacency",
		})
	}

	return c.JSON(fiber.Map{
		"camera_a": req.CameraA,
		"camera_b": req.CameraB,
	})
}

// HandleList returns every registered camera.
func (h *CameraHandler) HandleList(c *fiber.Ctx) error {
	if h.graph == nil {
		return h.unavailable(c)
	}

	cameras, err := h.graph.Cameras(c.Context())
	if err != nil {
		logger.Error("Failed to list cameras", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list cameras",
		})
	}

	items := make([]fiber.Map, 0, len(cameras))
	for _, cam := range cameras {
		items = append(items, fiber.Map{
			"camera_id": cam.CameraID,
			"zone":      cam.Zone,
			"lat":       cam.Lat,
			"lon":       cam.Lon,
		})
	}
	return c.JSON(fiber.Map{
		"cameras": items,
		"count":   len(items),
	})
}
