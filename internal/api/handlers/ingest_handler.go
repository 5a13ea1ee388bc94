package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/ingest"
	"github.com/tourist-safety/backend/internal/metrics"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/logger"
)

type IngestHandler struct {
	processor *ingest.Processor
}

func NewIngestHandler(processor *ingest.Processor) *IngestHandler {
	return &IngestHandler{processor: processor}
}

type detectionRequest struct {
	CameraID     string    `json:"camera_id"`
	LocalTrackID int       `json:"local_track_id"`
	FrameID      int64     `json:"frame_id"`
	Timestamp    time.Time `json:"timestamp"`
	BBox         [4]int    `json:"bbox"`
	Confidence   float64   `json:"confidence"`
	Velocity     *struct {
		VX float64 `json:"vx"`
		VY float64 `json:"vy"`
	} `json:"velocity,omitempty"`
	Embedding      []float32    `json:"embedding,omitempty"`
	PoseKeypoints  [][3]float64 `json:"pose_keypoints,omitempty"`
	QualityScore   float64      `json:"quality_score"`
	OcclusionScore float64      `json:"occlusion_score"`
}

// HandleDetection ingests one detection event from a camera's edge tracker.
func (h *IngestHandler) HandleDetection(c *fiber.Ctx) error {
	var req detectionRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse detection body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	det := &models.Detection{
		CameraID:     req.CameraID,
		LocalTrackID: req.LocalTrackID,
		FrameID:      req.FrameID,
		Timestamp:    req.Timestamp,
		BBox: models.BoundingBox{
			X1: req.BBox[0], Y1: req.BBox[1],
			X2: req.BBox[2], Y2: req.BBox[3],
		},
		Confidence:     req.Confidence,
		Embedding:      req.Embedding,
		QualityScore:   req.QualityScore,
		OcclusionScore: req.OcclusionScore,
	}
	if req.Velocity != nil {
		det.Velocity = &models.Velocity{VX: req.Velocity.VX, VY: req.Velocity.VY}
	}
	for _, kp := range req.PoseKeypoints {
		det.PoseKeypoints = append(det.PoseKeypoints, models.PoseKeypoint{
			X: kp[0], Y: kp[1], Confidence: kp[2],
		})
	}

	started := time.Now()
	outcome, err := h.processor.Process(c.Context(), det)
	if err != nil {
		metrics.DetectionsProcessed.WithLabelValues(req.CameraID, "rejected").Inc()
		if models.IsValidation(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Error("Failed to process detection",
			zap.String("camera_id", req.CameraID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process detection",
		})
	}

	metrics.DetectionsProcessed.WithLabelValues(req.CameraID, "accepted").Inc()
	metrics.IngestDuration.WithLabelValues(req.CameraID).Observe(time.Since(started).Seconds())
	metrics.MatchDecisions.WithLabelValues(string(outcome.Decision)).Inc()
	if outcome.Score > 0 {
		metrics.MatchScore.Observe(outcome.Score)
	}
	if outcome.Handoff {
		metrics.Handoffs.Inc()
	}

	resp := fiber.Map{
		"session_id":  outcome.Session.SessionID,
		"new_session": outcome.NewSession,
		"decision":    string(outcome.Decision),
		"did":         outcome.Session.DID,
		"handoff":     outcome.Handoff,
	}
	if outcome.Handoff {
		resp["handoff_from"] = outcome.HandoffFrom
	}
	return c.JSON(resp)
}
