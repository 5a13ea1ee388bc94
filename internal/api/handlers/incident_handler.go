package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/incident"
	"github.com/tourist-safety/backend/internal/metrics"
	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/pkg/logger"
)

type IncidentHandler struct {
	correlator *incident.Correlator
}

func NewIncidentHandler(correlator *incident.Correlator) *IncidentHandler {
	return &IncidentHandler{correlator: correlator}
}

type incidentRequest struct {
	Type         string    `json:"type"`
	Severity     string    `json:"severity"`
	Description  string    `json:"description"`
	DID          string    `json:"did"`
	SessionID    string    `json:"session_id"`
	CameraID     string    `json:"camera_id"`
	Location     string    `json:"location"`
	EvidenceRefs []string  `json:"evidence_refs"`
	Timestamp    time.Time `json:"timestamp"`
}

// HandleLog records a new incident.
func (h *IncidentHandler) HandleLog(c *fiber.Ctx) error {
	var req incidentRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse incident body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	inc, err := h.correlator.Log(&incident.Report{
		Type:         models.IncidentType(req.Type),
		Severity:     models.IncidentSeverity(req.Severity),
		Description:  req.Description,
		DID:          req.DID,
		SessionID:    req.SessionID,
		CameraID:     req.CameraID,
		Location:     req.Location,
		EvidenceRefs: req.EvidenceRefs,
		Timestamp:    req.Timestamp,
	})
	if err != nil {
		if models.IsValidation(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Error("Failed to log incident", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to log incident",
		})
	}

	metrics.IncidentsLogged.WithLabelValues(string(inc.Type), string(inc.Severity)).Inc()

	return c.Status(fiber.StatusCreated).JSON(incidentResponse(inc))
}

// HandleGet returns one incident.
func (h *IncidentHandler) HandleGet(c *fiber.Ctx) error {
	inc, err := h.correlator.Get(c.Params("id"))
	if err != nil {
		if err == models.ErrNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Incident not found",
			})
		}
		logger.Error("Failed to load incident", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load incident",
		})
	}

	resp := incidentResponse(inc)
	if desc, err := h.correlator.Description(inc); err == nil && desc != "" {
		resp["description"] = desc
	}
	return c.JSON(resp)
}

// HandleList returns incidents, optionally filtered by status.
func (h *IncidentHandler) HandleList(c *fiber.Ctx) error {
	status := models.IncidentStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown incident status",
		})
	}

	incidents, err := h.correlator.List(status, c.QueryInt("limit", 50))
	if err != nil {
		logger.Error("Failed to list incidents", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list incidents",
		})
	}

	items := make([]fiber.Map, 0, len(incidents))
	for i := range incidents {
		items = append(items, incidentResponse(&incidents[i]))
	}
	return c.JSON(fiber.Map{
		"incidents": items,
		"count":     len(items),
	})
}

// HandleAcknowledge moves an incident from pending to acknowledged.
func (h *IncidentHandler) HandleAcknowledge(c *fiber.Ctx) error {
	return h.transition(c, h.correlator.Acknowledge)
}

// HandleResolve closes an incident.
func (h *IncidentHandler) HandleResolve(c *fiber.Ctx) error {
	return h.transition(c, h.correlator.Resolve)
}

func (h *IncidentHandler) transition(c *fiber.Ctx, fn func(incidentID, assignee string) error) error {
	incidentID := c.Params("id")

	var req struct {
		Assignee string `json:"assignee"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := fn(incidentID, req.Assignee); err != nil {
		if err == models.ErrNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Incident not found",
			})
		}
		if models.IsInvalidTransition(err) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Error("Failed to update incident", zap.String("incident_id", incidentID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update incident",
		})
	}

	inc, err := h.correlator.Get(incidentID)
	if err != nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(incidentResponse(inc))
}

func incidentResponse(inc *models.Incident) fiber.Map {
	resp := fiber.Map{
		"incident_id":   inc.IncidentID,
		"did":           inc.DID,
		"type":          string(inc.Type),
		"severity":      string(inc.Severity),
		"camera_id":     inc.CameraID,
		"location":      inc.Location,
		"timestamp":     inc.Timestamp,
		"evidence_refs": inc.EvidenceRefs,
		"session_id":    inc.SessionID,
		"status":        string(inc.Status),
		"assignee":      inc.Assignee,
	}
	if inc.ResolvedAt != nil {
		resp["resolved_at"] = inc.ResolvedAt
	}
	if inc.AnchorTxRef != "" {
		resp["anchor_tx_ref"] = inc.AnchorTxRef
	}
	return resp
}
