package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/tourist-safety/backend/internal/storage/models"
	"github.com/tourist-safety/backend/internal/vault"
	"github.com/tourist-safety/backend/pkg/logger"
)

type IdentityHandler struct {
	vault *vault.Vault
}

func NewIdentityHandler(v *vault.Vault) *IdentityHandler {
	return &IdentityHandler{vault: v}
}

type registerRequest struct {
	Name         string     `json:"name"`
	IDType       string     `json:"id_type"`
	IDNumber     string     `json:"id_number"`
	Phone        string     `json:"phone"`
	Email        string     `json:"email"`
	Itinerary    string     `json:"itinerary"`
	Nationality  string     `json:"nationality"`
	EntryPoint   string     `json:"entry_point"`
	ExpectedExit *time.Time `json:"expected_exit,omitempty"`
}

// HandleRegister enrols a tourist at an entry point.
func (h *IdentityHandler) HandleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse register body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	fields := &models.IdentityFields{
		Name:        req.Name,
		IDType:      req.IDType,
		IDNumber:    req.IDNumber,
		Phone:       req.Phone,
		Email:       req.Email,
		Itinerary:   req.Itinerary,
		Nationality: req.Nationality,
		EntryPoint:  req.EntryPoint,
	}

	ident, err := h.vault.Register(fields, req.ExpectedExit)
	if err != nil {
		if models.IsValidation(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		if models.IsDuplicateIdentity(err) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Identity already registered for this document",
			})
		}
		logger.Error("Failed to register identity", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to register identity",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"did":          ident.DID,
		"status":       string(ident.Status),
		"verification": string(ident.Verification),
		"entry_time":   ident.EntryTime,
	})
}

// HandleDecrypt returns an identity's plaintext fields under the caller's
// authorization scope.
func (h *IdentityHandler) HandleDecrypt(c *fiber.Ctx) error {
	did := c.Params("did")
	scope := vault.Scope(c.Get("X-Access-Scope"))
	if scope == "" {
		scope = vault.ScopeOperator
	}

	fields, err := h.vault.Decrypt(did, scope)
	if err != nil {
		if models.IsAuthorization(err) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Scope not authorized",
			})
		}
		if err == models.ErrNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Identity not found",
			})
		}
		logger.Error("Failed to decrypt identity", zap.String("did", did), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to decrypt identity",
		})
	}

	return c.JSON(fiber.Map{
		"did":         did,
		"name":        fields.Name,
		"id_type":     fields.IDType,
		"id_number":   fields.IDNumber,
		"phone":       fields.Phone,
		"email":       fields.Email,
		"itinerary":   fields.Itinerary,
		"nationality": fields.Nationality,
		"entry_point": fields.EntryPoint,
		"scope":       string(scope),
	})
}

// HandleVerify records the outcome of the document check.
func (h *IdentityHandler) HandleVerify(c *fiber.Ctx) error {
	did := c.Params("did")

	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	err := h.vault.Verify(did, models.VerificationStatus(req.Outcome))
	if err != nil {
		if models.IsValidation(err) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		if err == models.ErrNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Identity not found",
			})
		}
		logger.Error("Failed to verify identity", zap.String("did", did), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to verify identity",
		})
	}

	return c.JSON(fiber.Map{
		"did":          did,
		"verification": req.Outcome,
	})
}

// HandleStatus updates an identity's lifecycle status.
func (h *IdentityHandler) HandleStatus(c *fiber.Ctx) error {
	did := c.Params("did")

	var req struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	status := models.IdentityStatus(req.Status)
	switch status {
	case models.IdentityActive, models.IdentityExited, models.IdentityFlagged, models.IdentitySuspicious:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown identity status",
		})
	}

	if err := h.vault.SetStatus(did, status); err != nil {
		if err == models.ErrNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Identity not found",
			})
		}
		logger.Error("Failed to update identity status", zap.String("did", did), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update identity status",
		})
	}

	return c.JSON(fiber.Map{
		"did":    did,
		"status": req.Status,
	})
}

// HandleRotateKey starts a full key rotation. Long-running; responds when
// every identity has been re-encrypted.
func (h *IdentityHandler) HandleRotateKey(c *fiber.Ctx) error {
	rotated, err := h.vault.RotateKey()
	if err != nil {
		logger.Error("Key rotation failed", zap.Int("rotated", rotated), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "Key rotation failed",
			"rotated": rotated,
		})
	}

	return c.JSON(fiber.Map{
		"rotated": rotated,
	})
}
