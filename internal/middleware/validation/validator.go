package validation

import (
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	didPattern      = regexp.MustCompile(`^did:tourist:[0-9a-f]{8}$`)
	cameraIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)
	xssPattern      = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)
)

type Config struct {
	MaxBodySize         int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed requests before they reach a handler: bad
// content types, oversized bodies, malformed path ids, and markup in
// free-text fields.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 1 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == "POST" || c.Method() == "PUT" || c.Method() == "PATCH" {
			contentType := c.Get("Content-Type")
			if contentType != "" {
				allowed := false
				for _, allowedType := range cfg.AllowedContentTypes {
					if strings.Contains(contentType, allowedType) {
						allowed = true
						break
					}
				}
				if !allowed {
					return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
						"error": "Unsupported content type",
					})
				}
			}
			if len(c.Body()) > cfg.MaxBodySize {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Request body exceeds maximum size",
				})
			}
		}

		if strings.Contains(c.Path(), "/incidents") && c.Method() == "POST" {
			var req map[string]interface{}
			if err := c.BodyParser(&req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}
			if desc, ok := req["description"].(string); ok && containsXSS(desc) {
				cfg.Logger.Warn("Potential XSS attempt",
					zap.String("ip", c.IP()),
					zap.String("path", c.Path()),
				)
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid description content",
				})
			}
		}

		return c.Next()
	}
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

// RequireDID validates the named path parameter as a canonical identity id.
// Mounted per route: the global middleware never sees path parameters.
func RequireDID(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !ValidDID(c.Params(param)) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid did format",
			})
		}
		return c.Next()
	}
}

// RequireCameraID validates the named path parameter as a camera id.
func RequireCameraID(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !ValidCameraID(c.Params(param)) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid camera id format",
			})
		}
		return c.Next()
	}
}

// ValidDID reports whether s matches the canonical identity id format.
func ValidDID(s string) bool {
	return didPattern.MatchString(s)
}

// ValidCameraID reports whether s is an acceptable camera id.
func ValidCameraID(s string) bool {
	return cameraIDPattern.MatchString(s)
}
