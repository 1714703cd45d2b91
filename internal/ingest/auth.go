package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub006/internal/log"
)

// AuthMode selects how incoming requests are authenticated.
type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeHMAC   AuthMode = "hmac"
)

// Auth header names.
const (
	HeaderAPIKey    = "x-api-key"
	HeaderSignature = "x-edge-signature"
	HeaderTenantID  = "x-tenant-id"
)

// signaturePrefix is the optional scheme tag on the signature header.
const signaturePrefix = "sha256="

// Error codes returned by the auth gate.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeAuthConfigError = "AUTH_CONFIG_ERROR"
)

// ParseAuthMode validates a configured auth mode string.
func ParseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(raw))) {
	case AuthModeNone, "":
		return AuthModeNone, nil
	case AuthModeAPIKey:
		return AuthModeAPIKey, nil
	case AuthModeHMAC:
		return AuthModeHMAC, nil
	default:
		return "", fmt.Errorf("unknown auth mode %q", raw)
	}
}

// AuthConfig holds the gate's mode and credential allow-lists.
type AuthConfig struct {
	Mode        AuthMode
	APIKeys     []string
	HMACSecrets []string
	Logger      log.Logger
}

func (cfg AuthConfig) logger() log.Logger {
	if cfg.Logger == nil {
		return log.NewNop()
	}

	return cfg.Logger
}

// WithAuth returns a middleware enforcing the configured auth mode.
//
// The gate fails closed: a non-none mode with zero configured credentials
// rejects every request with 500 rather than letting traffic through on a
// deployment mistake.
func WithAuth(cfg AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch cfg.Mode {
		case AuthModeNone:
			return c.Next()

		case AuthModeAPIKey:
			if len(cfg.APIKeys) == 0 {
				return authConfigError(c, cfg)
			}

			if !validAPIKey(c.Get(HeaderAPIKey), cfg.APIKeys) {
				return Unauthorized(c, CodeUnauthorized, "Unauthorized", "Invalid or missing API key.")
			}

			return c.Next()

		case AuthModeHMAC:
			if len(cfg.HMACSecrets) == 0 {
				return authConfigError(c, cfg)
			}

			if !validSignature(c.Get(HeaderSignature), c.Body(), cfg.HMACSecrets) {
				return Unauthorized(c, CodeUnauthorized, "Unauthorized", "Invalid or missing request signature.")
			}

			return c.Next()

		default:
			return authConfigError(c, cfg)
		}
	}
}

func authConfigError(c *fiber.Ctx, cfg AuthConfig) error {
	cfg.logger().Log(c.UserContext(), log.LevelError, "auth gate misconfigured, rejecting request",
		log.String("auth_mode", string(cfg.Mode)))

	return InternalServerError(c, CodeAuthConfigError, "Authentication Misconfigured",
		"Authentication is enabled but no credentials are configured.")
}

func validAPIKey(presented string, allowed []string) bool {
	if presented == "" {
		return false
	}

	presentedBytes := []byte(presented)
	match := false

	// Check every key so timing does not reveal which one matched.
	for _, key := range allowed {
		if subtle.ConstantTimeCompare(presentedBytes, []byte(key)) == 1 {
			match = true
		}
	}

	return match
}

func validSignature(presented string, body []byte, secrets []string) bool {
	presented = strings.TrimPrefix(strings.TrimSpace(presented), signaturePrefix)
	if presented == "" {
		return false
	}

	presentedMAC, err := hex.DecodeString(presented)
	if err != nil {
		return false
	}

	match := false

	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)

		if hmac.Equal(presentedMAC, mac.Sum(nil)) {
			match = true
		}
	}

	return match
}

// SignBody computes the signature the edge sends for a request body. Shared
// with the forwarder's HTTP client so both sides agree on the scheme.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
