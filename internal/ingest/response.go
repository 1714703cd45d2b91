package ingest

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// ErrorResponse is the wire shape for every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// OK sends an HTTP 200 OK response with a custom body.
func OK(c *fiber.Ctx, s any) error {
	return c.Status(http.StatusOK).JSON(s)
}

// BadRequest sends an HTTP 400 Bad Request response with a custom code, title and message.
func BadRequest(c *fiber.Ctx, code, title, message string) error {
	return c.Status(http.StatusBadRequest).JSON(ErrorResponse{
		Code:    code,
		Title:   title,
		Message: message,
	})
}

// Unauthorized sends an HTTP 401 Unauthorized response with a custom code, title and message.
func Unauthorized(c *fiber.Ctx, code, title, message string) error {
	return c.Status(http.StatusUnauthorized).JSON(ErrorResponse{
		Code:    code,
		Title:   title,
		Message: message,
	})
}

// InternalServerError sends an HTTP 500 Internal Server Error response.
func InternalServerError(c *fiber.Ctx, code, title, message string) error {
	return c.Status(http.StatusInternalServerError).JSON(ErrorResponse{
		Code:    code,
		Title:   title,
		Message: message,
	})
}
