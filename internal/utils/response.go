package utils

import "github.com/gofiber/fiber/v2"

// APIResponse is the envelope every JSON endpoint answers with.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// OK sends a 200 envelope. Meta is optional.
func OK(c *fiber.Ctx, data interface{}, message string, meta interface{}) error {
	return Respond(c, fiber.StatusOK, data, message, meta)
}

// Accepted sends a 202 envelope for work that continues in the background.
func Accepted(c *fiber.Ctx, data interface{}, message string) error {
	return Respond(c, fiber.StatusAccepted, data, message, nil)
}

// Respond sends a success envelope with an explicit status.
func Respond(c *fiber.Ctx, status int, data interface{}, message string, meta interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(APIResponse{
		Success: true,
		Message: message,
		Data:    data,
		Meta:    meta,
	})
}

// Fail sends an error envelope. Details are optional.
func Fail(c *fiber.Ctx, status int, message string, details interface{}) error {
	if message == "" {
		message = "error"
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
		Details: details,
	})
}
