package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/andesco/relink/pkg/static"
)

// Home serves the local home page, or 404 when it is missing.
func Home(loader *static.Loader) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body, err := loader.Load(static.HomePage)
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, fiber.MIMETextHTML)
		return c.Send(body)
	}
}
