package handlers

import (
	"github.com/gofiber/fiber/v2"
	"gopkg.in/yaml.v3"

	"github.com/andesco/relink/pkg/ruleset"
)

// Ruleset serves the loaded rules as YAML unless exposure is disabled.
func Ruleset(rules ruleset.RuleSet, expose bool) fiber.Handler {
	if rules == nil {
		rules = ruleset.RuleSet{}
	}
	return func(c *fiber.Ctx) error {
		if !expose {
			return fiber.NewError(fiber.StatusForbidden, "Ruleset Disabled")
		}

		body, err := yaml.Marshal(rules)
		if err != nil {
			return err
		}

		c.Set(fiber.HeaderContentType, "application/x-yaml")
		return c.Send(body)
	}
}
