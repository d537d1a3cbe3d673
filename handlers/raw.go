package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/andesco/relink/pkg/fetcher"
)

// Raw proxies /raw/<url> without rewriting, whatever the content type.
func Raw(f *fetcher.Fetcher) fiber.Handler {
	return func(c *fiber.Ctx) error {
		log := zerolog.Ctx(c.UserContext())

		u, err := extractURL(c)
		if err != nil {
			return err
		}

		start := time.Now()
		res, err := f.Fetch(c.UserContext(), u, requestHeaders(c))
		if err != nil {
			logFetchError(log, u, err)
			return err
		}
		return streamResult(c, res, log, start)
	}
}
