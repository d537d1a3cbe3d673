package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/andesco/relink/pkg/fetcher"
	"github.com/andesco/relink/pkg/proxyerr"
	"github.com/andesco/relink/pkg/rewriter"
	"github.com/andesco/relink/pkg/static"
)

type Options struct {
	Fetcher       *fetcher.Fetcher
	Rewriter      *rewriter.Rewriter
	Loader        *static.Loader
	Stopper       *Stopper
	Logger        zerolog.Logger
	ExposeRuleset bool
	Version       string
}

// New builds the fiber app with every route registered.
func New(opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "relink",
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(RequestLogger(opts.Logger))

	app.Get("/", Home(opts.Loader))
	app.Get("/ruleset", Ruleset(opts.Fetcher.Rules(), opts.ExposeRuleset))
	app.Get("/raw/*", Raw(opts.Fetcher))
	app.Get("/api/*", API(opts.Fetcher, opts.Rewriter, opts.Version))
	app.Get("/*", Dispatch(opts.Fetcher, opts.Rewriter, opts.Stopper))

	return app
}

// ErrorHandler turns any handler error into a short plain-text response.
// Pipeline errors keep their own status; everything else is a 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(statusFor(err)).SendString(err.Error())
}

func statusFor(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return proxyerr.StatusCode(err)
}

// RequestLogger gives each request a sub-logger tagged with a request id,
// reachable through zerolog.Ctx(c.UserContext()).
func RequestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := xid.New().String()
		reqLog := log.With().
			Str("request_id", id).
			Str("method", c.Method()).
			Str("path", c.OriginalURL()).
			Logger()
		c.SetUserContext(reqLog.WithContext(c.UserContext()))
		c.Set("X-Request-Id", id)

		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = statusFor(err)
		}
		reqLog.Debug().
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
		return err
	}
}
