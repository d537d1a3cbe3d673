package handlers

import (
	"bufio"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

const (
	stopPrefix = "/stop"
	stopReply  = "Server stopping\n"
)

// Stopper is a once-only shutdown signal shared by the /stop handler and
// the process that owns the server.
type Stopper struct {
	once sync.Once
	done chan struct{}
}

func NewStopper() *Stopper {
	return &Stopper{done: make(chan struct{})}
}

// Stop fires the signal. Calls after the first are no-ops.
func (s *Stopper) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Stopper) Done() <-chan struct{} {
	return s.done
}

func isStopPath(path string) bool {
	return strings.HasPrefix(path, stopPrefix)
}

// Stop answers 200 and fires the stopper once the reply has been flushed.
// The owner shuts the server down without waiting for other in-flight
// requests to drain.
func Stop(s *Stopper) fiber.Handler {
	return func(c *fiber.Ctx) error {
		log := zerolog.Ctx(c.UserContext())
		log.Warn().Msg("Stop requested, shutting down")
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			// A client that hung up still stops the server.
			defer s.Stop()
			if _, err := w.WriteString(stopReply); err != nil {
				log.Debug().Err(err).Msg("Could not write stop reply")
				return
			}
			if err := w.Flush(); err != nil {
				log.Debug().Err(err).Msg("Could not flush stop reply")
			}
		})
		return nil
	}
}
