package main

import (
	"net"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/andesco/relink/handlers"
)

// serve runs app on ln until the stopper fires or a signal arrives, then
// gives open connections grace to finish before dropping them. It returns
// once the listener is closed and shutdown has completed.
func serve(app *fiber.App, ln net.Listener, stopper *handlers.Stopper, signals <-chan os.Signal, grace time.Duration, log zerolog.Logger) error {
	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		select {
		case <-stopper.Done():
			log.Info().Msg("Stopping on request")
		case sig := <-signals:
			log.Info().Stringer("signal", sig).Msg("Stopping on signal")
		}
		if err := app.ShutdownWithTimeout(grace); err != nil {
			log.Warn().Err(err).Msg("Connections still open at shutdown, dropping them")
		}
	}()

	if err := app.Listener(ln); err != nil {
		return err
	}
	<-shutdown
	return nil
}
