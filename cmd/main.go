package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/andesco/relink/handlers"
	"github.com/andesco/relink/pkg/fetcher"
	"github.com/andesco/relink/pkg/rewriter"
	"github.com/andesco/relink/pkg/ruleset"
	"github.com/andesco/relink/pkg/static"
)

// Filled at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, parser, err := parseConfig(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	log := newLogger(os.Stdout, cfg.LogLevel, cfg.LogJSON)

	if cfg.Ruleset == "" {
		log.Warn().Msg("No ruleset specified. Set the RULESET environment variable or --ruleset to load one.")
	}
	rules, err := ruleset.Load(cfg.Ruleset)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load ruleset")
	}
	if rules.Count() > 0 {
		log.Info().Int("rules", rules.Count()).Int("domains", rules.DomainCount()).Msg("Loaded ruleset")
	}

	stopper := handlers.NewStopper()
	app := handlers.New(handlers.Options{
		Fetcher: fetcher.New(fetcher.Config{
			Timeout:             cfg.Timeout,
			UserAgent:           cfg.UserAgent,
			ForwardedFor:        cfg.ForwardedFor,
			AllowedDomains:      cfg.AllowedDomains,
			AllowRulesetDomains: cfg.AllowRuleset,
			LogURLs:             cfg.LogURLs,
		}, rules, log),
		Rewriter:      rewriter.New(rewriter.Options{PreserveScheme: cfg.PreserveScheme}, log),
		Loader:        static.NewLoader(cfg.Resources),
		Stopper:       stopper,
		Logger:        log,
		ExposeRuleset: cfg.ExposeRuleset,
		Version:       version,
	})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	addr := ":" + cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("Failed to listen")
	}
	log.Info().Str("version", version).Str("addr", addr).Str("resources", cfg.Resources).Msg("Starting relink")
	if err := serve(app, ln, stopper, signals, cfg.StopGrace, log); err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("Server failed")
	}
	log.Info().Msg("Stopped")
}
