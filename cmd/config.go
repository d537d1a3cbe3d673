package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/akamensky/argparse"

	"github.com/andesco/relink/pkg/fetcher"
	"github.com/andesco/relink/pkg/static"
)

type config struct {
	Port           string
	Ruleset        string
	Resources      string
	Timeout        time.Duration
	UserAgent      string
	ForwardedFor   string
	AllowedDomains []string
	AllowRuleset   bool
	ExposeRuleset  bool
	PreserveScheme bool
	StopGrace      time.Duration
	LogURLs        bool
	LogLevel       string
	LogJSON        bool
}

// parseConfig reads flags from args, falling back to environment variables
// for anything not given on the command line.
func parseConfig(args []string) (*config, *argparse.Parser, error) {
	parser := argparse.NewParser("relink", "Forwarding proxy that rewrites page links to route back through itself")

	port := parser.String("p", "port", &argparse.Options{
		Default: getenv("PORT", "801"),
		Help:    "Port to listen on. Env: PORT",
	})
	rulesetPath := parser.String("r", "ruleset", &argparse.Options{
		Default: getenv("RULESET", ""),
		Help:    "';'-separated YAML ruleset files or directories. Env: RULESET",
	})
	resources := parser.String("b", "resources", &argparse.Options{
		Default: getenv("RESOURCE_ROOT", static.DefaultRoot()),
		Help:    "Directory holding home.html. Env: RESOURCE_ROOT",
	})
	timeout := parser.Int("t", "timeout", &argparse.Options{
		Default: getenvInt("HTTP_TIMEOUT", int(fetcher.DefaultTimeout/time.Second)),
		Help:    "Seconds to wait for an upstream to connect and answer. Env: HTTP_TIMEOUT",
	})
	userAgent := parser.String("u", "user-agent", &argparse.Options{
		Default: getenv("USER_AGENT", fetcher.DefaultUserAgent),
		Help:    "User-Agent sent upstream. Env: USER_AGENT",
	})
	forwardedFor := parser.String("x", "x-forwarded-for", &argparse.Options{
		Default: getenv("X_FORWARDED_FOR", fetcher.DefaultForwardedFor),
		Help:    "X-Forwarded-For sent upstream. Env: X_FORWARDED_FOR",
	})
	allowed := parser.String("a", "allowed-domains", &argparse.Options{
		Default: getenv("ALLOWED_DOMAINS", ""),
		Help:    "Comma-separated domains that may be proxied; empty allows all. Env: ALLOWED_DOMAINS",
	})
	hideRuleset := parser.Flag("", "hide-ruleset", &argparse.Options{
		Help: "Answer /ruleset with 403. Env: EXPOSE_RULESET=false",
	})
	allowRulesetDomains := parser.Flag("", "allowed-domains-ruleset", &argparse.Options{
		Help: "Add every ruleset domain to the allowed domains. Env: ALLOWED_DOMAINS_RULESET",
	})
	preserveScheme := parser.Flag("s", "preserve-scheme", &argparse.Options{
		Help: "Rewrite plain-http links as /http://... instead of /https://...",
	})
	stopGrace := parser.Int("", "stop-grace", &argparse.Options{
		Default: 500,
		Help:    "Milliseconds allowed for in-flight responses after /stop",
	})
	logURLs := parser.Flag("", "log-urls", &argparse.Options{
		Help: "Log every upstream URL fetched. Env: LOG_URLS",
	})
	logLevel := parser.Selector("l", "log-level", []string{"trace", "debug", "info", "warn", "error"}, &argparse.Options{
		Default: getenv("LOG_LEVEL", "info"),
		Help:    "Log level. Env: LOG_LEVEL",
	})
	logJSON := parser.Flag("j", "log-json", &argparse.Options{
		Help: "Always log JSON, even on a terminal",
	})

	if err := parser.Parse(args); err != nil {
		return nil, parser, err
	}
	if *timeout <= 0 {
		return nil, parser, fmt.Errorf("timeout must be positive, got %d", *timeout)
	}
	if *stopGrace <= 0 {
		return nil, parser, fmt.Errorf("stop-grace must be positive, got %d", *stopGrace)
	}

	// argparse ignores Default on flags, so an absent flag falls back to
	// the environment here.
	return &config{
		Port:           strings.TrimPrefix(*port, ":"),
		Ruleset:        *rulesetPath,
		Resources:      *resources,
		Timeout:        time.Duration(*timeout) * time.Second,
		UserAgent:      *userAgent,
		ForwardedFor:   *forwardedFor,
		AllowedDomains: []string{*allowed},
		AllowRuleset:   *allowRulesetDomains || getenvBool("ALLOWED_DOMAINS_RULESET", false),
		ExposeRuleset:  !*hideRuleset && getenvBool("EXPOSE_RULESET", true),
		PreserveScheme: *preserveScheme,
		StopGrace:      time.Duration(*stopGrace) * time.Millisecond,
		LogURLs:        *logURLs || getenvBool("LOG_URLS", false),
		LogLevel:       *logLevel,
		LogJSON:        *logJSON,
	}, parser, nil
}

// getenv treats an empty variable as unset.
func getenv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}
