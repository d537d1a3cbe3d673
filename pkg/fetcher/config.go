package fetcher

import (
	"strings"
	"time"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxRedirects = 5
	DefaultUserAgent    = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
	DefaultForwardedFor = "66.249.66.1"
)

// Config controls how outbound requests are made.
type Config struct {
	// Timeout bounds dialing, the TLS handshake and waiting for response
	// headers. Body transfer is not bounded so large files can stream.
	Timeout        time.Duration
	UserAgent      string
	ForwardedFor   string
	MaxRedirects   int
	AllowedDomains []string
	// AllowRulesetDomains adds every ruleset domain to AllowedDomains.
	// With no other allowed domains, only ruleset domains can be fetched.
	AllowRulesetDomains bool
	LogURLs             bool
}

func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.ForwardedFor == "" {
		c.ForwardedFor = DefaultForwardedFor
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	c.AllowedDomains = splitDomains(c.AllowedDomains)
	return c
}

func splitDomains(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if item := strings.ToLower(strings.TrimSpace(part)); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
