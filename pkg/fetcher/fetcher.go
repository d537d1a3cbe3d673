// Package fetcher issues the outbound GET for a proxied target and exposes
// the response either fully buffered (HTML) or as a chunk sequence.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/andesco/relink/pkg/proxyerr"
	"github.com/andesco/relink/pkg/ruleset"
	"github.com/andesco/relink/pkg/target"
)

// Fetcher is safe for concurrent use.
type Fetcher struct {
	cfg    Config
	rules  ruleset.RuleSet
	client *http.Client
	log    zerolog.Logger
}

func New(cfg Config, rules ruleset.RuleSet, log zerolog.Logger) *Fetcher {
	cfg = cfg.WithDefaults()
	if cfg.AllowRulesetDomains {
		cfg.AllowedDomains = append(cfg.AllowedDomains, splitDomains(rules.Domains())...)
	}
	f := &Fetcher{
		cfg:   cfg,
		rules: rules,
		log:   log.With().Str("component", "fetcher").Logger(),
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = cfg.Timeout
	transport.ResponseHeaderTimeout = cfg.Timeout

	f.client = &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			if !f.allowed(req.URL.Hostname()) {
				return fmt.Errorf("redirect to %s: domain not allowed", req.URL.Host)
			}
			return nil
		},
	}
	return f
}

// Rules returns the ruleset the fetcher was built with.
func (f *Fetcher) Rules() ruleset.RuleSet {
	return f.rules
}

// Fetch GETs u. Only a 200 answer produces a Result; any other status is
// returned as a proxyerr.KindUpstream error carrying that status.
// incoming holds the client's request headers and may be nil.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL, incoming http.Header) (*Result, error) {
	if !f.allowed(u.Hostname()) {
		return nil, proxyerr.New(proxyerr.KindForbidden, fmt.Sprintf("domain not allowed: %s", u.Host))
	}

	rule := f.rules.Match(u.Hostname(), u.Path)
	finalURL, err := rule.ModifyURL(u)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInvalidTarget, err, "error modifying URL")
	}

	if f.cfg.LogURLs {
		f.log.Info().Str("url", u.String()).Str("fetch_url", finalURL.String()).Msg("Fetching")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL.String(), nil)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInvalidTarget, err, "error creating request")
	}
	f.setHeaders(req, u, rule, incoming)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindTransport, unwrapURLError(err), "error fetching site")
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		f.log.Debug().Str("url", finalURL.String()).Int("status", resp.StatusCode).Msg("Upstream returned non-200 status")
		return nil, proxyerr.Upstream(resp.StatusCode, finalURL.String())
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}
	if rule.Headers.CSP != "" {
		resp.Header.Set("Content-Security-Policy", rule.Headers.CSP)
	}

	resolved := finalURL
	if resp.Request != nil && resp.Request.URL != nil {
		resolved = resp.Request.URL
	}

	return &Result{
		URL:           resolved,
		StatusCode:    resp.StatusCode,
		ContentType:   contentType,
		Header:        resp.Header,
		RequestHeader: req.Header,
		Rule:          rule,
		body:          resp.Body,
	}, nil
}

func (f *Fetcher) setHeaders(req *http.Request, u *url.URL, rule ruleset.Rule, incoming http.Header) {
	if rule.Headers.UserAgent != "" {
		req.Header.Set("User-Agent", rule.Headers.UserAgent)
	} else {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	switch rule.Headers.XForwardedFor {
	case "none":
	case "":
		req.Header.Set("X-Forwarded-For", f.cfg.ForwardedFor)
	default:
		req.Header.Set("X-Forwarded-For", rule.Headers.XForwardedFor)
	}

	switch rule.Headers.Referer {
	case "none":
	case "":
		req.Header.Set("Referer", upstreamReferer(incoming.Get("Referer"), u))
	default:
		req.Header.Set("Referer", rule.Headers.Referer)
	}

	if rule.Headers.Cookie != "" {
		req.Header.Set("Cookie", rule.Headers.Cookie)
	}
	if accept := incoming.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	if lang := incoming.Get("Accept-Language"); lang != "" {
		req.Header.Set("Accept-Language", lang)
	}
}

// upstreamReferer translates a referer pointing at a proxied page back to
// the real page, so the proxy's own address never leaks upstream.
func upstreamReferer(incoming string, u *url.URL) string {
	if incoming != "" {
		if ref, err := url.Parse(incoming); err == nil {
			if real, err := target.Validate(target.Resolve(ref.Path)); err == nil {
				return real.String()
			}
		}
	}
	return u.String()
}

func (f *Fetcher) allowed(host string) bool {
	if len(f.cfg.AllowedDomains) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range f.cfg.AllowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Err != nil {
		return ue.Err
	}
	return err
}
