// Package rewriter points the links and resource references of an HTML
// page back at the proxy.
package rewriter

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/andesco/relink/pkg/ruleset"
)

type Options struct {
	// PreserveScheme emits /http://host/path for plain-http links instead
	// of always using /https://.
	PreserveScheme bool
}

// Rewriter is stateless apart from its options and safe for concurrent use.
// Every call parses its own document.
type Rewriter struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options, log zerolog.Logger) *Rewriter {
	return &Rewriter{opts: opts, log: log.With().Str("component", "rewriter").Logger()}
}

var linkAttrs = []struct {
	selector string
	attr     string
}{
	{"a[href]", "href"},
	{"link[href]", "href"},
	{"img[src]", "src"},
	{"script[src]", "src"},
}

// Rewrite returns markup with every a/link href and img/script src
// replaced by its proxy path. The rule's regexRules run on the raw markup
// first and its injections run on the parsed document. Malformed markup
// never fails: the parser recovers, and if rendering fails the markup is
// returned as given.
func (rw *Rewriter) Rewrite(markup string, base *url.URL, rule ruleset.Rule) string {
	if base == nil {
		base = &url.URL{}
	}

	patch := rule.HasHTMLRules()
	for i := 0; patch && i < len(rule.RegexRules); i++ {
		out, err := rule.RegexRules[i].Apply(markup)
		if err != nil {
			rw.log.Warn().Err(err).Str("match", rule.RegexRules[i].Match).Msg("Skipping invalid regex rule")
			continue
		}
		markup = out
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		rw.log.Warn().Err(err).Str("base", base.String()).Msg("Could not parse HTML, passing through")
		return markup
	}

	rewritten := 0
	for _, la := range linkAttrs {
		doc.Find(la.selector).Each(func(_ int, s *goquery.Selection) {
			val, ok := s.Attr(la.attr)
			if !ok || strings.TrimSpace(val) == "" {
				return
			}
			if proxied, ok := rw.ProxyPath(base, val); ok {
				s.SetAttr(la.attr, proxied)
				rewritten++
			}
		})
	}

	if patch {
		applyInjections(doc, rule.Injections)
	}

	html, err := doc.Html()
	if err != nil {
		rw.log.Warn().Err(err).Str("base", base.String()).Msg("Could not render HTML, passing through")
		return markup
	}
	rw.log.Trace().Str("base", base.String()).Int("rewritten", rewritten).Msg("Rewrote page")
	return html
}

// ProxyPath resolves ref against base and returns it as a proxy-relative
// path: /https://{host}{path}, without query or fragment. ok is false for
// values that do not parse or do not resolve to an http(s) URL.
//
// eg: base https://example.com/bar/, ref /foo -> /https://example.com/foo
func (rw *Rewriter) ProxyPath(base *url.URL, ref string) (string, bool) {
	refURL, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(refURL)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if resolved.Host == "" {
		return "", false
	}

	scheme := "https"
	if rw.opts.PreserveScheme {
		scheme = resolved.Scheme
	}
	return "/" + scheme + "://" + resolved.Host + resolved.EscapedPath(), true
}

func applyInjections(doc *goquery.Document, injections []ruleset.Injection) {
	for _, injection := range injections {
		if injection.Position == "" {
			continue
		}
		sel := doc.Find(injection.Position)
		if injection.Replace != "" {
			sel.ReplaceWithHtml(injection.Replace)
			continue
		}
		if injection.Append != "" {
			sel.AppendHtml(injection.Append)
		}
		if injection.Prepend != "" {
			sel.PrependHtml(injection.Prepend)
		}
	}
}
