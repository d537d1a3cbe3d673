// Package target turns an incoming proxy path into the destination URL.
package target

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/andesco/relink/pkg/proxyerr"
)

// Resolve percent-decodes everything after the leading "/" of rawPath.
// It never fails: an undecodable path is returned as is and left for the
// fetch step to reject.
//
// eg: /https%3A%2F%2Frealsite.com%2Fimages%2Ffoo.jpg -> https://realsite.com/images/foo.jpg
func Resolve(rawPath string) string {
	p := strings.TrimPrefix(rawPath, "/")
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return p
	}
	return escapeStrayPercent(decoded)
}

// escapeStrayPercent re-escapes a "%" that does not start a valid escape,
// so a decoded literal such as /100%.html still parses as a URL.
func escapeStrayPercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && !(i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// FromReferer rebuilds a relative request against the site named in the
// referer, when the referer is itself a proxied page.
//
// eg: path "images/foo.jpg", referer https://proxy:801/https://realsite.com/a
// -> https://realsite.com/images/foo.jpg
func FromReferer(path, rawQuery, referer string) (string, bool) {
	if referer == "" {
		return "", false
	}
	u, err := url.Parse(path)
	if err != nil || u.Scheme != "" {
		return "", false
	}

	refererURL, err := url.Parse(referer)
	if err != nil {
		return "", false
	}
	realURL, err := url.Parse(strings.TrimPrefix(refererURL.Path, "/"))
	if err != nil || !isWebScheme(realURL.Scheme) || realURL.Host == "" {
		return "", false
	}

	query := rawQuery
	if query == "" {
		query = u.RawQuery
	}
	full := &url.URL{
		Scheme:   realURL.Scheme,
		Host:     realURL.Host,
		Path:     "/" + strings.TrimPrefix(u.Path, "/"),
		RawQuery: query,
	}
	return full.String(), true
}

// Validate requires an absolute http or https URL with a host.
func Validate(target string) (*url.URL, error) {
	if target == "" {
		return nil, proxyerr.New(proxyerr.KindInvalidTarget, "missing target URL")
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindInvalidTarget, err, fmt.Sprintf("error parsing target URL '%s'", target))
	}
	if !isWebScheme(u.Scheme) {
		return nil, proxyerr.New(proxyerr.KindInvalidTarget, fmt.Sprintf("target URL '%s' is not an absolute http(s) URL", target))
	}
	if u.Host == "" {
		return nil, proxyerr.New(proxyerr.KindInvalidTarget, fmt.Sprintf("target URL '%s' has no host", target))
	}
	return u, nil
}

func isWebScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}
