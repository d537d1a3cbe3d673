package handlers

import (
	"bufio"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/andesco/relink/pkg/fetcher"
	"github.com/andesco/relink/pkg/proxyerr"
	"github.com/andesco/relink/pkg/rewriter"
	"github.com/andesco/relink/pkg/target"
)

// Dispatch routes every path other than the fixed ones: /stop* shuts the
// server down, anything else is proxied.
func Dispatch(f *fetcher.Fetcher, rw *rewriter.Rewriter, s *Stopper) fiber.Handler {
	stop := Stop(s)
	proxy := ProxySite(f, rw)
	return func(c *fiber.Ctx) error {
		if isStopPath(c.Path()) {
			return stop(c)
		}
		return proxy(c)
	}
}

// ProxySite fetches the target named by the path. HTML is rewritten so
// its links route back through the proxy; everything else is streamed
// through unmodified in fixed-size chunks.
func ProxySite(f *fetcher.Fetcher, rw *rewriter.Rewriter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		log := zerolog.Ctx(c.UserContext())

		u, err := extractURL(c)
		if err != nil {
			log.Warn().Err(err).Msg("Could not extract URL")
			return err
		}

		start := time.Now()
		res, err := f.Fetch(c.UserContext(), u, requestHeaders(c))
		if err != nil {
			logFetchError(log, u, err)
			return err
		}

		if res.Category() != fetcher.CategoryHTML {
			return streamResult(c, res, log, start)
		}

		body, err := res.Text()
		if err != nil {
			log.Error().Err(err).Str("url", u.String()).Msg("Failed to read page")
			return proxyerr.Wrap(proxyerr.KindTransport, err, "error reading page")
		}
		out := rw.Rewrite(body, res.URL, res.Rule)

		setResultHeaders(c, res)
		log.Info().
			Str("url", u.String()).
			Int("status", res.StatusCode).
			Stringer("category", fetcher.CategoryHTML).
			Int("bytes", len(out)).
			Dur("duration", time.Since(start)).
			Msg("Proxied")
		return c.Status(res.StatusCode).SendString(out)
	}
}

// extractURL decodes the target from the path. A relative path is
// rebuilt against the proxied page named in the referer, and the request's
// own query string is carried over to the target.
//
// eg: https://localhost:801/https://realsite.com/images/foobar.jpg -> https://realsite.com/images/foobar.jpg
// eg: https://localhost:801/images/foobar.jpg (referer .../https://realsite.com/) -> https://realsite.com/images/foobar.jpg
func extractURL(c *fiber.Ctx) (*url.URL, error) {
	reqURL := target.Resolve(c.Params("*"))
	query := string(c.Request().URI().QueryString())

	if full, ok := target.FromReferer(reqURL, query, c.Get(fiber.HeaderReferer)); ok {
		zerolog.Ctx(c.UserContext()).Debug().Str("path", reqURL).Str("url", full).Msg("Resolved relative URL from referer")
		reqURL = full
	} else if query != "" && !strings.Contains(reqURL, "?") {
		reqURL += "?" + query
	}

	return target.Validate(reqURL)
}

func requestHeaders(c *fiber.Ctx) http.Header {
	headers := make(http.Header)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers.Add(string(key), string(value))
	})
	return headers
}

func setResultHeaders(c *fiber.Ctx, res *fetcher.Result) {
	c.Set(fiber.HeaderContentType, res.ContentType)
	if csp := res.Header.Get(fiber.HeaderContentSecurityPolicy); csp != "" {
		c.Set(fiber.HeaderContentSecurityPolicy, csp)
	}
}

// streamResult writes res's body in chunks with chunked transfer encoding.
// The writer runs after the handler returns; a failed client write stops
// it, and stopping the chunk sequence closes the upstream body.
func streamResult(c *fiber.Ctx, res *fetcher.Result, log *zerolog.Logger, start time.Time) error {
	setResultHeaders(c, res)
	c.Status(res.StatusCode)

	category := res.Category()
	targetURL := res.URL.String()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		var written int64
		var streamErr error
		for chunk, err := range res.Chunks() {
			if err != nil {
				streamErr = err
				break
			}
			if _, err := w.Write(chunk); err != nil {
				streamErr = err
				break
			}
			if err := w.Flush(); err != nil {
				streamErr = err
				break
			}
			written += int64(len(chunk))
		}

		evt := log.Info()
		if streamErr != nil {
			evt = log.Warn().Err(streamErr)
		}
		evt.Str("url", targetURL).
			Int("status", res.StatusCode).
			Stringer("category", category).
			Int64("bytes", written).
			Dur("duration", time.Since(start)).
			Msg("Proxied")
	})
	return nil
}

func logFetchError(log *zerolog.Logger, u *url.URL, err error) {
	evt := log.Error()
	if proxyerr.Is(err, proxyerr.KindUpstream) || proxyerr.Is(err, proxyerr.KindForbidden) {
		evt = log.Warn()
	}
	evt.Err(err).Str("url", u.String()).Int("status", proxyerr.StatusCode(err)).Msg("Fetch failed")
}
