package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/andesco/relink/pkg/fetcher"
	"github.com/andesco/relink/pkg/rewriter"
)

type APIHeader struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type APIResponse struct {
	Version     string `json:"version"`
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Category    string `json:"category"`
	// Body is the rewritten page; it is left empty for non-HTML content.
	Body    string `json:"body,omitempty"`
	Request struct {
		Headers []APIHeader `json:"headers"`
	} `json:"request"`
	Response struct {
		Headers []APIHeader `json:"headers"`
	} `json:"response"`
}

// API fetches /api/<url> and describes the exchange as JSON.
func API(f *fetcher.Fetcher, rw *rewriter.Rewriter, version string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		log := zerolog.Ctx(c.UserContext())

		u, err := extractURL(c)
		if err != nil {
			return err
		}

		res, err := f.Fetch(c.UserContext(), u, requestHeaders(c))
		if err != nil {
			logFetchError(log, u, err)
			return err
		}
		defer res.Close()

		response := APIResponse{
			Version:     strings.TrimSpace(version),
			URL:         res.URL.String(),
			Status:      res.StatusCode,
			ContentType: res.ContentType,
			Category:    res.Category().String(),
		}
		response.Request.Headers = flattenHeaders(res.RequestHeader)
		response.Response.Headers = flattenHeaders(res.Header)

		if res.Category() == fetcher.CategoryHTML {
			body, err := res.Text()
			if err != nil {
				return err
			}
			response.Body = rw.Rewrite(body, res.URL, res.Rule)
		}

		return c.JSON(response)
	}
}

func flattenHeaders(h http.Header) []APIHeader {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]APIHeader, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, APIHeader{Key: k, Value: v})
		}
	}
	return out
}
