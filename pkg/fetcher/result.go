package fetcher

import (
	"fmt"
	"io"
	"iter"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/andesco/relink/pkg/ruleset"
)

// ChunkSize is the size of each segment yielded by Result.Chunks.
const ChunkSize = 8192

// DefaultContentType is assumed when the upstream sends none. Unknown
// content is therefore passed through, never rewritten.
const DefaultContentType = "application/octet-stream"

type Category int

const (
	CategoryBinary Category = iota
	CategoryImage
	CategoryHTML
)

func (c Category) String() string {
	switch c {
	case CategoryHTML:
		return "html"
	case CategoryImage:
		return "image"
	default:
		return "binary"
	}
}

// Classify maps a Content-Type header value to a body category.
func Classify(contentType string) Category {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	}
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return CategoryHTML
	case strings.HasPrefix(mediaType, "image/"):
		return CategoryImage
	default:
		return CategoryBinary
	}
}

// Result is a successful (200) upstream response. Its body must be
// consumed through exactly one of Text or Chunks, or released with Close.
type Result struct {
	// URL is the final URL after redirects; relative links resolve against it.
	URL           *url.URL
	StatusCode    int
	ContentType   string
	Header        http.Header
	RequestHeader http.Header
	Rule          ruleset.Rule

	body io.ReadCloser
}

func (r *Result) Category() Category {
	return Classify(r.ContentType)
}

// Text buffers the whole body as a string and closes it.
func (r *Result) Text() (string, error) {
	defer r.body.Close()
	b, err := io.ReadAll(r.body)
	if err != nil {
		return "", fmt.Errorf("error reading response body: %w", err)
	}
	return string(b), nil
}

// Chunks yields the body in ChunkSize segments and closes it when the
// sequence ends or the consumer stops early. A yielded slice is only valid
// until the next iteration.
func (r *Result) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer r.body.Close()
		buf := make([]byte, ChunkSize)
		for {
			n, err := io.ReadFull(r.body, buf)
			if n > 0 && !yield(buf[:n], nil) {
				return
			}
			switch err {
			case nil:
				continue
			case io.EOF, io.ErrUnexpectedEOF:
				return
			default:
				yield(nil, fmt.Errorf("error reading response body: %w", err))
				return
			}
		}
	}
}

func (r *Result) Close() error {
	return r.body.Close()
}
