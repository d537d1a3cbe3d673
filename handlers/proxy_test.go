package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andesco/relink/pkg/fetcher"
	"github.com/andesco/relink/pkg/ruleset"
)

const testPage = `<html><head><link rel="stylesheet" href="/css/site.css"></head>
<body><a href="/foo?x=1#top">foo</a><img src="pics/cat.png"><div src="/keep">d</div></body></html>`

// newOrigin serves a small site: an HTML page, a PNG, a 404 and an echo
// endpoint reporting the path and query it saw.
func newOrigin(t *testing.T, png []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/bar/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(testPage))
	})
	mux.HandleFunc("/img/x.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte(`body { background: url("/bg.png"); }`))
	})
	mux.HandleFunc("/echo/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(r.URL.RequestURI() + "|" + r.Header.Get("User-Agent")))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	origin := httptest.NewServer(mux)
	t.Cleanup(origin.Close)
	return origin
}

func hostOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}

func TestProxyRewritesHTML(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)
	host := hostOf(t, origin.URL)

	resp, body := env.get(t, "/"+origin.URL+"/bar/")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	assert.Contains(t, body, `href="/https://`+host+`/foo"`)
	assert.Contains(t, body, `href="/https://`+host+`/css/site.css"`)
	assert.Contains(t, body, `src="/https://`+host+`/bar/pics/cat.png"`)
	assert.Contains(t, body, `<div src="/keep">d</div>`)
}

func TestProxyLiteralPercentInPath(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)

	resp, body := env.get(t, "/"+origin.URL+"/echo/100%25.html")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.True(t, strings.HasPrefix(body, "/echo/100%25.html|"), body)
}

func TestProxyEncodedTargetRoundTrip(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)

	target := origin.URL + "/echo/a/b.txt?q=go&page=2"
	resp, body := env.get(t, "/"+url.PathEscape(target))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.True(t, strings.HasPrefix(body, "/echo/a/b.txt?q=go&page=2|"), body)
}

func TestProxyCarriesQueryString(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)

	resp, body := env.get(t, "/"+origin.URL+"/echo/search?q=relink")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.True(t, strings.HasPrefix(body, "/echo/search?q=relink|"), body)
}

func TestProxyStreamsImageUnmodified(t *testing.T) {
	png := bytes.Repeat([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, 2500) // 20000 bytes
	origin := newOrigin(t, png)
	env := newTestEnv(t, nil, true)

	resp, body := env.get(t, "/"+origin.URL+"/img/x.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, []string{"chunked"}, resp.TransferEncoding)
	assert.Equal(t, png, []byte(body))
}

func TestProxyPassesNonHTMLTextThrough(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)

	resp, body := env.get(t, "/"+origin.URL+"/style.css")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/css", resp.Header.Get("Content-Type"))
	assert.Equal(t, `body { background: url("/bg.png"); }`, body)
}

func TestProxyForwardsUpstreamStatus(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)

	resp, body := env.get(t, "/"+origin.URL+"/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "returned 404")
}

func TestProxyTransportErrorIs500(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	dead := origin.URL
	origin.Close()
	env := newTestEnv(t, nil, true)

	resp, body := env.get(t, "/"+dead+"/")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body, "error fetching site")
}

func TestProxyInvalidTargetIs400(t *testing.T) {
	env := newTestEnv(t, nil, true)

	for _, path := range []string{"/not-a-url", "/ftp:%2F%2Fexample.com%2Ffile", "/https:%2F%2F"} {
		resp, _ := env.get(t, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestProxyResolvesRelativeFromReferer(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)

	req := httptest.NewRequest(http.MethodGet, "/echo/asset.js?v=3", nil)
	req.Header.Set("Referer", "http://localhost:801/"+origin.URL+"/bar/")
	resp, body := env.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.True(t, strings.HasPrefix(body, "/echo/asset.js?v=3|"), body)
}

func TestProxyAppliesRuleset(t *testing.T) {
	origin := newOrigin(t, nil)
	rules, err := ruleset.Parse([]byte("- domain: 127.0.0.1\n  headers:\n    user-agent: ruleset-agent\n"))
	require.NoError(t, err)
	env := newTestEnv(t, rules, true)

	resp, body := env.get(t, "/"+origin.URL+"/echo/ua")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "/echo/ua|ruleset-agent", body)
}

func TestProxyConcurrentRequests(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)
	host := hostOf(t, origin.URL)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/"+origin.URL+"/bar/", nil), testTimeoutMs)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer resp.Body.Close()
			var buf bytes.Buffer
			buf.ReadFrom(resp.Body)
			if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "/https://"+host+"/foo") {
				errs <- buf.String()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("concurrent request failed: %s", e)
	}
}

func TestRawSkipsRewriting(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)

	resp, body := env.get(t, "/raw/"+origin.URL+"/bar/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testPage, body)
}

func TestAPIDescribesExchange(t *testing.T) {
	origin := newOrigin(t, nil)
	env := newTestEnv(t, nil, true)
	host := hostOf(t, origin.URL)

	resp, body := env.get(t, "/api/"+origin.URL+"/bar/")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var out APIResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "test", out.Version)
	assert.Equal(t, origin.URL+"/bar/", out.URL)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, fetcher.CategoryHTML.String(), out.Category)
	assert.Contains(t, out.Body, `href="/https://`+host+`/foo"`)
	assert.Contains(t, out.Request.Headers, APIHeader{Key: "User-Agent", Value: fetcher.DefaultUserAgent})
	assert.Contains(t, out.Response.Headers, APIHeader{Key: "Content-Type", Value: "text/html; charset=utf-8"})
}

func TestAPIOmitsBinaryBody(t *testing.T) {
	origin := newOrigin(t, []byte{1, 2, 3})
	env := newTestEnv(t, nil, true)

	resp, body := env.get(t, "/api/"+origin.URL+"/img/x.png")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	var out APIResponse
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "image", out.Category)
	assert.Empty(t, out.Body)
}
