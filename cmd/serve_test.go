package main

import (
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andesco/relink/handlers"
	"github.com/andesco/relink/pkg/fetcher"
	"github.com/andesco/relink/pkg/rewriter"
	"github.com/andesco/relink/pkg/static"
)

func newServeApp(t *testing.T) (*fiber.App, *handlers.Stopper) {
	t.Helper()
	stopper := handlers.NewStopper()
	app := handlers.New(handlers.Options{
		Fetcher:  fetcher.New(fetcher.Config{Timeout: time.Second}, nil, zerolog.Nop()),
		Rewriter: rewriter.New(rewriter.Options{}, zerolog.Nop()),
		Loader:   static.NewLoader(t.TempDir()),
		Stopper:  stopper,
		Logger:   zerolog.Nop(),
	})
	return app, stopper
}

// startServe runs serve on a loopback port and returns its address and a
// channel that receives serve's result.
func startServe(t *testing.T, signals <-chan os.Signal) (string, *handlers.Stopper, <-chan error) {
	t.Helper()
	app, stopper := newServeApp(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- serve(app, ln, stopper, signals, 500*time.Millisecond, zerolog.Nop())
	}()
	return ln.Addr().String(), stopper, done
}

func waitServe(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeStopsOnStopRequest(t *testing.T) {
	addr, stopper, done := startServe(t, nil)

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := client.Get("http://" + addr + "/stop")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Server stopping\n", string(body))

	waitServe(t, done)

	select {
	case <-stopper.Done():
	default:
		t.Fatal("stopper not fired")
	}
	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener still accepting after stop")
}

func TestServeStopsOnSignal(t *testing.T) {
	signals := make(chan os.Signal, 1)
	addr, _, done := startServe(t, signals)

	// Any HTTP answer means the accept loop is running.
	client := &http.Client{
		Timeout:   time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 5*time.Second, 20*time.Millisecond)

	signals <- syscall.SIGTERM
	waitServe(t, done)

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}
