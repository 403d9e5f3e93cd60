package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/registry"
)

func entryFor(name, baseURL string) registry.ServiceEntry {
	return registry.ServiceEntry{Name: name, BaseURL: baseURL, HealthPath: "/health"}
}

func TestForwardEchoFidelity(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(r.Context())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Echo", "yes")
		w.Header().Set("Content-Type", "application/vnd.test")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("echo body"))
	}))
	defer backend.Close()

	f := NewForwarder(5*time.Second, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "http://gateway.local/api/data/reports/weekly?year=2026", strings.NewReader("payload"))
	req.Header.Set("X-Custom", "custom-value")
	req.Header.Set("Te", "trailers")
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()

	status, err := f.Forward(rec, req, entryFor("data", backend.URL), "reports/weekly")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, status)

	// Upstream saw the right request.
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/reports/weekly", got.URL.Path)
	assert.Equal(t, "year=2026", got.URL.RawQuery)
	assert.Equal(t, "payload", string(gotBody))
	assert.Equal(t, "custom-value", got.Header.Get("X-Custom"))

	// Host belongs to the upstream, not the gateway's client.
	backendURL, _ := url.Parse(backend.URL)
	assert.Equal(t, backendURL.Host, got.Host)
	assert.Equal(t, "gateway.local", got.Header.Get("X-Forwarded-Host"))
	assert.NotEmpty(t, got.Header.Get("X-Forwarded-For"))

	// Hop-by-hop headers stop at the proxy.
	assert.Empty(t, got.Header.Get("Te"))

	// The client got the upstream response verbatim.
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "echo body", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Echo"))
	assert.Equal(t, "application/vnd.test", rec.Header().Get("Content-Type"))
}

// A backend error status must reach the client untouched, never
// rewritten into a 200 or wrapped into a gateway error.
func TestForwardRelaysUpstreamErrorStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database exploded", http.StatusInternalServerError)
	}))
	defer backend.Close()

	f := NewForwarder(5*time.Second, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/api/data/x", nil)
	rec := httptest.NewRecorder()

	status, err := f.Forward(rec, req, entryFor("data", backend.URL), "x")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "database exploded")
}

func TestForwardUnreachable(t *testing.T) {
	f := NewForwarder(5*time.Second, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/api/data/x", nil)
	rec := httptest.NewRecorder()

	// Port 1 refuses connections.
	_, err := f.Forward(rec, req, entryFor("data", "http://127.0.0.1:1"), "x")
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestForwardTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()

	f := NewForwarder(50*time.Millisecond, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/api/data/slow", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	_, err := f.Forward(rec, req, entryFor("data", backend.URL), "slow")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second, "deadline is enforced promptly")
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base, rest, want string
	}{
		{"http://svc:1", "a/b", "http://svc:1/a/b"},
		{"http://svc:1", "/a/b", "http://svc:1/a/b"},
		{"http://svc:1", "", "http://svc:1/"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, joinURL(tt.base, tt.rest))
	}
}

func TestCopyHeadersDropsConnectionNamed(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "X-Session-Token")
	src.Set("X-Session-Token", "secret")
	src.Set("X-Keep", "kept")

	dst := http.Header{}
	copyHeaders(dst, src)

	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("X-Session-Token"))
	assert.Equal(t, "kept", dst.Get("X-Keep"))
}
