// Package proxy forwards inbound requests to backend services and
// relays their responses untouched. The gateway never rewrites an
// upstream status: a backend 4xx/5xx reaches the client as-is.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgegate/edgegate/internal/registry"
)

// Transport failures map onto exactly two gateway errors. Both turn
// into a 503, but they are logged with different causes.
var (
	ErrUnreachable = errors.New("upstream unreachable")
	ErrTimeout     = errors.New("upstream timeout")
)

// hopByHopHeaders are connection-scoped per RFC 7230 §6.1 and must
// not travel across the proxy in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder issues upstream requests on behalf of the pipeline.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewForwarder creates a forwarder whose upstream calls are bounded
// by timeout. The deadline is layered over the inbound request
// context, so a client disconnect cancels the upstream call early.
func NewForwarder(timeout time.Duration, logger zerolog.Logger) *Forwarder {
	transport := &http.Transport{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &Forwarder{
		client:  &http.Client{Transport: transport},
		timeout: timeout,
		logger:  logger,
	}
}

// Forward sends the inbound request to the resolved service and
// streams the response back. rest is the path remainder under the
// service's base URL. On success it returns the upstream status code;
// on failure the returned error wraps ErrUnreachable or ErrTimeout,
// or the inbound context's error when the client went away.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, entry registry.ServiceEntry, rest string) (int, error) {
	target := joinURL(entry.BaseURL, rest)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	upstream, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", ErrUnreachable, err)
	}
	upstream.ContentLength = r.ContentLength
	copyHeaders(upstream.Header, r.Header)
	// Host is the gateway's own; the upstream routes on its own host.
	upstream.Header.Del("Host")
	upstream.Header.Set("X-Forwarded-Host", r.Host)
	appendForwardedFor(upstream.Header, r.RemoteAddr)

	resp, err := f.client.Do(upstream)
	if err != nil {
		return 0, f.mapTransportError(err, r, entry)
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers and status are already committed, nothing more can
		// be done for this client beyond noting the broken stream.
		f.logger.Warn().Err(err).Str("service", entry.Name).Msg("response relay interrupted")
	}
	return resp.StatusCode, nil
}

func (f *Forwarder) mapTransportError(err error, r *http.Request, entry registry.ServiceEntry) error {
	if inbound := r.Context().Err(); errors.Is(inbound, context.Canceled) {
		// The client disconnected first; the upstream call was
		// aborted through the shared context.
		return inbound
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, entry.Name, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, entry.Name, err)
}

func isTimeout(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr) && uerr.Timeout()
}

func joinURL(base, rest string) string {
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return base + "/"
	}
	return base + "/" + rest
}

// copyHeaders copies all of src to dst minus hop-by-hop headers,
// including any named by a Connection header.
func copyHeaders(dst, src http.Header) {
	dropped := make(map[string]bool, len(hopByHopHeaders))
	for _, h := range hopByHopHeaders {
		dropped[h] = true
	}
	for _, name := range src.Values("Connection") {
		for _, h := range strings.Split(name, ",") {
			dropped[http.CanonicalHeaderKey(strings.TrimSpace(h))] = true
		}
	}
	for name, values := range src {
		if dropped[http.CanonicalHeaderKey(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func appendForwardedFor(h http.Header, remoteAddr string) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+host)
	} else {
		h.Set("X-Forwarded-For", host)
	}
}
