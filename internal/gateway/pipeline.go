package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/edgegate/edgegate/internal/proxy"
	"github.com/edgegate/edgegate/internal/registry"
)

// statusClientClosedRequest mirrors nginx's non-standard 499 for
// requests whose client vanished before a response existed. It is
// only ever recorded in metrics, never sent.
const statusClientClosedRequest = 499

// handleProxy runs the request pipeline: rate limit, optional auth,
// registry lookup, forward. Whichever stage terminates the request,
// exactly one response is written and exactly one metric sample is
// recorded.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	service := vars["service"]
	rest := vars["rest"]

	route := "/api/{service}"
	if tmpl, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
		route = tmpl
	}

	sw := wrapResponseWriter(w)
	defer func() {
		status := sw.Status()
		if status == 0 {
			// Nothing was written: the handler panicked and the
			// recovery middleware is about to answer 500.
			status = http.StatusInternalServerError
		}
		s.metrics.ObserveRequest(r.Method, route, status, time.Since(start))
	}()

	client := clientKey(r)
	decision := s.limiter.Check(r.Context(), client, service)
	if decision.Err != nil {
		s.metrics.StoreFailures.Inc()
	}
	if !decision.Allowed {
		s.metrics.RateLimitedTotal.WithLabelValues(service).Inc()
		s.logger.Warn().
			Str("service", service).
			Str("client", client).
			Int64("count", decision.Count).
			Int("limit", decision.Limit).
			Msg("request rate limited")
		writeError(sw, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if s.protected[service] {
		claims, err := s.verifier.Verify(r.Header.Get("Authorization"))
		if err != nil {
			writeError(sw, http.StatusUnauthorized, err.Error())
			return
		}
		s.logger.Debug().
			Str("service", service).
			Str("subject", claims.Subject).
			Msg("request authenticated")
	}

	entry, err := s.registry.Resolve(service)
	if err != nil {
		if errors.Is(err, registry.ErrServiceNotFound) {
			writeError(sw, http.StatusNotFound, "unknown service: "+service)
			return
		}
		writeError(sw, http.StatusInternalServerError, "internal error")
		return
	}

	if _, err := s.forwarder.Forward(sw, r, entry, rest); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// Client disconnected; the upstream call was aborted and
			// there is nobody left to answer.
			s.logger.Debug().Str("service", service).Msg("client closed request")
			sw.MarkStatus(statusClientClosedRequest)
		case errors.Is(err, proxy.ErrTimeout):
			s.metrics.UpstreamFailures.WithLabelValues(service, "timeout").Inc()
			s.logger.Error().Err(err).Str("service", service).Str("reason", "timeout").Msg("upstream call failed")
			writeError(sw, http.StatusServiceUnavailable, "upstream timeout: "+service)
		default:
			s.metrics.UpstreamFailures.WithLabelValues(service, "unreachable").Inc()
			s.logger.Error().Err(err).Str("service", service).Str("reason", "unreachable").Msg("upstream call failed")
			writeError(sw, http.StatusServiceUnavailable, "upstream unavailable: "+service)
		}
	}
}

// handleHealth fans out a probe to every backend and reports the
// combined result. The gateway itself always answers 200; each entry
// carries its own status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reports := s.aggregator.Aggregate(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  reports,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "websocket proxying is not implemented")
}

// clientKey identifies the caller for rate limiting. The network
// peer address is used rather than any client-supplied header: the
// gateway is the trust boundary.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
