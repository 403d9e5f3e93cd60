package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// requestIDMiddleware tags every request with an id that appears in
// the response and in every log line for the request.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		logger := s.logger.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

// recoverMiddleware turns a panic in any later stage into a 500 for
// this request alone; other in-flight requests are unaffected.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := wrapResponseWriter(w)
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("panic in request handler")
				if sw.Status() == 0 {
					writeError(sw, http.StatusInternalServerError, "internal server error")
				}
			}
		}()
		next.ServeHTTP(sw, r)
	})
}

// accessLogMiddleware writes one line per completed request.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapResponseWriter(w)
		next.ServeHTTP(sw, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.Status()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}
