package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/metrics"
)

// requestLogger logs each request and counts it by route pattern.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()

			ev := logger.Debug()
			if status >= http.StatusInternalServerError {
				ev = logger.Warn()
			}
			ev.Str("method", r.Method).
				Str("route", route).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("API request")
		})
	}
}
