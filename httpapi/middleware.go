package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"cdr.dev/slog/v3"
)

// Recover turns a panicking handler into a 500 response.
func Recover(log slog.Logger) func(h http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				log.Warn(r.Context(),
					"panic serving http request (recovered)",
					slog.F("panic", p),
					slog.F("stack", string(debug.Stack())),
				)
				var hijacked bool
				if sw, ok := w.(*StatusWriter); ok {
					hijacked = sw.Hijacked
				}
				// Only try to write errors on non-hijacked responses.
				if !hijacked {
					InternalServerError(w, nil)
				}
			}()
			h.ServeHTTP(w, r)
		})
	}
}

// Logger wraps the response in a StatusWriter and logs every request once
// it completes.
func Logger(log slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw, ok := rw.(*StatusWriter)
			if !ok {
				sw = &StatusWriter{ResponseWriter: rw}
			}

			next.ServeHTTP(sw, r)

			// Don't log successful health checks.
			if r.URL.Path == "/healthz" && sw.Status == http.StatusOK {
				return
			}
			httplog := log.With(
				slog.F("method", r.Method),
				slog.F("path", r.URL.Path),
				slog.F("remote_addr", r.RemoteAddr),
				slog.F("status_code", sw.Status),
				slog.F("took", time.Since(start)),
			)
			// 5xx is logged at warn; error would fail slogtest.
			if sw.Status >= http.StatusInternalServerError {
				httplog.Warn(r.Context(), "http request failed", slog.F("response_body", string(sw.ResponseBody())))
				return
			}
			httplog.Debug(r.Context(), "http request")
		})
	}
}
