package app

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer so
// WebSocket upgrades can hijack the connection through this middleware.
func (w *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type requestLogMeta struct {
	Method   string
	Path     string
	Status   int
	Bytes    int
	Duration time.Duration
	Remote   string
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

// WithRequestLogging logs one structured line per completed request.
func WithRequestLogging(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}

		next.ServeHTTP(lw, r)

		meta := requestLogMeta{
			Method:   r.Method,
			Path:     r.URL.Path,
			Status:   lw.status,
			Bytes:    lw.bytes,
			Duration: time.Since(start),
			Remote:   r.RemoteAddr,
		}
		if meta.Status == 0 {
			meta.Status = http.StatusOK
		}

		log.Info("http.request",
			"method", meta.Method,
			"path", meta.Path,
			"status", meta.Status,
			"class", statusClass(meta.Status),
			"bytes", meta.Bytes,
			"duration_ms", meta.Duration.Milliseconds(),
			"remote", meta.Remote,
		)
	})
}

// WithCORS applies a browser CORS policy to API routes. Origins not in the
// allow list get no CORS headers, so the browser blocks the response.
func WithCORS(cfg Config, next http.Handler) http.Handler {
	maxAge := strconv.Itoa(cfg.CORSMaxAgeSeconds)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(cfg.CORSAllowedOrigins, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if cfg.CORSAllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				h.Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if slices.Contains(allowed, "*") {
		return true
	}
	origin = strings.TrimSuffix(origin, "/")
	for _, a := range allowed {
		a = strings.TrimSuffix(a, "/")
		if strings.EqualFold(a, origin) {
			return true
		}
		// Allow-list entries without a port match any port on that host.
		if !hasPort(a) && strings.HasPrefix(strings.ToLower(origin), strings.ToLower(a)+":") {
			return true
		}
	}
	return false
}

func hasPort(origin string) bool {
	i := strings.LastIndex(origin, ":")
	if i < 0 {
		return false
	}
	// Scheme separator only, e.g. "http://localhost".
	return !strings.Contains(origin[i:], "/")
}
