package middleware

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ResponseRecorder wraps http.ResponseWriter to capture the status code for
// post-request logging.
type ResponseRecorder struct {
	http.ResponseWriter
	StatusCode int
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (r *ResponseRecorder) WriteHeader(statusCode int) {
	r.StatusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

var staticExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".ico": true, ".webp": true, ".css": true, ".js": true, ".map": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true,
	".mp4": true, ".webm": true, ".ogg": true, ".mp3": true, ".wav": true,
}

// isStaticAsset reports whether path looks like a static asset, so its
// request can be logged at a quieter level.
func isStaticAsset(path string) bool {
	return staticExtensions[strings.ToLower(filepath.Ext(path))]
}

// NewLoggingMiddleware wraps next with request/response logging through
// logger. Static asset requests log at Debug; everything else logs at Info.
func NewLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := NewResponseRecorder(w)
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)

			level := slog.LevelInfo
			if isStaticAsset(r.URL.Path) {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// NewLogger builds the process-wide logger per LOG_FORMAT: "json" selects
// slog.JSONHandler, anything else (including empty/unset) selects
// slog.TextHandler.
func NewLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
