// Package server exposes the HTTP API: health, readiness, metrics and the
// channel control routes used by kickctl. Control routes sit behind admin auth
// and a per-IP rate limiter; every request carries a correlation id.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/kickchat/backend/telemetry"
)

// Options configures the middleware around the control routes.
type Options struct {
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, ctl Controller, store Pinger, opts Options) http.Handler {
	limiter := newIPRateLimiter(ctx, opts.RateLimit)
	handlers := NewHandlers(ctl, store)

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	mux.HandleFunc("GET /readyz", handlers.HandleReadyz)

	control := http.NewServeMux()
	control.HandleFunc("GET /channels", handlers.HandleChannelsList)
	control.HandleFunc("POST /channels", handlers.HandleChannelAdd)
	control.HandleFunc("POST /channels/resume-all", handlers.HandleChannelsResumeAll)
	control.HandleFunc("DELETE /channels/{name}", handlers.HandleChannelRemove)
	control.HandleFunc("POST /channels/{name}/pause", handlers.HandleChannelPause)
	control.HandleFunc("POST /channels/{name}/resume", handlers.HandleChannelResume)
	control.HandleFunc("GET /channels/{name}/stats", handlers.HandleChannelStats)

	// auth first, then rate limiting
	protected := adminAuth(rateLimitMiddleware(control, limiter), opts.Auth)
	mux.Handle("/channels", protected)
	mux.Handle("/channels/", protected)

	// correlation id and tracing around everything
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		route := routeOf(r.URL.Path)
		ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHTTP, r.Method+" "+route, telemetry.HTTPAttrs(r.Method, route)...)

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.EndHTTPSpan(span, rec.statusCode)
	})
}

// routeOf collapses channel names so span names stay low-cardinality.
func routeOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "channels" && parts[1] != "resume-all" {
		parts[1] = "{name}"
	}
	return "/" + strings.Join(parts, "/")
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start serves handler on addr and shuts down gracefully on context
// cancellation, giving in-flight requests up to shutdownTimeout.
func Start(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, handler, shutdownTimeout)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()), slog.String("component", "http"))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
