// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/kickchat/backend/chat"
	"github.com/onnwee/kickchat/backend/kick"
	"github.com/onnwee/kickchat/backend/kickapi"
	"github.com/onnwee/kickchat/backend/storage"
	"github.com/onnwee/kickchat/backend/telemetry"
)

// Controller is the channel control surface served over HTTP.
// *chat.Registry satisfies it.
type Controller interface {
	Add(ctx context.Context, channel string) (storage.ChannelConfig, error)
	Pause(ctx context.Context, channel string) error
	Resume(ctx context.Context, channel string) error
	ResumeAll(ctx context.Context) (int, error)
	Remove(ctx context.Context, channel string) error
	List(ctx context.Context) ([]chat.ChannelStatus, error)
	Stats(ctx context.Context, channel string) (storage.ChannelStats, error)
	Started() bool
}

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctl   Controller
	store Pinger
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctl Controller, store Pinger) *Handlers {
	return &Handlers{ctl: ctl, store: store}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps control errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, kick.ErrInvalidChannelName):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, kickapi.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrAlreadyExists), errors.Is(err, chat.ErrAlreadyPaused), errors.Is(err, chat.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, chat.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, kickapi.ErrUnexpectedStatus):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server-side failures are logged.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		telemetry.LoggerWithCorr(r.Context()).Error("request failed",
			slog.String("component", "http"),
			slog.String("path", r.URL.Path),
			slog.Any("err", err))
	}
	writeError(w, status, err.Error())
}
