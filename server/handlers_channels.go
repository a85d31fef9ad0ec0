package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/kickchat/backend/kick"
	"github.com/onnwee/kickchat/backend/telemetry"
)

const maxBodyBytes = 4 << 10

type addChannelRequest struct {
	Name string `json:"name"`
}

// HandleChannelsList returns every configured channel with its session state.
func (h *Handlers) HandleChannelsList(w http.ResponseWriter, r *http.Request) {
	list, err := h.ctl.List(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": list, "count": len(list)})
}

// HandleChannelAdd registers a channel and starts its session.
func (h *Handlers) HandleChannelAdd(w http.ResponseWriter, r *http.Request) {
	var req addChannelRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	cfg, err := h.ctl.Add(r.Context(), req.Name)
	if err != nil {
		fail(w, r, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("channel added via api", slog.String("component", "http"), slog.String("channel", cfg.Name))
	writeJSON(w, http.StatusCreated, cfg)
}

// HandleChannelRemove stops the session and drops the configuration.
// Stored records are kept.
func (h *Handlers) HandleChannelRemove(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.ctl.Remove(r.Context(), name); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleChannelPause parks a channel's session.
func (h *Handlers) HandleChannelPause(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.ctl.Pause(r.Context(), name); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": canonicalName(name), "paused": true})
}

// HandleChannelResume reconnects a paused channel.
func (h *Handlers) HandleChannelResume(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.ctl.Resume(r.Context(), name); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": canonicalName(name), "paused": false})
}

// canonicalName returns the stored form of a path name the controller has
// already accepted.
func canonicalName(name string) string {
	if n, err := kick.NormalizeChannelName(name); err == nil {
		return n
	}
	return name
}

// HandleChannelsResumeAll resumes every paused channel.
func (h *Handlers) HandleChannelsResumeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.ctl.ResumeAll(r.Context())
	if err != nil {
		// partial success still reports the count
		telemetry.LoggerWithCorr(r.Context()).Warn("resume all incomplete", slog.String("component", "http"), slog.Int("resumed", n), slog.Any("err", err))
		writeJSON(w, statusFor(err), map[string]any{"resumed": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": n})
}

// HandleChannelStats returns aggregate record counts for a channel.
func (h *Handlers) HandleChannelStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ctl.Stats(r.Context(), r.PathValue("name"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
