package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/dat-relay/telemetry"
)

type bindRequest struct {
	Channel         string `json:"channel"`
	URI             string `json:"uri"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// HandleAdminBindings lists (GET), creates or replaces (POST) and removes
// (DELETE ?channel=) channel bindings without going through chat.
func (h *Handlers) HandleAdminBindings(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context())
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"sessions": viewSessions(h.relay.Sessions())})

	case http.MethodPost:
		var req bindRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		req.Channel = strings.ToLower(strings.TrimSpace(req.Channel))
		if req.Channel == "" || req.URI == "" {
			http.Error(w, "channel and uri are required", http.StatusBadRequest)
			return
		}
		handle, res, err := h.relay.Bind(r.Context(), req.Channel, req.URI, time.Duration(req.IntervalSeconds)*time.Second)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Info("admin bind", slog.String("channel", req.Channel), slog.String("uri", req.URI), slog.String("result", res.String()), slog.String("component", "http"))
		writeJSON(w, http.StatusOK, map[string]any{"channel": req.Channel, "handle": handle.String(), "result": res.String()})

	case http.MethodDelete:
		channel := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("channel")))
		if channel == "" {
			http.Error(w, "channel is required", http.StatusBadRequest)
			return
		}
		if !h.relay.Unbind(r.Context(), channel) {
			http.Error(w, "channel not bound", http.StatusNotFound)
			return
		}
		log.Info("admin unbind", slog.String("channel", channel), slog.String("component", "http"))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
