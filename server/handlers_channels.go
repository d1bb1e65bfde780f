package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/dat-relay/db"
	"github.com/onnwee/dat-relay/relay"
	"github.com/onnwee/dat-relay/telemetry"
)

type sessionView struct {
	Channel         string    `json:"channel"`
	Handle          string    `json:"handle"`
	URI             string    `json:"uri"`
	Subject         string    `json:"subject"`
	Posts           int       `json:"posts"`
	IntervalSeconds int       `json:"interval_seconds"`
	BoundAt         time.Time `json:"bound_at"`
	Running         bool      `json:"running"`
}

func viewSessions(in []relay.SessionInfo) []sessionView {
	out := make([]sessionView, 0, len(in))
	for _, s := range in {
		out = append(out, sessionView{
			Channel:         s.Channel,
			Handle:          s.Handle.String(),
			URI:             s.URI,
			Subject:         s.Subject,
			Posts:           s.Posts,
			IntervalSeconds: int(s.Interval / time.Second),
			BoundAt:         s.BoundAt,
			Running:         s.Running,
		})
	}
	return out
}

// HandleStatus lists every channel session.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": viewSessions(h.relay.Sessions())})
}

// HandleChannelPosts returns the newest posts of a channel's thread, from
// the archive when a database is configured and from the live buffer
// otherwise.
func (h *Handlers) HandleChannelPosts(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	limit := parseIntQuery(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if _, ok := h.relay.ThreadURI(channel); !ok {
		http.Error(w, "channel not bound", http.StatusNotFound)
		return
	}

	if h.db != nil {
		posts, err := db.ListChannelPosts(r.Context(), h.db, channel, limit)
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Error("list posts failed", slog.String("channel", channel), slog.Any("err", err), slog.String("component", "http"))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if posts == nil {
			posts = []db.Post{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "posts": posts})
		return
	}

	recs, err := h.relay.Records(channel, 1)
	if errors.Is(err, relay.ErrNotBound) {
		http.Error(w, "channel not bound", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "posts": recs})
}
