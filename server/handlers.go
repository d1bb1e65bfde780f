package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/dat-relay/dat"
	"github.com/onnwee/dat-relay/relay"
)

// Relay is the part of relay.Registry the HTTP surface needs.
type Relay interface {
	Bind(ctx context.Context, channel, uri string, interval time.Duration) (uuid.UUID, relay.BindResult, error)
	Unbind(ctx context.Context, channel string) bool
	Sessions() []relay.SessionInfo
	Records(channel string, from int) ([]dat.Record, error)
	ThreadURI(channel string) (string, bool)
}

// Deps are the collaborators handed to NewMux. DB and ChatConnected may be nil.
type Deps struct {
	DB            *sql.DB
	Relay         Relay
	ChatConnected func() bool
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db    *sql.DB
	relay Relay
	chat  func() bool
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{db: deps.DB, relay: deps.Relay, chat: deps.ChatConnected}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
