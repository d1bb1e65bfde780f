// Package store adapts the db package to the relay: it persists channel
// bindings so sessions survive a restart, and archives every new post.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/onnwee/dat-relay/dat"
	"github.com/onnwee/dat-relay/db"
	"github.com/onnwee/dat-relay/relay"
)

// Bindings implements relay.BindingStore on the channel_bindings table.
type Bindings struct{ DB *sql.DB }

var _ relay.BindingStore = Bindings{}

func (b Bindings) SaveBinding(ctx context.Context, binding relay.Binding) error {
	return db.UpsertBinding(ctx, b.DB, db.Binding{
		Channel:         binding.Channel,
		URI:             binding.URI,
		IntervalSeconds: int(binding.Interval / time.Second),
	})
}

func (b Bindings) DeleteBinding(ctx context.Context, channel string) error {
	return db.DeleteBinding(ctx, b.DB, channel)
}

func (b Bindings) ListBindings(ctx context.Context) ([]relay.Binding, error) {
	rows, err := db.ListBindings(ctx, b.DB)
	if err != nil {
		return nil, err
	}
	out := make([]relay.Binding, 0, len(rows))
	for _, r := range rows {
		out = append(out, relay.Binding{
			Channel:  r.Channel,
			URI:      r.URI,
			Interval: time.Duration(r.IntervalSeconds) * time.Second,
		})
	}
	return out, nil
}

// Archive is a relay.Sink that stores every new post in thread_posts. It
// records through relay.Recorder, so posts trimmed from the chat window are
// archived too; Deliver, notices and candidates are ignored.
type Archive struct {
	DB *sql.DB
	// ThreadOf maps a channel to its current thread uri.
	ThreadOf func(channel string) (string, bool)
}

var (
	_ relay.Sink     = (*Archive)(nil)
	_ relay.Recorder = (*Archive)(nil)
)

func (a *Archive) Record(ctx context.Context, channel string, recs []dat.Record) {
	uri, ok := a.ThreadOf(channel)
	if !ok || len(recs) == 0 {
		return
	}
	n, err := db.InsertPosts(ctx, a.DB, Posts(uri, recs))
	if err != nil {
		slog.Warn("archive posts failed", slog.String("channel", channel), slog.String("thread", uri), slog.Any("err", err), slog.String("component", "store"))
		return
	}
	slog.Debug("archived posts", slog.String("channel", channel), slog.Int64("inserted", n), slog.String("component", "store"))
}

func (a *Archive) Deliver(context.Context, string, []dat.Record) {}

func (a *Archive) Notice(context.Context, string, string) {}

func (a *Archive) Candidates(context.Context, string, string, []dat.Candidate) {}

// Posts converts records of the thread at uri into archive rows.
func Posts(uri string, recs []dat.Record) []db.Post {
	out := make([]db.Post, 0, len(recs))
	for _, r := range recs {
		out = append(out, db.Post{
			ThreadURI: uri,
			N:         r.N,
			Name:      r.Name,
			Mail:      r.Mail,
			PostID:    r.ID,
			Body:      r.Body,
			Art:       r.Art,
		})
	}
	return out
}
