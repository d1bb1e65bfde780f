package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/dat-relay/dat"
)

// ErrNotBound is returned for requests on a channel with no session.
var ErrNotBound = errors.New("channel is not bound to a thread")

// BindResult describes what Bind changed.
type BindResult int

const (
	BindUnchanged BindResult = iota
	BindNewThread
	BindNewInterval
)

func (r BindResult) String() string {
	switch r {
	case BindNewThread:
		return "new_thread"
	case BindNewInterval:
		return "new_interval"
	default:
		return "unchanged"
	}
}

// Binding is the persisted form of a session.
type Binding struct {
	Channel  string
	URI      string
	Interval time.Duration
}

// BindingStore persists bindings so they survive restarts. Optional.
type BindingStore interface {
	SaveBinding(ctx context.Context, b Binding) error
	DeleteBinding(ctx context.Context, channel string) error
	ListBindings(ctx context.Context) ([]Binding, error)
}

// SessionInfo is a read-only snapshot of one channel's session.
type SessionInfo struct {
	Handle   uuid.UUID     `json:"handle"`
	Channel  string        `json:"channel"`
	URI      string        `json:"uri"`
	Subject  string        `json:"subject"`
	Posts    int           `json:"posts"`
	Interval time.Duration `json:"interval"`
	BoundAt  time.Time     `json:"bound_at"`
	Running  bool          `json:"running"`
}

type session struct {
	handle   uuid.UUID
	channel  string
	thread   *dat.Thread
	interval time.Duration
	boundAt  time.Time
	poller   *Poller
}

// Registry owns one session per channel. Every session has exactly one
// poller; rebinding cancels and waits for the old one before starting
// the replacement.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc
	source Source
	sink   Sink
	store  BindingStore

	// opMu serialises Bind/Unbind/Close so replacement is cancel-then-start.
	// mu only guards the map and is never held while waiting on a poller,
	// so sinks may call back into the registry.
	opMu     sync.Mutex
	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry returns a Registry whose pollers run under ctx. store may be nil.
func NewRegistry(ctx context.Context, src Source, sink Sink, store BindingStore) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:      ctx,
		cancel:   cancel,
		source:   src,
		sink:     sink,
		store:    store,
		sessions: make(map[string]*session),
	}
}

// Bind points channel at the thread at uri, replacing any existing binding.
func (r *Registry) Bind(ctx context.Context, channel, uri string, interval time.Duration) (uuid.UUID, BindResult, error) {
	handle, res, err := r.bind(channel, uri, interval)
	if err != nil || res == BindUnchanged || r.store == nil {
		return handle, res, err
	}
	b := Binding{Channel: channel, URI: uri, Interval: NormalizeInterval(interval)}
	if err := r.store.SaveBinding(ctx, b); err != nil {
		slog.Warn("failed to persist binding", slog.String("channel", channel), slog.Any("err", err), slog.String("component", "relay"))
	}
	return handle, res, nil
}

func (r *Registry) bind(channel, uri string, interval time.Duration) (uuid.UUID, BindResult, error) {
	th, err := dat.NewThread(uri)
	if err != nil {
		return uuid.Nil, BindUnchanged, err
	}
	interval = NormalizeInterval(interval)

	r.opMu.Lock()
	defer r.opMu.Unlock()
	if r.ctx.Err() != nil {
		return uuid.Nil, BindUnchanged, fmt.Errorf("registry closed")
	}

	r.mu.Lock()
	cur := r.sessions[channel]
	r.mu.Unlock()
	var res BindResult
	switch {
	case cur == nil || cur.thread.URI() != th.URI():
		res = BindNewThread
	case cur.interval != interval:
		res = BindNewInterval
		th = cur.thread
	default:
		return cur.handle, BindUnchanged, nil
	}
	if cur != nil {
		cur.poller.Cancel()
	}
	s := &session{
		handle:   uuid.New(),
		channel:  channel,
		thread:   th,
		interval: interval,
		boundAt:  time.Now(),
	}
	s.poller = NewPoller(channel, th, interval, r.source, r.sink)
	r.mu.Lock()
	r.sessions[channel] = s
	r.mu.Unlock()
	s.poller.Start(r.ctx)
	slog.Info("channel bound", slog.String("channel", channel), slog.String("thread", th.URI()), slog.Duration("interval", interval), slog.String("result", res.String()), slog.String("handle", s.handle.String()), slog.String("component", "relay"))
	return s.handle, res, nil
}

// Unbind stops the channel's poller. It reports whether a session existed.
func (r *Registry) Unbind(ctx context.Context, channel string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	s := r.sessions[channel]
	delete(r.sessions, channel)
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.poller.Cancel()
	if r.store != nil {
		if err := r.store.DeleteBinding(ctx, channel); err != nil {
			slog.Warn("failed to delete binding", slog.String("channel", channel), slog.Any("err", err), slog.String("component", "relay"))
		}
	}
	slog.Info("channel unbound", slog.String("channel", channel), slog.String("component", "relay"))
	return true
}

func (r *Registry) lookup(channel string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[channel]
	if s == nil {
		return nil, ErrNotBound
	}
	return s, nil
}

// Subject returns the title of the channel's current thread.
func (r *Registry) Subject(ctx context.Context, channel string) (string, error) {
	s, err := r.lookup(channel)
	if err != nil {
		return "", err
	}
	return r.source.Subject(ctx, s.thread)
}

// RequestNextThread ranks successor candidates for the channel's thread
// without touching its poller.
func (r *Registry) RequestNextThread(ctx context.Context, channel string) (string, []dat.Candidate, error) {
	s, err := r.lookup(channel)
	if err != nil {
		return "", nil, err
	}
	subject, err := r.source.Subject(ctx, s.thread)
	if err != nil {
		return "", nil, err
	}
	cands, err := r.source.GuessNext(ctx, s.thread)
	if err != nil {
		return subject, nil, err
	}
	return subject, cands, nil
}

// ThreadURI returns the uri of the thread channel is bound to.
func (r *Registry) ThreadURI(channel string) (string, bool) {
	s, err := r.lookup(channel)
	if err != nil {
		return "", false
	}
	return s.thread.URI(), true
}

// Records returns buffered records of the channel's thread numbered from
// from upward.
func (r *Registry) Records(channel string, from int) ([]dat.Record, error) {
	s, err := r.lookup(channel)
	if err != nil {
		return nil, err
	}
	return s.thread.Records(from), nil
}

// Sessions returns a snapshot of all sessions sorted by channel.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			Handle:   s.handle,
			Channel:  s.channel,
			URI:      s.thread.URI(),
			Subject:  s.thread.Subject(),
			Posts:    s.thread.Len(),
			Interval: s.interval,
			BoundAt:  s.boundAt,
			Running:  s.poller.Running(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Restore rebinds every persisted binding. Bad entries are logged and skipped.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	bindings, err := r.store.ListBindings(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bindings: %w", err)
	}
	n := 0
	for _, b := range bindings {
		if _, _, err := r.bind(b.Channel, b.URI, b.Interval); err != nil {
			slog.Warn("skipping stored binding", slog.String("channel", b.Channel), slog.String("uri", b.URI), slog.Any("err", err), slog.String("component", "relay"))
			continue
		}
		n++
	}
	return n, nil
}

// Close cancels every poller and waits for them to exit.
func (r *Registry) Close() {
	r.cancel()
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.poller.Cancel()
	}
}
