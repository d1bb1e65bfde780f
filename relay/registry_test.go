package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/dat-relay/dat"
)

type memStore struct {
	mu       sync.Mutex
	bindings map[string]Binding
	fail     error
}

func newMemStore() *memStore { return &memStore{bindings: make(map[string]Binding)} }

func (m *memStore) SaveBinding(_ context.Context, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.bindings[b.Channel] = b
	return nil
}

func (m *memStore) DeleteBinding(_ context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, channel)
	return nil
}

func (m *memStore) ListBindings(context.Context) ([]Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []Binding
	for _, b := range m.bindings {
		out = append(out, b)
	}
	return out, nil
}

func newTestRegistry(t *testing.T, store BindingStore) *Registry {
	t.Helper()
	r := NewRegistry(context.Background(), &dat.Fetcher{}, newRecordingSink(), store)
	t.Cleanup(r.Close)
	return r
}

func pollerOf(t *testing.T, r *Registry, channel string) *Poller {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[channel]
	if s == nil {
		t.Fatalf("no session for %s", channel)
	}
	return s.poller
}

func TestRegistryBind(t *testing.T) {
	board, _ := boardThread(t)
	store := newMemStore()
	r := newTestRegistry(t, store)
	ctx := context.Background()
	uri := board.ThreadURI(testKey)

	h1, res, err := r.Bind(ctx, "alice", uri, time.Hour)
	if err != nil || res != BindNewThread {
		t.Fatalf("first Bind() = %v, %v", res, err)
	}
	first := pollerOf(t, r, "alice")

	h2, res, err := r.Bind(ctx, "alice", uri, time.Hour)
	if err != nil || res != BindUnchanged || h2 != h1 {
		t.Fatalf("same Bind() = %v, %v, handle changed=%v", res, err, h2 != h1)
	}

	h3, res, err := r.Bind(ctx, "alice", uri, 2*time.Hour)
	if err != nil || res != BindNewInterval || h3 == h1 {
		t.Fatalf("interval Bind() = %v, %v", res, err)
	}
	if first.Running() {
		t.Error("old poller still running after rebind")
	}
	second := pollerOf(t, r, "alice")
	if second.Interval() != 2*time.Hour {
		t.Errorf("interval = %v", second.Interval())
	}

	_, res, err = r.Bind(ctx, "alice", board.ThreadURI("1700000999"), 2*time.Hour)
	if err != nil || res != BindNewThread {
		t.Fatalf("new thread Bind() = %v, %v", res, err)
	}
	if second.Running() {
		t.Error("old poller still running after thread change")
	}

	if got := store.bindings["alice"]; got.URI != board.ThreadURI("1700000999") || got.Interval != 2*time.Hour {
		t.Errorf("stored binding = %+v", got)
	}
}

func TestRegistryBindDefaultsInterval(t *testing.T) {
	board, _ := boardThread(t)
	r := newTestRegistry(t, nil)
	if _, _, err := r.Bind(context.Background(), "c", board.ThreadURI(testKey), 0); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if got := pollerOf(t, r, "c").Interval(); got != DefaultInterval {
		t.Errorf("interval = %v, want %v", got, DefaultInterval)
	}
}

func TestRegistryBindInvalidURI(t *testing.T) {
	r := newTestRegistry(t, nil)
	if _, _, err := r.Bind(context.Background(), "c", "http://example.net/not/a/thread", time.Hour); err == nil {
		t.Fatal("Bind() accepted invalid uri")
	}
	if len(r.Sessions()) != 0 {
		t.Error("session created for invalid uri")
	}
}

func TestRegistryUnbind(t *testing.T) {
	board, _ := boardThread(t)
	store := newMemStore()
	r := newTestRegistry(t, store)
	ctx := context.Background()
	if _, _, err := r.Bind(ctx, "c", board.ThreadURI(testKey), time.Hour); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	p := pollerOf(t, r, "c")
	if !r.Unbind(ctx, "c") {
		t.Fatal("Unbind() = false")
	}
	if p.Running() {
		t.Error("poller running after Unbind")
	}
	if r.Unbind(ctx, "c") {
		t.Error("second Unbind() = true")
	}
	if _, ok := store.bindings["c"]; ok {
		t.Error("binding not deleted from store")
	}
	if _, err := r.Subject(ctx, "c"); !errors.Is(err, ErrNotBound) {
		t.Errorf("Subject() error = %v, want ErrNotBound", err)
	}
}

func TestRegistryRequestNextThread(t *testing.T) {
	board, _ := boardThread(t)
	board.AppendLines(testKey, lines(1, 3, "実況 Part7")...)
	board.SetSubjects(
		testKey+".dat<>実況 Part7 (3)",
		"1700000100.dat<>実況 Part8 (1)",
	)
	r := newTestRegistry(t, nil)
	ctx := context.Background()

	if _, _, err := r.RequestNextThread(ctx, "c"); !errors.Is(err, ErrNotBound) {
		t.Fatalf("unbound error = %v", err)
	}
	if _, _, err := r.Bind(ctx, "c", board.ThreadURI(testKey), time.Hour); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	subject, cands, err := r.RequestNextThread(ctx, "c")
	if err != nil {
		t.Fatalf("RequestNextThread() error: %v", err)
	}
	if subject != "実況 Part7" {
		t.Errorf("subject = %q", subject)
	}
	if len(cands) != 2 || cands[0].Key != "1700000100" || !cands[0].Continuous {
		t.Errorf("candidates = %+v", cands)
	}
	if !pollerOf(t, r, "c").Running() {
		t.Error("poller stopped by foreground request")
	}
}

func TestRegistryRestore(t *testing.T) {
	board, _ := boardThread(t)
	store := newMemStore()
	store.bindings["a"] = Binding{Channel: "a", URI: board.ThreadURI(testKey), Interval: time.Hour}
	store.bindings["b"] = Binding{Channel: "b", URI: "garbage", Interval: time.Hour}
	r := newTestRegistry(t, store)

	n, err := r.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d, want 1", n)
	}
	sessions := r.Sessions()
	if len(sessions) != 1 || sessions[0].Channel != "a" || !sessions[0].Running {
		t.Errorf("Sessions() = %+v", sessions)
	}

	store.fail = errors.New("db down")
	if _, err := r.Restore(context.Background()); err == nil {
		t.Error("Restore() ignored store failure")
	}
}

func TestRegistryClose(t *testing.T) {
	board, _ := boardThread(t)
	r := NewRegistry(context.Background(), &dat.Fetcher{}, newRecordingSink(), nil)
	if _, _, err := r.Bind(context.Background(), "c", board.ThreadURI(testKey), time.Hour); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	p := pollerOf(t, r, "c")
	r.Close()
	if p.Running() {
		t.Error("poller running after Close")
	}
	if _, _, err := r.Bind(context.Background(), "c", board.ThreadURI(testKey), time.Hour); err == nil {
		t.Error("Bind() after Close succeeded")
	}
}
