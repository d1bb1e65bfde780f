package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/dat-relay/crypto"
	"github.com/onnwee/dat-relay/testutil"
)

type tokenRow struct {
	access, refresh, scope string
	expiry                 time.Time
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]tokenRow
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]tokenRow)} }

func (m *memStore) GetOAuthToken(_ context.Context, provider string) (string, string, time.Time, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[provider]
	return r.access, r.refresh, r.expiry, r.scope, nil
}

func (m *memStore) UpsertOAuthToken(_ context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[provider] = tokenRow{access, refresh, scope, expiry}
	return nil
}

func (m *memStore) get(provider string) tokenRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[provider]
}

func TestRefreshOnceOutsideWindow(t *testing.T) {
	store := newMemStore()
	store.rows["p"] = tokenRow{"a", "r", "s", time.Now().Add(time.Hour)}
	called := false
	fn := func(context.Context, string) (string, string, time.Time, string, error) {
		called = true
		return "", "", time.Time{}, "", nil
	}
	ok, err := RefreshOnce(context.Background(), store, "p", 30*time.Minute, fn, nil)
	if ok || err != nil || called {
		t.Errorf("RefreshOnce() = %v, %v, called=%v", ok, err, called)
	}
}

func TestRefreshOnceWithinWindow(t *testing.T) {
	store := newMemStore()
	store.rows["p"] = tokenRow{"old-access", "old-refresh", "scope1", time.Now().Add(5 * time.Minute)}
	newExpiry := time.Now().Add(2 * time.Hour)
	fn := func(_ context.Context, rt string) (string, string, time.Time, string, error) {
		if rt != "old-refresh" {
			t.Errorf("refresh called with %q", rt)
		}
		return "new-access", "", newExpiry, "", nil
	}
	var notified string
	ok, err := RefreshOnce(context.Background(), store, "p", 15*time.Minute, fn, func(at string) { notified = at })
	if !ok || err != nil {
		t.Fatalf("RefreshOnce() = %v, %v", ok, err)
	}
	got := store.get("p")
	if got.access != "new-access" || got.refresh != "old-refresh" || got.scope != "scope1" || !got.expiry.Equal(newExpiry) {
		t.Errorf("stored = %+v", got)
	}
	if notified != "new-access" {
		t.Errorf("notified = %q", notified)
	}
}

func TestRefreshOnceError(t *testing.T) {
	store := newMemStore()
	store.rows["p"] = tokenRow{"a", "r", "", time.Now()}
	fn := func(context.Context, string) (string, string, time.Time, string, error) {
		return "", "", time.Time{}, "", errors.New("invalid grant")
	}
	if ok, err := RefreshOnce(context.Background(), store, "p", time.Minute, fn, nil); ok || err == nil {
		t.Errorf("RefreshOnce() = %v, %v", ok, err)
	}
	if got := store.get("p"); got.access != "a" {
		t.Errorf("token changed on failure: %+v", got)
	}
}

func TestRefreshOnceNoRefreshToken(t *testing.T) {
	store := newMemStore()
	store.rows["p"] = tokenRow{access: "a", expiry: time.Now()}
	ok, err := RefreshOnce(context.Background(), store, "p", time.Minute, nil, nil)
	if ok || err != nil {
		t.Errorf("RefreshOnce() = %v, %v", ok, err)
	}
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	at, err := Seed(ctx, store, "p", "env-access", "")
	if err != nil || at != "env-access" {
		t.Fatalf("Seed() without refresh = %q, %v", at, err)
	}
	if got := store.get("p"); got.access != "" {
		t.Errorf("stored without refresh token: %+v", got)
	}

	at, err = Seed(ctx, store, "p", "env-access", "env-refresh")
	if err != nil || at != "env-access" {
		t.Fatalf("Seed() = %q, %v", at, err)
	}
	if got := store.get("p"); got.refresh != "env-refresh" || time.Until(got.expiry) > 0 {
		t.Errorf("seeded = %+v", got)
	}

	store.rows["p"] = tokenRow{"db-access", "db-refresh", "", time.Now().Add(time.Hour)}
	at, err = Seed(ctx, store, "p", "env-access", "env-refresh")
	if err != nil || at != "db-access" {
		t.Errorf("Seed() with stored token = %q, %v", at, err)
	}
}

func TestStartRefresherRefreshes(t *testing.T) {
	store := newMemStore()
	store.rows["p"] = tokenRow{"old", "r", "", time.Now().Add(time.Minute)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan string, 4)
	fn := func(context.Context, string) (string, string, time.Time, string, error) {
		return "new", "r2", time.Now().Add(time.Hour), "chat:read", nil
	}
	StartRefresher(ctx, store, "p", 20*time.Millisecond, 15*time.Minute, fn, func(at string) { notified <- at })

	select {
	case at := <-notified:
		if at != "new" {
			t.Errorf("notified %q", at)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("refresher never ran")
	}
}

func TestRefreshWithTokenEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt-1" || r.Form.Get("client_id") != "cid" {
			t.Errorf("form = %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"expires_in":    3600,
			"scope":         []string{"chat:read", "chat:edit"},
			"token_type":    "bearer",
		})
	}))
	defer srv.Close()

	fn := refreshWith(&oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	})
	at, rt, exp, scope, err := fn(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("refresh error: %v", err)
	}
	if at != "at-2" || rt != "rt-2" || scope != "chat:read chat:edit" {
		t.Errorf("refresh = %q %q %q", at, rt, scope)
	}
	if time.Until(exp) < 50*time.Minute {
		t.Errorf("expiry = %v", exp)
	}
}

func TestDBStoreRoundTrip(t *testing.T) {
	database := testutil.SetupTestDB(t)
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error: %v", err)
	}
	for name, store := range map[string]DBStore{
		"plaintext": {DB: database},
		"encrypted": {DB: database, Enc: enc},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t.Cleanup(func() {
				_, _ = database.ExecContext(context.Background(), `DELETE FROM oauth_tokens WHERE provider='test-provider'`)
			})
			at, err := Seed(ctx, store, "test-provider", "a", "r")
			if err != nil || at != "a" {
				t.Fatalf("Seed() = %q, %v", at, err)
			}
			fn := func(context.Context, string) (string, string, time.Time, string, error) {
				return "a2", "r2", time.Now().Add(time.Hour), "chat:read", nil
			}
			if ok, err := RefreshOnce(ctx, store, "test-provider", time.Minute, fn, nil); !ok || err != nil {
				t.Fatalf("RefreshOnce() = %v, %v", ok, err)
			}
			access, refresh, _, scope, err := store.GetOAuthToken(ctx, "test-provider")
			if err != nil || access != "a2" || refresh != "r2" || scope != "chat:read" {
				t.Errorf("stored = %q %q %q %v", access, refresh, scope, err)
			}
		})
	}
}
