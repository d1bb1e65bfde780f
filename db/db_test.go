package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/dat-relay/crypto"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	db, err := Connect(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestConnectEmptyDSN(t *testing.T) {
	if _, err := Connect(""); err == nil {
		t.Fatal("Connect(\"\") succeeded")
	}
}

func TestBindings(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM channel_bindings WHERE channel LIKE 'test_bind_%'`)
	})

	if err := UpsertBinding(ctx, db, Binding{Channel: "test_bind_a", URI: "http://h/test/read.cgi/b/1/", IntervalSeconds: 60}); err != nil {
		t.Fatalf("UpsertBinding() error: %v", err)
	}
	if err := UpsertBinding(ctx, db, Binding{Channel: "test_bind_a", URI: "http://h/test/read.cgi/b/2/", IntervalSeconds: 30}); err != nil {
		t.Fatalf("UpsertBinding() replace error: %v", err)
	}
	if err := UpsertBinding(ctx, db, Binding{Channel: "test_bind_b", URI: "http://h/test/read.cgi/b/3/", IntervalSeconds: 90}); err != nil {
		t.Fatalf("UpsertBinding() error: %v", err)
	}

	all, err := ListBindings(ctx, db)
	if err != nil {
		t.Fatalf("ListBindings() error: %v", err)
	}
	got := map[string]Binding{}
	for _, b := range all {
		got[b.Channel] = b
	}
	if b := got["test_bind_a"]; b.URI != "http://h/test/read.cgi/b/2/" || b.IntervalSeconds != 30 {
		t.Errorf("binding a = %+v", b)
	}

	if err := DeleteBinding(ctx, db, "test_bind_a"); err != nil {
		t.Fatalf("DeleteBinding() error: %v", err)
	}
	if err := DeleteBinding(ctx, db, "test_bind_a"); err != nil {
		t.Fatalf("second DeleteBinding() error: %v", err)
	}
	all, _ = ListBindings(ctx, db)
	for _, b := range all {
		if b.Channel == "test_bind_a" {
			t.Error("binding a still listed")
		}
	}
}

func TestPostsArchive(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	uri := "http://h/test/read.cgi/b/1700000000/"
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM thread_posts WHERE thread_uri=$1`, uri)
		_, _ = db.ExecContext(context.Background(), `DELETE FROM channel_bindings WHERE channel='test_posts'`)
	})
	if err := UpsertBinding(ctx, db, Binding{Channel: "test_posts", URI: uri, IntervalSeconds: 90}); err != nil {
		t.Fatalf("UpsertBinding() error: %v", err)
	}

	posts := []Post{
		{ThreadURI: uri, N: 1, Name: "名無し", Body: "first"},
		{ThreadURI: uri, N: 2, Body: "second", PostID: "abc"},
		{ThreadURI: uri, N: 3, Body: "art", Art: true},
	}
	n, err := InsertPosts(ctx, db, posts)
	if err != nil || n != 3 {
		t.Fatalf("InsertPosts() = %d, %v", n, err)
	}
	n, err = InsertPosts(ctx, db, posts[1:])
	if err != nil || n != 0 {
		t.Fatalf("duplicate InsertPosts() = %d, %v", n, err)
	}

	got, err := ListChannelPosts(ctx, db, "test_posts", 2)
	if err != nil {
		t.Fatalf("ListChannelPosts() error: %v", err)
	}
	if len(got) != 2 || got[0].N != 2 || got[1].N != 3 || !got[1].Art || got[0].PostID != "abc" {
		t.Errorf("ListChannelPosts() = %+v", got)
	}
}

func TestOAuthToken(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM oauth_tokens WHERE provider='test_provider'`)
	})

	access, _, _, _, err := GetOAuthToken(ctx, db, nil, "test_provider")
	if err != nil || access != "" {
		t.Fatalf("missing token = %q, %v", access, err)
	}
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := UpsertOAuthToken(ctx, db, nil, "test_provider", "a1", "r1", exp, "chat:read chat:edit"); err != nil {
		t.Fatalf("UpsertOAuthToken() error: %v", err)
	}
	access, refresh, expiry, scope, err := GetOAuthToken(ctx, db, nil, "test_provider")
	if err != nil {
		t.Fatalf("GetOAuthToken() error: %v", err)
	}
	if access != "a1" || refresh != "r1" || !expiry.Equal(exp) || scope != "chat:read chat:edit" {
		t.Errorf("GetOAuthToken() = %q %q %v %q", access, refresh, expiry, scope)
	}
}

func testEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error: %v", err)
	}
	return enc
}

func TestSealOpenTokens(t *testing.T) {
	enc := testEncryptor(t)
	a, r, version, keyID, err := sealTokens(enc, "access", "refresh")
	if err != nil {
		t.Fatalf("sealTokens() error: %v", err)
	}
	if version != TokenAESGCM || keyID != enc.KeyID() || a == "access" || r == "refresh" {
		t.Errorf("sealTokens() = %q %q %d %q", a, r, version, keyID)
	}
	if ga, gr, err := openTokens(enc, version, a, r); err != nil || ga != "access" || gr != "refresh" {
		t.Errorf("openTokens() = %q %q %v", ga, gr, err)
	}
	if _, _, err := openTokens(nil, version, a, r); err == nil {
		t.Error("openTokens without a key succeeded on sealed tokens")
	}
	if _, _, err := openTokens(enc, 9, a, r); err == nil {
		t.Error("unknown version accepted")
	}

	a, r, version, _, err = sealTokens(nil, "access", "refresh")
	if err != nil || a != "access" || r != "refresh" || version != TokenPlaintext {
		t.Errorf("plaintext sealTokens() = %q %q %d %v", a, r, version, err)
	}
	// Rows written before a key was configured stay readable.
	if ga, gr, err := openTokens(enc, TokenPlaintext, "access", "refresh"); err != nil || ga != "access" || gr != "refresh" {
		t.Errorf("openTokens(plaintext) = %q %q %v", ga, gr, err)
	}
}

func TestOAuthTokenEncrypted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM oauth_tokens WHERE provider='test_provider_enc'`)
	})
	enc := testEncryptor(t)
	if err := UpsertOAuthToken(ctx, db, enc, "test_provider_enc", "a1", "r1", time.Now().Add(time.Hour), "chat:read"); err != nil {
		t.Fatalf("UpsertOAuthToken() error: %v", err)
	}
	var stored string
	var version int
	if err := db.QueryRowContext(ctx, `SELECT access_token, encryption_version FROM oauth_tokens WHERE provider='test_provider_enc'`).Scan(&stored, &version); err != nil {
		t.Fatalf("select: %v", err)
	}
	if stored == "a1" || version != TokenAESGCM {
		t.Errorf("stored access = %q version %d", stored, version)
	}
	access, refresh, _, _, err := GetOAuthToken(ctx, db, enc, "test_provider_enc")
	if err != nil || access != "a1" || refresh != "r1" {
		t.Errorf("GetOAuthToken() = %q %q %v", access, refresh, err)
	}
	if _, _, _, _, err := GetOAuthToken(ctx, db, nil, "test_provider_enc"); err == nil {
		t.Error("GetOAuthToken without a key succeeded")
	}
}
