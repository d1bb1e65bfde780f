// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/dat-relay/crypto"
)

// Connect opens a Postgres connection for dsn.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate checks connectivity and applies all pending schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return RunMigrations(db)
}

// Binding is a stored channel to thread assignment.
type Binding struct {
	Channel         string
	URI             string
	IntervalSeconds int
	UpdatedAt       time.Time
}

// UpsertBinding stores or replaces the binding for b.Channel.
func UpsertBinding(ctx context.Context, dbx *sql.DB, b Binding) error {
	_, err := dbx.ExecContext(ctx, `INSERT INTO channel_bindings(channel, uri, interval_seconds, updated_at)
		VALUES($1,$2,$3,NOW())
		ON CONFLICT(channel) DO UPDATE SET
		  uri=EXCLUDED.uri,
		  interval_seconds=EXCLUDED.interval_seconds,
		  updated_at=NOW()`, b.Channel, b.URI, b.IntervalSeconds)
	return err
}

// DeleteBinding removes channel's binding; missing rows are not an error.
func DeleteBinding(ctx context.Context, dbx *sql.DB, channel string) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM channel_bindings WHERE channel=$1`, channel)
	return err
}

// ListBindings returns every stored binding ordered by channel.
func ListBindings(ctx context.Context, dbx *sql.DB) ([]Binding, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT channel, uri, interval_seconds, updated_at FROM channel_bindings ORDER BY channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.Channel, &b.URI, &b.IntervalSeconds, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Post is an archived thread post.
type Post struct {
	ThreadURI string    `json:"thread_uri"`
	N         int       `json:"n"`
	Name      string    `json:"name"`
	Mail      string    `json:"mail"`
	PostID    string    `json:"post_id"`
	Body      string    `json:"body"`
	Art       bool      `json:"art"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertPosts archives posts in one transaction, skipping ones already stored.
// It returns how many rows were inserted.
func InsertPosts(ctx context.Context, dbx *sql.DB, posts []Post) (int64, error) {
	if len(posts) == 0 {
		return 0, nil
	}
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO thread_posts(thread_uri, n, name, mail, post_id, body, art, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(thread_uri, n) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	var inserted int64
	for _, p := range posts {
		res, err := stmt.ExecContext(ctx, p.ThreadURI, p.N, p.Name, p.Mail, p.PostID, p.Body, p.Art)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("insert post %d: %w", p.N, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// ListChannelPosts returns up to limit of the newest archived posts of the
// thread channel is bound to, in ascending post order.
func ListChannelPosts(ctx context.Context, dbx *sql.DB, channel string, limit int) ([]Post, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := dbx.QueryContext(ctx, `SELECT p.thread_uri, p.n, COALESCE(p.name,''), COALESCE(p.mail,''), COALESCE(p.post_id,''), COALESCE(p.body,''), p.art, p.created_at
		FROM thread_posts p
		JOIN channel_bindings b ON b.uri = p.thread_uri
		WHERE b.channel = $1
		ORDER BY p.n DESC
		LIMIT $2`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(&p.ThreadURI, &p.N, &p.Name, &p.Mail, &p.PostID, &p.Body, &p.Art, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Token encryption versions stored in oauth_tokens.encryption_version.
const (
	TokenPlaintext = 0
	TokenAESGCM    = 1
)

// sealTokens encrypts access and refresh with enc. A nil enc stores plaintext.
func sealTokens(enc crypto.Encryptor, access, refresh string) (string, string, int, string, error) {
	if enc == nil {
		return access, refresh, TokenPlaintext, "", nil
	}
	sa, err := crypto.EncryptString(enc, access)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("encrypt access token: %w", err)
	}
	sr, err := crypto.EncryptString(enc, refresh)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return sa, sr, TokenAESGCM, enc.KeyID(), nil
}

// openTokens reverses sealTokens for a row written with version.
func openTokens(enc crypto.Encryptor, version int, access, refresh string) (string, string, error) {
	if version == TokenPlaintext {
		return access, refresh, nil
	}
	if version != TokenAESGCM {
		return "", "", fmt.Errorf("unknown token encryption version %d", version)
	}
	if enc == nil {
		return "", "", errors.New("token is encrypted but DB_ENCRYPTION_KEY is not configured")
	}
	a, err := crypto.DecryptString(enc, access)
	if err != nil {
		return "", "", fmt.Errorf("decrypt access token: %w", err)
	}
	r, err := crypto.DecryptString(enc, refresh)
	if err != nil {
		return "", "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	return a, r, nil
}

// UpsertOAuthToken stores or updates an OAuth token for a provider, sealing
// both tokens when enc is set.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, provider, access, refresh string, expiry time.Time, scope string) error {
	access, refresh, version, keyID, err := sealTokens(enc, access, refresh)
	if err != nil {
		return err
	}
	_, err = dbx.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NULLIF($7,''),NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`, provider, access, refresh, expiry, scope, version, keyID)
	return err
}

// GetOAuthToken retrieves a stored token row; returns zero values if not found.
// Plaintext rows written before encryption was enabled are still readable.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var exp sql.NullTime
	var acc, ref, sc sql.NullString
	var version int
	row := dbx.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at, scope, encryption_version FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&acc, &ref, &exp, &sc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	access, refresh, err = openTokens(enc, version, acc.String, ref.String)
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	return access, refresh, exp.Time, sc.String, nil
}
