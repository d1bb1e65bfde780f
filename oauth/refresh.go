// Package oauth keeps the chat bot's Twitch token fresh. Tokens are persisted
// in the oauth_tokens table; a jittered background check refreshes them when
// expiry falls within a configured window and hands the new access token to
// the chat gateway.
package oauth

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/dat-relay/crypto"
	"github.com/onnwee/dat-relay/db"
)

// ProviderTwitchBot is the oauth_tokens key for the chat bot identity.
const ProviderTwitchBot = "twitch_bot"

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// Store persists tokens by provider.
type Store interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
}

// DBStore implements Store on the oauth_tokens table. Tokens are sealed
// with Enc when it is set.
type DBStore struct {
	DB  *sql.DB
	Enc crypto.Encryptor
}

func (s DBStore) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	return db.GetOAuthToken(ctx, s.DB, s.Enc, provider)
}

func (s DBStore) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	return db.UpsertOAuthToken(ctx, s.DB, s.Enc, provider, access, refresh, expiry, scope)
}

// TwitchRefreshFunc refreshes Twitch user tokens with the app's client credentials.
func TwitchRefreshFunc(clientID, clientSecret string) RefreshFunc {
	return refreshWith(&oauth2.Config{ClientID: clientID, ClientSecret: clientSecret, Endpoint: twitch.Endpoint})
}

func refreshWith(conf *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("refresh token: %w", err)
		}
		return tok.AccessToken, tok.RefreshToken, tok.Expiry, scopeOf(tok), nil
	}
}

// scopeOf reads the granted scope, which Twitch returns as a JSON array.
func scopeOf(tok *oauth2.Token) string {
	switch v := tok.Extra("scope").(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				parts = append(parts, str)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// Seed stores the configured token when the table has none for provider yet,
// and returns the access token to start with (stored one wins).
func Seed(ctx context.Context, store Store, provider, access, refresh string) (string, error) {
	cur, curRefresh, _, _, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return access, err
	}
	if cur != "" && curRefresh != "" {
		return cur, nil
	}
	if refresh == "" {
		return access, nil
	}
	// Unknown expiry: mark expired so the first check refreshes.
	if err := store.UpsertOAuthToken(ctx, provider, access, refresh, time.Now().Add(-time.Minute), ""); err != nil {
		return access, err
	}
	return access, nil
}

// RefreshOnce refreshes provider's token if it expires within window. It
// reports whether a new token was stored.
func RefreshOnce(ctx context.Context, store Store, provider string, window time.Duration, fn RefreshFunc, onRefresh func(access string)) (bool, error) {
	_, rt, exp, scope, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return false, err
	}
	if rt == "" || time.Until(exp) > window {
		return false, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := fn(ctx2, rt)
	cancel()
	if err != nil {
		return false, err
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := store.UpsertOAuthToken(ctx, provider, newAT, newRT, newExp, strings.TrimSpace(newScope)); err != nil {
		return false, fmt.Errorf("persist token: %w", err)
	}
	if onRefresh != nil {
		onRefresh(newAT)
	}
	return true, nil
}

// StartRefresher launches a goroutine that periodically checks an oauth token row and refreshes it.
// provider: key in oauth_tokens table.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
// onRefresh: receives each new access token; may be nil.
func StartRefresher(ctx context.Context, store Store, provider string, interval, window time.Duration, fn RefreshFunc, onRefresh func(access string)) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			ok, err := RefreshOnce(ctx, store, provider, window, fn, onRefresh)
			switch {
			case err != nil && ctx.Err() == nil:
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err), slog.String("component", "oauth"))
			case ok:
				slog.Info("token refreshed", slog.String("provider", provider), slog.String("component", "oauth"))
			}

			// Per-iteration jitter (+/-20% of interval) for scheduling diversity.
			jitterRange := int64(interval/5) + 1
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}
