// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// For required credentials (e.g., Twitch chat), use ValidateChatReady.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Twitch
	TwitchChannels     []string
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchRefreshToken string
	TwitchClientID     string
	TwitchClientSecret string

	// Chat
	CommandPrefix string

	// Forum access
	DatUserAgent    string
	DatHTTPTimeout  time.Duration
	DatPollInterval time.Duration

	// Database
	DBDsn string
	// DBEncryptionKey is a base64 32-byte key sealing stored OAuth tokens.
	DBEncryptionKey string

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It doesn't fail if Twitch creds are missing;
// use ValidateChatReady() when you require the chat gateway.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchChannels = splitList(os.Getenv("TWITCH_CHANNELS"))
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchRefreshToken = os.Getenv("TWITCH_REFRESH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	cfg.CommandPrefix = os.Getenv("CHAT_COMMAND_PREFIX")
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!dat"
	}

	cfg.DatUserAgent = os.Getenv("DAT_USER_AGENT")
	if cfg.DatUserAgent == "" {
		cfg.DatUserAgent = "Monazilla/1.00 (dat-relay/1.0)"
	}

	var err error
	if cfg.DatHTTPTimeout, err = durationEnv("DAT_HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DatPollInterval, err = durationEnv("DAT_POLL_INTERVAL", 90*time.Second); err != nil {
		return nil, err
	}

	// DB; empty disables persistence.
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.DBEncryptionKey = strings.TrimSpace(os.Getenv("DB_ENCRYPTION_KEY"))

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// durationEnv parses a Go duration ("90s") or a bare number of seconds.
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n <= 0 {
			return def, nil
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateChatReady checks required fields when the chat gateway is enabled.
func (c *Config) ValidateChatReady() error {
	if len(c.TwitchChannels) == 0 || c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CHANNELS, TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

// RefreshEnabled reports whether the bot token can be refreshed automatically.
func (c *Config) RefreshEnabled() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}
