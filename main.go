// Command dat-relay follows 2ch-style dat threads and relays new posts into
// Twitch chat. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres, runs migrations, and restores the
//     channel bindings saved by a previous run.
//   - Joins the configured Twitch channels and serves the !dat commands.
//   - Keeps the bot's OAuth token fresh when a client id/secret is set.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics,
//     archived posts, and an admin bindings API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/dat-relay/chat"
	"github.com/onnwee/dat-relay/config"
	"github.com/onnwee/dat-relay/crypto"
	"github.com/onnwee/dat-relay/dat"
	"github.com/onnwee/dat-relay/db"
	"github.com/onnwee/dat-relay/oauth"
	"github.com/onnwee/dat-relay/relay"
	"github.com/onnwee/dat-relay/server"
	"github.com/onnwee/dat-relay/store"
	"github.com/onnwee/dat-relay/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; requires OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdown, err := telemetry.InitTracing("dat-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var database *sql.DB
	if cfg.DBDsn != "" {
		database, err = db.Connect(cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Info("DB_DSN not set; bindings and posts will not be persisted")
	}

	var tokens oauth.DBStore
	if database != nil {
		tokens.DB = database
		if cfg.DBEncryptionKey != "" {
			enc, err := crypto.NewAESEncryptor(cfg.DBEncryptionKey)
			if err != nil {
				slog.Error("token encryption initialization failed", slog.Any("err", err), slog.String("component", "db_encryption"))
				os.Exit(1)
			}
			tokens.Enc = enc
			slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("key_id", enc.KeyID()), slog.String("component", "db_encryption"))
		} else {
			slog.Warn("DB_ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext", slog.String("component", "db_encryption"))
		}
	}

	fetcher := dat.NewFetcher(cfg.DatHTTPTimeout, cfg.DatUserAgent)

	var sinks relay.MultiSink
	var gw *chat.Gateway
	if err := cfg.ValidateChatReady(); err == nil {
		token := cfg.TwitchOAuthToken
		if database != nil && cfg.RefreshEnabled() {
			seeded, err := oauth.Seed(ctx, tokens, oauth.ProviderTwitchBot, cfg.TwitchOAuthToken, cfg.TwitchRefreshToken)
			if err != nil {
				slog.Warn("oauth token seed failed", slog.Any("err", err), slog.String("component", "oauth"))
			}
			token = seeded
		}
		gw = chat.NewGateway(chat.Config{
			Username: cfg.TwitchBotUsername,
			Token:    token,
			Channels: cfg.TwitchChannels,
			Prefix:   cfg.CommandPrefix,
			Interval: cfg.DatPollInterval,
		})
		sinks = append(sinks, gw)
	} else {
		slog.Info("chat gateway disabled", slog.Any("reason", err))
	}

	var bindings relay.BindingStore
	var archive *store.Archive
	if database != nil {
		bindings = store.Bindings{DB: database}
		archive = &store.Archive{DB: database}
		sinks = append(sinks, archive)
	}

	reg := relay.NewRegistry(ctx, fetcher, sinks, bindings)
	defer reg.Close()
	if archive != nil {
		archive.ThreadOf = reg.ThreadURI
	}
	if n, err := reg.Restore(ctx); err != nil {
		slog.Warn("restore bindings failed", slog.Any("err", err), slog.String("component", "relay"))
	} else if n > 0 {
		slog.Info("restored bindings", slog.Int("count", n), slog.String("component", "relay"))
	}

	deps := server.Deps{DB: database, Relay: reg}
	if gw != nil {
		gw.SetController(reg)
		deps.ChatConnected = gw.Connected
		go func() {
			if err := gw.Run(ctx); err != nil {
				slog.Error("chat gateway exited with error", slog.Any("err", err), slog.String("component", "chat"))
			}
		}()
		if database != nil && cfg.RefreshEnabled() {
			oauth.StartRefresher(ctx, tokens, oauth.ProviderTwitchBot, 5*time.Minute, 15*time.Minute,
				oauth.TwitchRefreshFunc(cfg.TwitchClientID, cfg.TwitchClientSecret), gw.SetToken)
		}
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	go func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}
