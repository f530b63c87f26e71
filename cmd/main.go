package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"calhub/internal/config"
	"calhub/internal/dedup"
	"calhub/internal/google"
	"calhub/internal/lock"
	"calhub/internal/microsoft"
	"calhub/internal/provider"
	"calhub/internal/registry"
	"calhub/internal/secret"
	"calhub/internal/store"
	"calhub/internal/syncer"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calhub",
		Usage: "Aggregate Google, iCloud, Microsoft and CalDAV calendars into one local calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultPath,
				EnvVars: []string{"CALHUB_CONFIG"},
				Usage:   "Path to the YAML config file. Created with defaults if missing.",
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			connectCommand(),
			syncCommand(),
			serveCommand(),
			expandCommand(),
			waitCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the config named by the global flag.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, setupLogger(cfg.LogLevel), nil
}

// app holds the services shared by the commands.
type app struct {
	logger *slog.Logger
	store  *store.SQLite
	syncer *syncer.Syncer
	redis  *redis.Client
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger, store: st}

	box, err := credentialBox(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := registry.Options{Breakers: provider.NewBreakers(logger, cfg.RateLimitBackoff)}
	if opts.GoogleOAuth, err = googleOAuth(cfg); err != nil {
		a.Close()
		return nil, err
	}
	if opts.MicrosoftOAuth, err = microsoftOAuth(cfg); err != nil {
		a.Close()
		return nil, err
	}
	reg := registry.New(logger, st, box, opts)

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		client, err := lock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		locker = lock.NewRedis(client, "calhub:", lock.DefaultTTL)
		logger.Info("Using Redis for sync locks.")
	}

	policy, err := dedup.ParsePolicy(cfg.DuplicatePolicy)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.syncer = syncer.NewSyncer(logger, st, reg, syncer.Options{
		DedupPolicy: policy,
		Locker:      locker,
		Box:         box,
		Concurrency: cfg.CalendarConcurrency,
	})
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}

func credentialBox(cfg *config.Config, logger *slog.Logger) (secret.Box, error) {
	if cfg.EncryptionKey == "" {
		logger.Warn("No encryption key configured, credentials are stored unencrypted.")
		return secret.Plain{}, nil
	}
	box, err := secret.NewAESBoxFromBase64Key(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	return box, nil
}

func googleOAuth(cfg *config.Config) (*oauth2.Config, error) {
	if !cfg.Google.Configured() {
		return nil, nil
	}
	return google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
}

func microsoftOAuth(cfg *config.Config) (*oauth2.Config, error) {
	if !cfg.Microsoft.Configured() {
		return nil, nil
	}
	return microsoft.OAuthConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.RedirectURL)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
