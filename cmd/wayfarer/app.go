package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/wayfarer-app/wayfarer/src/catalog"
	"github.com/wayfarer-app/wayfarer/src/config"
	"github.com/wayfarer-app/wayfarer/src/domains"
	"github.com/wayfarer-app/wayfarer/src/effects"
	"github.com/wayfarer-app/wayfarer/src/engine"
	"github.com/wayfarer-app/wayfarer/src/history"
	"github.com/wayfarer-app/wayfarer/src/session"
	"github.com/wayfarer-app/wayfarer/src/toolcat"
	"github.com/wayfarer-app/wayfarer/src/transport"
)

// app holds the wired-up components a command runs against.
type app struct {
	cfg    *config.Config
	eng    *engine.Engine
	hist   *history.Store
	cat    *catalog.Client
	kv     history.KV
	logger *slog.Logger
}

func (a *app) close() {
	a.eng.Disconnect(context.Background())
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("failed to close storage", "error", err)
	}
}

func loadAppConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.NewLoader(config.GetConfigPaths()).Load()
	if err != nil {
		return nil, err
	}
	if cli.BaseURL != "" {
		cfg.API.BaseURL = cli.BaseURL
	}
	if cli.Model != "" {
		cfg.Assistant.Model = cli.Model
	}
	return cfg, nil
}

func tokenProvider(cfg *config.Config, cli *CLI) transport.TokenProvider {
	return transport.TokenProviderFunc(func(ctx context.Context) (string, error) {
		if cli.Token != "" {
			return cli.Token, nil
		}
		if token := os.Getenv(cfg.API.TokenEnvVar); token != "" {
			return token, nil
		}
		return "", errors.New("no credential: set --token or " + cfg.API.TokenEnvVar)
	})
}

// openKV opens the configured conversation storage backend.
func openKV(cfg *config.Config) (history.KV, error) {
	paths := config.GetDefaultStoragePaths()

	switch cfg.Storage.Backend {
	case config.BackendSqlite, "":
		path := cfg.Storage.Path
		if path == "" {
			path = paths.DatabasePath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return history.OpenSqliteKV(path, cfg.Storage.QuotaBytes)
	case config.BackendRedis:
		return history.NewRedisKV(history.RedisConfig{
			Addr:          cfg.Storage.RedisAddr,
			Password:      cfg.Storage.RedisPassword,
			DB:            cfg.Storage.RedisDB,
			MaxValueBytes: cfg.Storage.QuotaBytes,
		})
	case config.BackendFile:
		dir := cfg.Storage.Path
		if dir == "" {
			dir = paths.FileStoreDir
		}
		return history.NewFileKV(afero.NewOsFs(), dir, cfg.Storage.QuotaBytes)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

func buildApp(cli *CLI, logger *slog.Logger, hooks engine.Hooks) (*app, error) {
	cfg, err := loadAppConfig(cli)
	if err != nil {
		return nil, err
	}
	tokens := tokenProvider(cfg, cli)

	kv, err := openKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation storage: %w", err)
	}

	histOpts := []history.Option{}
	if cfg.Storage.MaxConversations > 0 {
		histOpts = append(histOpts, history.WithMaxConversations(cfg.Storage.MaxConversations))
	}
	hist := history.NewStore(kv, logger, histOpts...)

	domainCfg := domains.Config{BaseURL: cfg.API.BaseURL, Tokens: tokens, Logger: logger}
	refreshers := map[toolcat.Domain]effects.Refresher{
		toolcat.DomainTrip:        domains.NewTripStore(domainCfg),
		toolcat.DomainDestination: domains.NewDestinationStore(domainCfg),
		toolcat.DomainPOI:         domains.NewPOIStore(domainCfg),
	}

	eng := engine.New(engine.Config{
		Transport: transport.Config{
			URL:    cfg.API.SocketURL,
			Tokens: tokens,
			Logger: logger,
		},
		Sessions: session.NewClient(session.Config{
			BaseURL: cfg.API.BaseURL,
			Tokens:  tokens,
			Logger:  logger,
		}),
		History:    hist,
		Refreshers: refreshers,
		ModelID:    cfg.Assistant.Model,
		ChatMode:   cfg.Assistant.ChatMode,
		Agent: session.AgentConfig{
			Name:         cfg.Assistant.AgentName,
			SystemPrompt: cfg.Assistant.SystemPrompt,
		},
		Hooks:  hooks,
		Logger: logger,
	})

	cat := catalog.NewClient(catalog.Config{
		BaseURL: cfg.API.BaseURL,
		Tokens:  tokens,
		Logger:  logger,
	})

	return &app{
		cfg:    cfg,
		eng:    eng,
		hist:   hist,
		cat:    cat,
		kv:     kv,
		logger: logger,
	}, nil
}
