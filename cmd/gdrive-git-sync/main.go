package main

import (
	"context"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/gbasin/gdrive-git-sync/internal/config"
	"github.com/gbasin/gdrive-git-sync/internal/driveapi"
	"github.com/gbasin/gdrive-git-sync/internal/extract"
	"github.com/gbasin/gdrive-git-sync/internal/gitrepo"
	"github.com/gbasin/gdrive-git-sync/internal/httpapi"
	"github.com/gbasin/gdrive-git-sync/internal/logging"
	"github.com/gbasin/gdrive-git-sync/internal/secrets"
	"github.com/gbasin/gdrive-git-sync/internal/state"
	"github.com/gbasin/gdrive-git-sync/internal/syncer"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		zap.NewExample().Fatal("configuration", zap.Error(err))
	}
	log := logging.MustNew(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx := context.Background()

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatal("state store", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	src, err := driveapi.New(ctx, cfg.DriveFolderID, log)
	if err != nil {
		log.Fatal("drive client", zap.Error(err))
	}

	tokens := buildTokenProvider(cfg)
	newRepo := func(ctx context.Context) (syncer.RepoWriter, error) {
		token, err := tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		return gitrepo.Clone(ctx, gitrepo.Options{
			URL:    cfg.GitRepoURL,
			Branch: cfg.GitBranch,
			Token:  token,
			Depth:  1,
			Logger: log,
		})
	}

	engine := syncer.New(store, src, newRepo, extract.NewRegistry(), syncer.Config{
		ExcludePaths:       cfg.ExcludePaths,
		SkipExtensions:     cfg.SkipExtensions,
		MaxFileSize:        cfg.MaxFileSizeBytes(),
		DefaultAuthorName:  cfg.AuthorName,
		DefaultAuthorEmail: cfg.AuthorEmail,
		DocsSubdir:         cfg.DocsSubdir,
		LeaseTTL:           cfg.LeaseTTL,
	}, log)

	server := httpapi.NewServer(engine, src, store, httpapi.ServerConfig{
		SharedSecret:      cfg.SharedSecret,
		VerificationToken: cfg.VerificationTok,
		WebhookURL:        cfg.SelfURL + "/webhook",
	}, log)

	log.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, server); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

// buildStore picks Postgres when a DSN is configured and falls back to the
// in-memory store, which is only suitable for local development.
func buildStore(cfg config.Config) (state.Store, error) {
	if cfg.StateDSN != "" {
		return state.NewPostgresStore(cfg.StateDSN, cfg.StateNamespace)
	}
	if os.Getenv("ALLOW_MEMORY_STATE") == "" {
		zap.NewExample().Warn("no STATE_DSN set, using in-memory state store")
	}
	return state.NewMemoryStore(), nil
}

func buildTokenProvider(cfg config.Config) secrets.TokenProvider {
	if cfg.GitTokenSecret != "" {
		return secrets.NewSecretManager(cfg.GitTokenSecret)
	}
	return secrets.Static(cfg.GitToken)
}
