package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lunchdesk/api/internal/platform/config"
	pfirestore "github.com/lunchdesk/api/internal/platform/firestore"
	"github.com/lunchdesk/api/internal/platform/observability"
	"github.com/lunchdesk/api/internal/platform/secrets"
	firestoreRepo "github.com/lunchdesk/api/internal/repositories/firestore"
	"github.com/lunchdesk/api/internal/seed"
)

func main() {
	path := flag.String("file", "seed.yaml", "seed document to load")
	dryRun := flag.Bool("dry-run", false, "validate the document without writing")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := observability.NewLogger(observability.LoggerOptions{Level: os.Getenv("API_LOG_LEVEL")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("seed")
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(ctx, logger, *path, *dryRun); err != nil {
		logger.Error("seed failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger, path string, dryRun bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	doc, err := seed.Parse(f)
	if err != nil {
		return err
	}
	if dryRun {
		logger.Info("seed document is valid",
			zap.String("file", path),
			zap.Int("departments", len(doc.Departments)),
			zap.Int("users", len(doc.Users)),
			zap.Int("menuItems", len(doc.Menu)),
		)
		return nil
	}

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	project := strings.TrimSpace(env["API_SECRET_DEFAULT_PROJECT_ID"])
	if project == "" {
		project = strings.TrimSpace(env["API_FIREBASE_PROJECT_ID"])
	}
	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(".secrets.local"),
		secrets.WithProject(project),
	)
	if err != nil {
		return fmt.Errorf("init secret fetcher: %w", err)
	}
	defer fetcher.Close()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	registry, err := firestoreRepo.NewRegistry(pfirestore.NewProvider(cfg.Firestore), nil)
	if err != nil {
		return fmt.Errorf("init firestore registry: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	res, err := seed.Apply(ctx, registry, doc, time.Now())
	if err != nil {
		return err
	}
	logger.Info("seed applied",
		zap.String("file", path),
		zap.Int("settings", res.Settings),
		zap.Int("departments", res.Departments),
		zap.Int("users", res.Users),
		zap.Int("holidays", res.Holidays),
		zap.Int("menuItems", res.MenuItems),
	)
	return nil
}
