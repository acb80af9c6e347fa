// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/buildpipeline"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlerecovery"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlestore"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/config"
	"github.com/benediktbwimmer/apphub-controlplane/internal/containerengine"
	"github.com/benediktbwimmer/apphub-controlplane/internal/controlapi"
	"github.com/benediktbwimmer/apphub-controlplane/internal/eventbus"
	"github.com/benediktbwimmer/apphub-controlplane/internal/ingestion"
	"github.com/benediktbwimmer/apphub-controlplane/internal/jobengine"
	"github.com/benediktbwimmer/apphub-controlplane/internal/launchpipeline"
	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
	rbacandtokens "github.com/benediktbwimmer/apphub-controlplane/internal/rbac-and-tokens"
	"github.com/benediktbwimmer/apphub-controlplane/internal/redisclient"
	"github.com/benediktbwimmer/apphub-controlplane/internal/sandbox"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, logger)

	metricsSrv := obs.StartHTTPServer(cfg, nil)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	bus := eventbus.New(logger, 32)
	store := catalog.NewMemStore(bus)

	q, closeQueue, err := buildQueue(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build queue", obs.Err(err))
	}
	defer closeQueue()

	bundles, err := buildBundleStore(cfg)
	if err != nil {
		logger.Fatal("failed to build bundle store", obs.Err(err))
	}

	engine, err := containerengine.New()
	if err != nil {
		logger.Warn("docker engine unavailable, builds and launches will fail", obs.Err(err))
	}

	scratchDir := cfg.Sandbox.CacheDir
	ingest := ingestion.New(store, q, scratchDir, logger)
	builds := buildpipeline.New(store, engine, scratchDir, logger)
	launches := launchpipeline.New(store, q, engine, cfg.Launch.PreviewBaseURL, cfg.Launch.PreviewSecret, 8080, logger)

	cache, err := jobengine.NewBundleCache(cfg.Sandbox.CacheDir, bundles, cfg.Sandbox.CacheTTL)
	if err != nil {
		logger.Fatal("failed to build bundle cache", obs.Err(err))
	}
	recoverer := bundlerecovery.New(store, bundles, logger)
	runner := sandbox.New(cfg.Sandbox, logger)
	workerID := func() string { h, _ := os.Hostname(); return h }
	resolveSecret := func(_ context.Context, reference string) (string, error) { return os.Getenv(reference), nil }
	jobs := jobengine.New(store, q, cache, recoverer, runner, resolveSecret, workerID, logger)

	q.Subscribe(queue.Ingest, ingest.HandleMessage)
	q.Subscribe(queue.Build, builds.HandleMessage)
	q.Subscribe(queue.LaunchStart, launches.HandleStart)
	q.Subscribe(queue.LaunchStop, launches.HandleStop)
	q.Subscribe(queue.JobRun, jobs.HandleMessage)

	var auth *rbacandtokens.Manager
	if cfg.Auth.Enabled {
		authCfg := rbacandtokens.DefaultConfig()
		auth, err = rbacandtokens.NewManager(authCfg, nil, logger)
		if err != nil {
			logger.Fatal("failed to build auth manager", obs.Err(err))
		}
	}

	srv := controlapi.New(controlapi.Config{
		ListenAddr:       cfg.HTTP.ListenAddr,
		ReadTimeout:      cfg.HTTP.ReadTimeout,
		WriteTimeout:     cfg.HTTP.WriteTimeout,
		CORSEnabled:      cfg.HTTP.CORSEnabled,
		CORSAllowOrigins: cfg.HTTP.CORSAllowOrigins,
	}, store, q, bundles, cfg.BundleStore.SigningSecret, cfg.BundleStore.DownloadTTL,
		ingest, builds, launches, jobs, recoverer, bus, auth, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control API shutdown error", obs.Err(err))
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal("control API stopped", obs.Err(err))
	}
}

func buildQueue(cfg *config.Config, logger *zap.Logger) (queue.Queue, func(), error) {
	if cfg.Queues.Mode == "inline" {
		broker := queue.NewInlineBroker(cfg.Queues.MaxAttempts)
		return broker, func() { _ = broker.Close() }, nil
	}

	rdb := redisclient.New(cfg)
	broker := queue.NewRedisBroker(rdb, cfg.Queues.VisibilityTimeout, cfg.Queues.MaxAttempts, logger)
	reaper := queue.NewReaper(broker, logger)
	go reaper.Run(context.Background())
	return broker, func() { _ = broker.Close() }, nil
}

func buildBundleStore(cfg *config.Config) (bundlestore.Backend, error) {
	if cfg.BundleStore.Backend == "s3" {
		return bundlestore.NewS3Backend(context.Background(), bundlestore.S3Config{
			Bucket:         cfg.BundleStore.S3Bucket,
			Region:         cfg.BundleStore.S3Region,
			Endpoint:       cfg.BundleStore.S3Endpoint,
			Prefix:         cfg.BundleStore.S3Prefix,
			AccessKeyID:    cfg.BundleStore.S3AccessKeyID,
			SecretKey:      cfg.BundleStore.S3SecretKey,
			ForcePathStyle: cfg.BundleStore.S3ForcePathStyle,
		})
	}
	return bundlestore.NewLocalBackend(cfg.BundleStore.LocalRoot, cfg.BundleStore.SigningSecret)
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}
