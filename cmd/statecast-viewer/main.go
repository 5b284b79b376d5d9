package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/statecast/internal/channel"
	"github.com/agentworkforce/statecast/internal/checkpoint"
	"github.com/agentworkforce/statecast/internal/config"
	"github.com/agentworkforce/statecast/internal/httpapi"
	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/mountfs"
	"github.com/agentworkforce/statecast/internal/mountsync"
	"github.com/agentworkforce/statecast/internal/replica"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("STATECAST_VIEWER_CONFIG")), "viewer TOML config path")
	sourceURL := flag.String("source-url", strings.TrimSpace(os.Getenv("STATECAST_SOURCE_URL")), "source base or stream URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("STATECAST_TOKEN")), "bearer token")
	addr := flag.String("addr", strings.TrimSpace(os.Getenv("STATECAST_VIEWER_ADDR")), "viewer HTTP listen address")
	mountDir := flag.String("mount-dir", strings.TrimSpace(os.Getenv("STATECAST_MOUNT_DIR")), "FUSE mount point (empty disables)")
	mirrorDir := flag.String("mirror-dir", strings.TrimSpace(os.Getenv("STATECAST_MIRROR_DIR")), "plain directory mirror of the replica (empty disables)")
	mirrorInterval := flag.Duration("mirror-interval", 5*time.Second, "maximum time between mirror refreshes")
	checkpointDSN := flag.String("checkpoint", strings.TrimSpace(os.Getenv("STATECAST_VIEWER_CHECKPOINT")), "checkpoint DSN for the last good replica")
	logLevel := flag.String("log-level", strings.TrimSpace(os.Getenv("STATECAST_LOG_LEVEL")), "debug|info|warn|error")
	watch := flag.Bool("watch-config", true, "re-apply replication tunables when the config file changes")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.SourceURL = firstNonEmpty(*sourceURL, cfg.SourceURL)
	cfg.Addr = firstNonEmpty(*addr, cfg.Addr)
	cfg.MountDir = firstNonEmpty(*mountDir, cfg.MountDir)
	cfg.MirrorDir = firstNonEmpty(*mirrorDir, cfg.MirrorDir)
	cfg.CheckpointDSN = firstNonEmpty(*checkpointDSN, cfg.CheckpointDSN)
	cfg.LogLevel = firstNonEmpty(*logLevel, cfg.LogLevel)

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	if strings.TrimSpace(*token) == "" {
		log.Printf("no token configured (--token or STATECAST_TOKEN); the source will reject the stream")
	}

	backend, err := checkpoint.BuildBackendFromDSN(cfg.CheckpointDSN)
	if err != nil {
		log.Fatalf("failed to initialize checkpoint backend: %v", err)
	}
	defer func() {
		if err := checkpoint.Close(backend); err != nil {
			log.Printf("checkpoint close failed: %v", err)
		}
	}()
	writer := newCheckpointWriter(backend, logger)

	client, err := channel.NewClient(channel.Options{
		URL:    cfg.SourceURL,
		Token:  *token,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("invalid source url: %v", err)
	}
	// The mirror is created after the loop but before it runs.
	var mirror *mountsync.Syncer
	onChange := func(view replica.View) {
		writer.Notify(view)
		if mirror != nil {
			mirror.Notify(view)
		}
	}
	loop := replica.NewLoop(replica.LoopOptions{
		Options: replica.Options{
			Limits:   cfg.Replication.Limits(),
			Resyncer: client,
			Logger:   logger,
			OnChange: onChange,
		},
		DrainInterval: cfg.Replication.DrainInterval,
		InboxSize:     cfg.Replication.InboxSize,
	})
	if cfg.MirrorDir != "" {
		mirror, err = mountsync.NewSyncer(loop.View, mountsync.SyncerOptions{
			LocalRoot: cfg.MirrorDir,
			Logger:    logger,
		})
		if err != nil {
			log.Fatalf("failed to initialize mirror: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := replica.RegisterMetrics(reg); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}
	if err := channel.RegisterMetrics(reg); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	handler, err := httpapi.NewViewerServer(loop, httpapi.ViewerConfig{
		Connected: client.Connected,
		Logger:    logger,
		Gatherer:  reg,
	})
	if err != nil {
		log.Fatalf("failed to initialize viewer http: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() { _ = loop.Run(ctx) }()
	go func() { _ = client.Run(ctx, loop) }()
	go writer.Run(ctx)
	if mirror != nil {
		go mirror.Run(ctx, *mirrorInterval)
	}
	if *watch {
		go watchConfig(ctx, *configPath, loop, logger)
	}

	if cfg.MountDir != "" {
		fuseServer, err := mountfs.Mount(cfg.MountDir, loop.View, mountfs.Options{Logger: logger})
		if err != nil {
			log.Fatalf("failed to mount replica: %v", err)
		}
		defer func() {
			if err := fuseServer.Unmount(); err != nil {
				log.Printf("unmount %s failed: %v", cfg.MountDir, err)
			}
		}()
	}

	server := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("statecast viewer replicating %s, serving on %s", cfg.SourceURL, cfg.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("viewer http failed: %v", err)
		stop()
	}
	<-ctx.Done()
	log.Printf("statecast viewer stopping: %v", ctx.Err())
}

func watchConfig(ctx context.Context, path string, loop *replica.Loop, logger logging.Logger) {
	err := config.Watch(ctx, path, logger, func(cfg config.Config) {
		if !loop.SetLimits(cfg.Replication.Limits()) {
			logger.Warn("replication inbox full; config change not applied")
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("config watch stopped", "err", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
