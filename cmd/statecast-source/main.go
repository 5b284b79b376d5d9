package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/statecast/internal/checkpoint"
	"github.com/agentworkforce/statecast/internal/httpapi"
	"github.com/agentworkforce/statecast/internal/logging"
	"github.com/agentworkforce/statecast/internal/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	addr := os.Getenv("STATECAST_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger := logging.New(logging.ParseLevel(os.Getenv("STATECAST_LOG_LEVEL")))

	backend, err := buildCheckpointFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize checkpoint backend: %v", err)
	}
	defer func() {
		if err := checkpoint.Close(backend); err != nil {
			log.Printf("checkpoint close failed: %v", err)
		}
	}()

	hub, err := source.NewHub(source.Options{
		Checkpoint:       backend,
		Logger:           logger,
		SubscriberBuffer: intEnv("STATECAST_SUBSCRIBER_BUFFER", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize source: %v", err)
	}
	defer hub.Close()
	if err := seedFromFile(hub, strings.TrimSpace(os.Getenv("STATECAST_SEED_FILE"))); err != nil {
		log.Fatalf("failed to seed state: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := source.RegisterMetrics(reg); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	handler := httpapi.NewSourceServer(hub, httpapi.ServerConfig{
		JWTSecret:         os.Getenv("STATECAST_JWT_SECRET"),
		RateLimitMax:      intEnv("STATECAST_RATE_LIMIT_MAX", 0),
		RateLimitWindow:   durationEnv("STATECAST_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:      int64Env("STATECAST_MAX_BODY_BYTES", 0),
		HeartbeatInterval: durationEnv("STATECAST_HEARTBEAT_INTERVAL", source.DefaultHeartbeatInterval),
		AllowedOrigins:    splitList(os.Getenv("STATECAST_ALLOWED_ORIGINS")),
		Logger:            logger,
		Gatherer:          reg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("statecast source listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func seedFromFile(hub *source.Hub, path string) error {
	if path == "" {
		return nil
	}
	if index, _ := hub.Current(); index > 0 {
		log.Printf("state restored at index %d; ignoring seed file %s", index, path)
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var state any
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}
	_, err = hub.Replace(state)
	return err
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func buildCheckpointFromEnv() (checkpoint.Backend, error) {
	profileDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	switch dsn := strings.TrimSpace(os.Getenv("STATECAST_CHECKPOINT_DSN")); {
	case dsn != "":
		return checkpoint.BuildBackendFromDSN(dsn)
	case profileDSN != "":
		return checkpoint.BuildBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultsFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("STATECAST_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("STATECAST_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".statecast"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("STATECAST_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("STATECAST_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("STATECAST_PRODUCTION_DSN or STATECAST_POSTGRES_DSN is required when STATECAST_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "checkpoint.json"), nil
	case "embedded-kv", "pebble":
		return "pebble://" + filepath.Join(dataDir, "checkpoint.pebble"), nil
	default:
		return "", fmt.Errorf("unsupported STATECAST_BACKEND_PROFILE: %s", profile)
	}
}
