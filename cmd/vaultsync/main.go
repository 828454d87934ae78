package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vaultkit/vaultsync/internal/httpapi"
	"github.com/vaultkit/vaultsync/internal/obs"
	"github.com/vaultkit/vaultsync/internal/tabsync"
	"github.com/vaultkit/vaultsync/internal/vaultsync"
)

func main() {
	_ = godotenv.Load()

	addr := envOrDefault("VAULTSYNC_ADDR", ":8090")
	logger := obs.NewLogger()
	metrics := obs.NewMetrics()

	store, err := buildStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize kv store: %v", err)
	}

	validator, err := buildValidatorFromEnv()
	if err != nil {
		log.Fatalf("failed to load payload schemas: %v", err)
	}

	executor := vaultsync.NewHTTPExecutor(vaultsync.HTTPExecutorOptions{
		BaseURL: envOrDefault("VAULTSYNC_BACKEND_URL", "http://127.0.0.1:8080"),
		Token:   strings.TrimSpace(os.Getenv("VAULTSYNC_BACKEND_TOKEN")),
		VaultID: strings.TrimSpace(os.Getenv("VAULTSYNC_VAULT_ID")),
	})

	queue, err := vaultsync.NewWriteQueue(vaultsync.WriteQueueOptions{
		Store:     store,
		Executor:  executor,
		Validator: validator,
		Logger:    logger,
		Metrics:   metrics,
		Config: vaultsync.QueueConfig{
			MaxQueueSize:      intEnv("VAULTSYNC_MAX_QUEUE_SIZE", 0),
			MaxRetries:        intEnv("VAULTSYNC_MAX_RETRIES", 0),
			InitialRetryDelay: durationEnv("VAULTSYNC_INITIAL_RETRY_DELAY", 0),
			MaxRetryDelay:     durationEnv("VAULTSYNC_MAX_RETRY_DELAY", 0),
			DeadLetterTTL:     durationEnv("VAULTSYNC_DEAD_LETTER_TTL", 0),
			ProcessInterval:   durationEnv("VAULTSYNC_PROCESS_INTERVAL", 0),
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize write queue: %v", err)
	}

	coordinator := tabsync.NewCoordinator(tabsync.CoordinatorOptions{
		Channel:           buildChannelFromEnv(logger),
		HeartbeatInterval: durationEnv("VAULTSYNC_HEARTBEAT_INTERVAL", 0),
		InactivityWindow:  durationEnv("VAULTSYNC_INACTIVITY_WINDOW", 0),
		Logger:            logger,
		Metrics:           metrics,
		OnAuthorityChange: func(hasAuthority bool) {
			logger.Info(map[string]interface{}{
				"msg":       "write authority changed",
				"authority": hasAuthority,
			})
		},
	})
	coordinator.Initialize()

	server := httpapi.NewServerWithConfig(queue, coordinator, metrics, httpapi.ServerConfig{
		AuthToken:       strings.TrimSpace(os.Getenv("VAULTSYNC_AUTH_TOKEN")),
		RateLimitMax:    intEnv("VAULTSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("VAULTSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("VAULTSYNC_MAX_BODY_BYTES", 0),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		queue.Destroy()
		coordinator.Destroy()
		_ = store.Close()
	}()

	log.Printf("vaultsync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoreFromEnv() (vaultsync.KVStore, error) {
	dsn := strings.TrimSpace(os.Getenv("VAULTSYNC_STORE_DSN"))
	if dsn == "" {
		dataDir := envOrDefault("VAULTSYNC_DATA_DIR", ".vaultsync")
		dsn = "file://" + filepath.Join(dataDir, "state.json")
	}
	store, err := vaultsync.BuildKVStoreFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return vaultsync.NewMemoryKVStore(), nil
	}
	return store, nil
}

// buildValidatorFromEnv compiles every *.schema.json in the schema directory
// and binds it to the entity type named by the file.
func buildValidatorFromEnv() (*vaultsync.PayloadValidator, error) {
	dir := strings.TrimSpace(os.Getenv("VAULTSYNC_SCHEMA_DIR"))
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	validator := vaultsync.NewPayloadValidator()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".schema.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		entityType := strings.TrimSuffix(entry.Name(), ".schema.json")
		if !json.Valid(raw) {
			log.Printf("skipping invalid schema file %s", entry.Name())
			continue
		}
		if err := validator.RegisterSchema(entityType, string(raw)); err != nil {
			return nil, err
		}
	}
	return validator, nil
}

func buildChannelFromEnv(logger *obs.Logger) tabsync.Channel {
	relayURL := strings.TrimSpace(os.Getenv("VAULTSYNC_RELAY_URL"))
	if relayURL == "" {
		// No relay configured: single-context mode, CanWrite always true.
		return nil
	}
	channel, err := tabsync.DialChannel(relayURL, envOrDefault("VAULTSYNC_CHANNEL", "vaultsync"), logger)
	if err != nil {
		log.Printf("relay channel unavailable, falling back to single-context mode: %v", err)
		return nil
	}
	return channel
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
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
