// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/pokebrowser/core/internal/errors"
)

// Config holds all runtime configuration for the core.
type Config struct {
	// Remote store. Both must be set for any sync to happen; when either
	// is missing the core runs in permanent local-only mode.
	RemoteURL     string
	RemoteAnonKey string

	// Local storage directory for the durable key-value store.
	DataDir string

	// Listen address for the extension-surface websocket bridge.
	ListenAddr string

	// Push batching.
	SyncBatchSize    int // rows per insert batch
	SyncBatchCeiling int // hard cap, batches never exceed this

	// Collection cap enforced by the validator.
	MaxCollectionSize int

	// Auth readiness polling.
	AuthPollInterval time.Duration
	AuthPollTimeout  time.Duration

	// Rate limiting window.
	RateWindow time.Duration
}

// Load reads configuration from the environment. A .env file is applied
// first if present; real environment variables win over it.
func Load() (*Config, error) {
	// Missing .env is fine, env vars may be set directly.
	_ = godotenv.Load()

	batchSize, err := loadInt("SYNC_BATCH_SIZE", 20)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid SYNC_BATCH_SIZE", err)
	}
	batchCeiling, err := loadInt("SYNC_BATCH_CEILING", 50)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid SYNC_BATCH_CEILING", err)
	}
	maxCollection, err := loadInt("MAX_COLLECTION_SIZE", 200)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid MAX_COLLECTION_SIZE", err)
	}
	pollIntervalMs, err := loadInt("AUTH_POLL_INTERVAL_MS", 500)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid AUTH_POLL_INTERVAL_MS", err)
	}
	pollTimeoutMs, err := loadInt("AUTH_POLL_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid AUTH_POLL_TIMEOUT_MS", err)
	}
	rateWindowSec, err := loadInt("RATE_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid RATE_WINDOW_SECONDS", err)
	}

	if batchSize > batchCeiling {
		batchSize = batchCeiling
	}

	cfg := &Config{
		RemoteURL:         os.Getenv("REMOTE_URL"),
		RemoteAnonKey:     os.Getenv("REMOTE_ANON_KEY"),
		DataDir:           loadString("DATA_DIR", "./data"),
		ListenAddr:        loadString("LISTEN_ADDR", "localhost:8090"),
		SyncBatchSize:     batchSize,
		SyncBatchCeiling:  batchCeiling,
		MaxCollectionSize: maxCollection,
		AuthPollInterval:  time.Duration(pollIntervalMs) * time.Millisecond,
		AuthPollTimeout:   time.Duration(pollTimeoutMs) * time.Millisecond,
		RateWindow:        time.Duration(rateWindowSec) * time.Second,
	}

	return cfg, nil
}

// RemoteConfigured reports whether the remote endpoint is usable. When
// false, every sync attempt fails with a configuration error and the core
// stays local-only.
func (c *Config) RemoteConfigured() bool {
	return c.RemoteURL != "" && c.RemoteAnonKey != ""
}

func loadString(key, defValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defValue
}

func loadInt(key string, defValue int) (int, error) {
	value := os.Getenv(key)
	if value != "" {
		return strconv.Atoi(value)
	}
	return defValue, nil
}
