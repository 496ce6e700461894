// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	AdminToken string

	// SecretKey encrypts scanner token values at rest. Empty disables
	// encryption (plaintext storage).
	SecretKey []byte

	// BootstrapTokens are code-host tokens registered at startup if the
	// token table is empty.
	BootstrapTokens []string

	ProbeModel   string
	ProbeTimeout time.Duration

	RevalidateInterval   time.Duration
	RevalidateBatchSize  int
	RevalidateProbeDelay time.Duration

	ScanTargetCount int
	ScanMaxDuration time.Duration
	ScanConcurrency int
}

// Load reads configuration from environment variables and returns a validated
// Config. Everything is optional: with no environment set, the service runs
// on 127.0.0.1:8080 against keypool.db with auth and encryption disabled.
// KEYPOOL_SECRET_KEY, when set, must be 64 hex characters (a 32-byte AES key).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:           "127.0.0.1:8080",
		DBPath:               "keypool.db",
		AdminToken:           os.Getenv("KEYPOOL_ADMIN_TOKEN"),
		ProbeModel:           "gemini-2.5-flash",
		ProbeTimeout:         15 * time.Second,
		RevalidateInterval:   5 * time.Minute,
		RevalidateBatchSize:  10,
		RevalidateProbeDelay: 2 * time.Second,
		ScanTargetCount:      50,
		ScanMaxDuration:      10 * time.Minute,
		ScanConcurrency:      2,
	}

	if v, ok := os.LookupEnv("KEYPOOL_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("KEYPOOL_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("KEYPOOL_PROBE_MODEL"); ok {
		cfg.ProbeModel = v
	}

	if v, ok := os.LookupEnv("KEYPOOL_SECRET_KEY"); ok && v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("KEYPOOL_SECRET_KEY is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("KEYPOOL_SECRET_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.SecretKey = key
	}

	if v, ok := os.LookupEnv("KEYPOOL_GITHUB_TOKENS"); ok && v != "" {
		for _, token := range strings.Split(v, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				cfg.BootstrapTokens = append(cfg.BootstrapTokens, token)
			}
		}
	}

	durations := []struct {
		env  string
		dest *time.Duration
	}{
		{"KEYPOOL_PROBE_TIMEOUT", &cfg.ProbeTimeout},
		{"KEYPOOL_REVALIDATE_INTERVAL", &cfg.RevalidateInterval},
		{"KEYPOOL_REVALIDATE_PROBE_DELAY", &cfg.RevalidateProbeDelay},
		{"KEYPOOL_SCAN_MAX_DURATION", &cfg.ScanMaxDuration},
	}
	for _, d := range durations {
		if v, ok := os.LookupEnv(d.env); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s has invalid duration %q: %w", d.env, v, err)
			}
			*d.dest = parsed
		}
	}

	ints := []struct {
		env  string
		dest *int
	}{
		{"KEYPOOL_REVALIDATE_BATCH_SIZE", &cfg.RevalidateBatchSize},
		{"KEYPOOL_SCAN_TARGET_COUNT", &cfg.ScanTargetCount},
		{"KEYPOOL_SCAN_CONCURRENCY", &cfg.ScanConcurrency},
	}
	for _, n := range ints {
		if v, ok := os.LookupEnv(n.env); ok {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 1 {
				return nil, fmt.Errorf("%s must be a positive integer, got %q", n.env, v)
			}
			*n.dest = parsed
		}
	}

	return cfg, nil
}
