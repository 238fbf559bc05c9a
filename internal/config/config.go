// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config holds the application configuration.
type Config struct {
	App    AppConfig
	Logger LoggerConfig
	Sync   SyncConfig
	Store  StoreConfig
	Cache  CacheConfig
	Handle HandleConfig
	Friend FriendConfig
	Auth   AuthConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
	// DataDir holds the badger directory, the sqlite cache, and the session key.
	DataDir string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// SyncConfig controls the memo engine.
type SyncConfig struct {
	Mode         string        // shared-local, local, or remote (default: remote)
	Namespace    string        // local cache namespace (default: SavedMemos)
	WriteTimeout time.Duration // per-write timeout (default: 15s)
}

// StoreConfig selects and configures the document store.
type StoreConfig struct {
	Backend    string // memory, badger, or redis (default: badger)
	BadgerPath string // default: {data}/docs
	Redis      RedisConfig
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CacheConfig holds the local cache location used by the local sync modes.
type CacheConfig struct {
	Path string // default: {data}/cache.db
}

// HandleConfig throttles handle probes per owner.
type HandleConfig struct {
	ProbeRPS   float64 // 0 disables throttling (default: 20)
	ProbeBurst int     // default: 5
}

// FriendConfig sizes the handle lookup cache.
type FriendConfig struct {
	CacheSize int // default: 1024
}

// AuthConfig holds session token configuration.
type AuthConfig struct {
	// PASETO v4 symmetric key (32 bytes). Nil means load or generate one
	// under the data directory.
	TokenKey      []byte
	TokenDuration time.Duration // default: 720h
}

// Load reads configuration with precedence:
// 1. Command-line flags on fs (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
//
// Flags are registered on fs and parsed from args; the remaining arguments
// are available from fs.Args afterwards.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	dataDir := fs.String("data-dir", "", "Directory for local data (default: ~/.memosync)")

	syncMode := fs.String("sync-mode", "", "Sync mode: shared-local, local, or remote (default: remote)")
	syncNamespace := fs.String("sync-namespace", "", "Local cache namespace (default: SavedMemos)")
	writeTimeout := fs.String("write-timeout", "", "Per-write timeout (default: 15s)")

	storeBackend := fs.String("store", "", "Document store: memory, badger, or redis (default: badger)")
	badgerPath := fs.String("badger-path", "", "Badger directory (default: {data-dir}/docs)")
	redisAddr := fs.String("redis-addr", "", "Redis address (host:port)")
	redisDB := fs.String("redis-db", "", "Redis database number (default: 0)")

	cachePath := fs.String("cache-path", "", "SQLite file for local modes (default: {data-dir}/cache.db)")

	probeRPS := fs.String("handle-probe-rps", "", "Handle probes per second per owner (default: 20)")
	probeBurst := fs.String("handle-probe-burst", "", "Handle probe burst (default: 5)")
	friendCacheSize := fs.String("friend-cache-size", "", "Handle lookup cache size (default: 1024)")

	tokenDuration := fs.String("token-duration", "", "Session token lifetime (default: 720h)")

	envFile := fs.String("env-file", ".env", "Path to .env file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Missing .env files are fine; existing variables take precedence.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", *envFile, err)
	}

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
			DataDir:     getConfigValue(*dataDir, "MEMOSYNC_DATA_DIR", ""),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(*logLevel, "LOG_LEVEL", "info"),
		},
		Sync: SyncConfig{
			Mode:      strings.ToLower(getConfigValue(*syncMode, "SYNC_MODE", "remote")),
			Namespace: getConfigValue(*syncNamespace, "SYNC_NAMESPACE", "SavedMemos"),
		},
		Store: StoreConfig{
			Backend:    strings.ToLower(getConfigValue(*storeBackend, "STORE_BACKEND", BackendBadger)),
			BadgerPath: getConfigValue(*badgerPath, "BADGER_PATH", ""),
			Redis: RedisConfig{
				Addr:     getConfigValue(*redisAddr, "REDIS_ADDR", ""),
				Password: getConfigValue("", "REDIS_PASSWORD", ""),
			},
		},
		Cache: CacheConfig{
			Path: getConfigValue(*cachePath, "CACHE_PATH", ""),
		},
	}

	var err error
	if cfg.Store.Redis.DB, err = getIntConfigValue(*redisDB, "REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Handle.ProbeRPS, err = getFloatConfigValue(*probeRPS, "HANDLE_PROBE_RPS", 20); err != nil {
		return nil, err
	}
	if cfg.Handle.ProbeBurst, err = getIntConfigValue(*probeBurst, "HANDLE_PROBE_BURST", 5); err != nil {
		return nil, err
	}
	if cfg.Friend.CacheSize, err = getIntConfigValue(*friendCacheSize, "FRIEND_CACHE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.Sync.WriteTimeout, err = getDurationConfigValue(*writeTimeout, "WRITE_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.Auth.TokenDuration, err = getDurationConfigValue(*tokenDuration, "AUTH_TOKEN_DURATION", "720h"); err != nil {
		return nil, err
	}

	if keyHex := getConfigValue("", "AUTH_TOKEN_KEY", ""); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid AUTH_TOKEN_KEY: %w", err)
		}
		cfg.Auth.TokenKey = key
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	if c.App.Environment == "" {
		return errors.New("ENV is required")
	}

	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[c.App.Environment] {
		return fmt.Errorf("invalid environment: %s (must be development, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logger.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	switch c.Sync.Mode {
	case "shared-local", "local", "remote":
	default:
		return fmt.Errorf("invalid sync mode: %s (must be shared-local, local, or remote)", c.Sync.Mode)
	}
	if c.Sync.Mode != "remote" && c.Cache.Path == "" {
		return errors.New("cache path is required for local sync modes")
	}
	if c.Sync.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Store.BadgerPath == "" {
			return errors.New("badger path cannot be empty after expansion")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, badger, or redis)", c.Store.Backend)
	}

	if c.Handle.ProbeRPS < 0 {
		return errors.New("handle probe rate cannot be negative")
	}
	if c.Friend.CacheSize < 1 {
		return errors.New("friend cache size must be at least 1")
	}
	if c.Auth.TokenKey != nil && len(c.Auth.TokenKey) != 32 {
		return fmt.Errorf("AUTH_TOKEN_KEY must be 32 bytes (64 hex characters), got %d bytes", len(c.Auth.TokenKey))
	}
	if c.Auth.TokenDuration <= 0 {
		return errors.New("token duration must be positive")
	}

	return nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty and defaultPath is provided, uses the default.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	// Expand tilde.
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Make absolute if needed.
	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandPaths resolves the data directory and the paths derived from it.
func (c *Config) expandPaths() error {
	defaultData := ""
	if c.App.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		defaultData = filepath.Join(homeDir, ".memosync")
	}

	var err error
	if c.App.DataDir, err = expandPath(c.App.DataDir, defaultData); err != nil {
		return err
	}
	if c.Store.BadgerPath, err = expandPath(c.Store.BadgerPath, filepath.Join(c.App.DataDir, "docs")); err != nil {
		return err
	}
	if c.Cache.Path, err = expandPath(c.Cache.Path, filepath.Join(c.App.DataDir, "cache.db")); err != nil {
		return err
	}
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	// Priority 1: Command-line flag.
	if flagValue != "" {
		return flagValue
	}

	// Priority 2: Environment variable.
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}

	// Priority 3: Default value.
	return defaultValue
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) (int, error) {
	s := getConfigValue(flagValue, envKey, "")
	if s == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, s, err)
	}
	return v, nil
}

// getFloatConfigValue returns a float from flag, env var, or default.
func getFloatConfigValue(flagValue, envKey string, defaultValue float64) (float64, error) {
	s := getConfigValue(flagValue, envKey, "")
	if s == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, s, err)
	}
	return v, nil
}

// getDurationConfigValue parses a duration from flag, env var, or default.
func getDurationConfigValue(flagValue, envKey, defaultValue string) (time.Duration, error) {
	s := getConfigValue(flagValue, envKey, defaultValue)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, s, err)
	}
	return d, nil
}
