package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		App:    AppConfig{Environment: "development", DataDir: "/data"},
		Logger: LoggerConfig{Level: "info"},
		Sync:   SyncConfig{Mode: "remote", Namespace: "SavedMemos", WriteTimeout: 15 * time.Second},
		Store:  StoreConfig{Backend: BackendBadger, BadgerPath: "/data/docs"},
		Cache:  CacheConfig{Path: "/data/cache.db"},
		Handle: HandleConfig{ProbeRPS: 20, ProbeBurst: 5},
		Friend: FriendConfig{CacheSize: 1024},
		Auth:   AuthConfig{TokenDuration: time.Hour},
	}
}

// load runs Load with a fresh flag set and an empty data dir under t.TempDir.
func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	args = append([]string{"-data-dir", t.TempDir(), "-env-file", filepath.Join(t.TempDir(), "missing.env")}, args...)
	return Load(fs, args)
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_AllEnvironments(t *testing.T) {
	tests := []struct {
		env   string
		valid bool
	}{
		{"development", true},
		{"staging", true},
		{"production", true},
		{"test", false},
		{"", false},
		{"DEVELOPMENT", false}, // case sensitive
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := validConfig()
			cfg.App.Environment = tt.env

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_AllLogLevels(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"debug", true},
		{"info", true},
		{"warn", true},
		{"error", true},
		{"DEBUG", true},  // case insensitive
		{"trace", false}, // not supported
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := validConfig()
			cfg.Logger.Level = tt.level

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"sync mode", func(c *Config) { c.Sync.Mode = "cloud" }, "invalid sync mode"},
		{"local without cache", func(c *Config) { c.Sync.Mode = "local"; c.Cache.Path = "" }, "cache path"},
		{"backend", func(c *Config) { c.Store.Backend = "mongo" }, "invalid store backend"},
		{"redis without addr", func(c *Config) { c.Store.Backend = BackendRedis }, "REDIS_ADDR"},
		{"badger without path", func(c *Config) { c.Store.BadgerPath = "" }, "badger path"},
		{"short key", func(c *Config) { c.Auth.TokenKey = []byte("short") }, "32 bytes"},
		{"negative rps", func(c *Config) { c.Handle.ProbeRPS = -1 }, "probe rate"},
		{"cache size", func(c *Config) { c.Friend.CacheSize = 0 }, "cache size"},
		{"write timeout", func(c *Config) { c.Sync.WriteTimeout = 0 }, "write timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, "remote", cfg.Sync.Mode)
	assert.Equal(t, "SavedMemos", cfg.Sync.Namespace)
	assert.Equal(t, 15*time.Second, cfg.Sync.WriteTimeout)
	assert.Equal(t, BackendBadger, cfg.Store.Backend)
	assert.Equal(t, filepath.Join(cfg.App.DataDir, "docs"), cfg.Store.BadgerPath)
	assert.Equal(t, filepath.Join(cfg.App.DataDir, "cache.db"), cfg.Cache.Path)
	assert.InDelta(t, 20.0, cfg.Handle.ProbeRPS, 0.0001)
	assert.Equal(t, 5, cfg.Handle.ProbeBurst)
	assert.Equal(t, 1024, cfg.Friend.CacheSize)
	assert.Equal(t, 720*time.Hour, cfg.Auth.TokenDuration)
	assert.Nil(t, cfg.Auth.TokenKey)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("SYNC_MODE", "local")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("WRITE_TIMEOUT", "2s")

	cfg, err := load(t, "-sync-mode", "shared-local", "add", "Title")
	require.NoError(t, err)
	assert.Equal(t, "shared-local", cfg.Sync.Mode)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 2*time.Second, cfg.Sync.WriteTimeout)
}

func TestLoad_RemainingArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	_, err := Load(fs, []string{"-data-dir", t.TempDir(), "-store", "memory", "list", "-year", "2024"})
	require.NoError(t, err)
	assert.Equal(t, []string{"list", "-year", "2024"}, fs.Args())
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	key := strings.Repeat("ab", 32)
	content := "# comment\nFRIEND_CACHE_SIZE=7\nAUTH_TOKEN_KEY=" + key + "\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("FRIEND_CACHE_SIZE")
		os.Unsetenv("AUTH_TOKEN_KEY")
	})

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := Load(fs, []string{"-data-dir", dir, "-env-file", envPath})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Friend.CacheSize)
	assert.Len(t, cfg.Auth.TokenKey, 32)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("REDIS_DB", "zero")
	_, err := load(t)
	assert.ErrorContains(t, err, "REDIS_DB")

	t.Setenv("REDIS_DB", "0")
	t.Setenv("AUTH_TOKEN_DURATION", "forever")
	_, err = load(t)
	assert.ErrorContains(t, err, "AUTH_TOKEN_DURATION")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/memos", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "memos"), got)

	got, err = expandPath("", "/default")
	require.NoError(t, err)
	assert.Equal(t, "/default", got)

	got, err = expandPath("/a/../b", "")
	require.NoError(t, err)
	assert.Equal(t, "/b", got)
}
