package di

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/do/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animemo/memosync/internal/config"
	"github.com/animemo/memosync/internal/di/providers"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/memo"
)

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		App:    config.AppConfig{Environment: "development", DataDir: dir},
		Logger: config.LoggerConfig{Level: "error"},
		Sync:   config.SyncConfig{Mode: mode, Namespace: "SavedMemos", WriteTimeout: time.Second},
		Store:  config.StoreConfig{Backend: config.BackendMemory},
		Cache:  config.CacheConfig{Path: filepath.Join(dir, "cache.db")},
		Handle: config.HandleConfig{ProbeRPS: 20, ProbeBurst: 5},
		Friend: config.FriendConfig{CacheSize: 16},
		Auth:   config.AuthConfig{TokenDuration: time.Hour},
	}
}

func TestBootstrap_Remote(t *testing.T) {
	cfg := testConfig(t, "remote")
	injector := NewContainer(cfg)
	require.NoError(t, Bootstrap(injector))

	a := do.MustInvoke[*providers.AppHandle](injector)
	assert.Equal(t, memo.ModeRemote, a.Memo.Mode())

	cache := do.MustInvoke[*providers.LocalCacheHandle](injector)
	assert.Nil(t, cache.Cache)

	// A generated key is persisted and reused.
	assert.Len(t, cfg.Auth.TokenKey, 32)
	assert.FileExists(t, filepath.Join(cfg.App.DataDir, "session.key"))

	tokens := do.MustInvoke[*identity.TokenService](injector)
	token, err := tokens.Issue(identity.Identity{ID: "u1"})
	require.NoError(t, err)
	ident, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", ident.ID)

	injector.Shutdown()
}

func TestBootstrap_LocalOpensCache(t *testing.T) {
	injector := NewContainer(testConfig(t, "local"))
	require.NoError(t, Bootstrap(injector))

	cache := do.MustInvoke[*providers.LocalCacheHandle](injector)
	assert.NotNil(t, cache.Cache)
	a := do.MustInvoke[*providers.AppHandle](injector)
	assert.Equal(t, memo.ModeLocal, a.Memo.Mode())

	injector.Shutdown()
}

func TestBootstrap_UnknownBackend(t *testing.T) {
	cfg := testConfig(t, "remote")
	cfg.Store.Backend = "mongo"
	assert.Error(t, Bootstrap(NewContainer(cfg)))
}
