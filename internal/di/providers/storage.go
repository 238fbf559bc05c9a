package providers

import (
	"context"
	"fmt"

	"github.com/samber/do/v2"

	"github.com/animemo/memosync/internal/config"
	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/docstore/badgerstore"
	"github.com/animemo/memosync/internal/docstore/memstore"
	"github.com/animemo/memosync/internal/docstore/redisstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/localcache"
	"github.com/animemo/memosync/internal/logger"
	"github.com/animemo/memosync/internal/memo"
)

// DocStoreHandle wraps the document store with shutdown capability.
type DocStoreHandle struct {
	docstore.Store
	Backend string
}

// Shutdown implements do.Shutdownable.
func (h *DocStoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideDocStore opens the configured document store backend.
func ProvideDocStore(i do.Injector) (*DocStoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	var (
		store docstore.Store
		err   error
	)
	switch cfg.Store.Backend {
	case config.BackendMemory:
		store = memstore.New(log.Logger)
	case config.BackendBadger:
		store, err = badgerstore.Open(badgerstore.Options{Path: cfg.Store.BadgerPath}, log.Logger)
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		store, err = redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Indexes:  []string{domain.FieldOwnerID, domain.FieldCustomUID, domain.FieldToUID},
		}, log.Logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}

	log.Debug("document store ready", "backend", cfg.Store.Backend)
	return &DocStoreHandle{Store: store, Backend: cfg.Store.Backend}, nil
}

// LocalCacheHandle wraps the local cache. Cache is nil in remote mode.
type LocalCacheHandle struct {
	Cache localcache.Cache
}

// Shutdown implements do.Shutdownable.
func (h *LocalCacheHandle) Shutdown() error {
	if h.Cache == nil {
		return nil
	}
	return h.Cache.Close()
}

// ProvideLocalCache opens the SQLite cache for the local sync modes.
func ProvideLocalCache(i do.Injector) (*LocalCacheHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	mode, err := memo.ParseMode(cfg.Sync.Mode)
	if err != nil {
		return nil, err
	}
	if !mode.Local() {
		return &LocalCacheHandle{}, nil
	}

	cache, err := localcache.OpenSQLite(cfg.Cache.Path, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}
	log.Debug("local cache ready", "path", cfg.Cache.Path)
	return &LocalCacheHandle{Cache: cache}, nil
}
