package providers

import (
	"github.com/samber/do/v2"

	"github.com/animemo/memosync/internal/app"
	"github.com/animemo/memosync/internal/config"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/logger"
	"github.com/animemo/memosync/internal/memo"
)

// AppHandle wraps the app with shutdown capability.
type AppHandle struct {
	*app.App
}

// Shutdown implements do.Shutdownable.
func (h *AppHandle) Shutdown() error {
	return h.Close()
}

// ProvideApp builds the app from the configured stores and identity provider.
func ProvideApp(i do.Injector) (*AppHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	docs := do.MustInvoke[*DocStoreHandle](i)
	cache := do.MustInvoke[*LocalCacheHandle](i)
	provider := do.MustInvoke[*identity.Local](i)

	mode, err := memo.ParseMode(cfg.Sync.Mode)
	if err != nil {
		return nil, err
	}

	a, err := app.New(app.Deps{
		Docs:     docs.Store,
		Cache:    cache.Cache,
		Identity: provider,
		Logger:   log.Logger,
	}, app.Options{
		Mode:            mode,
		Namespace:       cfg.Sync.Namespace,
		WriteTimeout:    cfg.Sync.WriteTimeout,
		ProbeRPS:        cfg.Handle.ProbeRPS,
		ProbeBurst:      cfg.Handle.ProbeBurst,
		FriendCacheSize: cfg.Friend.CacheSize,
	})
	if err != nil {
		return nil, err
	}
	return &AppHandle{App: a}, nil
}
