// Package providers contains dependency injection providers for memosync.
package providers

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/animemo/memosync/internal/config"
	"github.com/animemo/memosync/internal/logger"
)

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		AddSource:   cfg.Logger.Level == "debug",
		Environment: cfg.App.Environment,
	})

	log.Debug("starting memosync",
		"environment", cfg.App.Environment,
		"log_level", cfg.Logger.Level,
		"sync_mode", cfg.Sync.Mode,
		"store_backend", cfg.Store.Backend,
		"data_dir", cfg.App.DataDir,
	)

	return log, nil
}

// ProvideSlogLogger provides access to the underlying slog.Logger for packages that need it.
func ProvideSlogLogger(i do.Injector) (*slog.Logger, error) {
	log := do.MustInvoke[*logger.Logger](i)
	return log.Logger, nil
}
