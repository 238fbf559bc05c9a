// Package di provides dependency injection configuration for memosync.
package di

import (
	"github.com/samber/do/v2"

	"github.com/animemo/memosync/internal/config"
	"github.com/animemo/memosync/internal/di/providers"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/logger"
)

// NewContainer creates and configures the DI container for cfg.
func NewContainer(cfg *config.Config) *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.ProvideValue(injector, cfg)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideSlogLogger)

	// Storage layer
	do.Provide(injector, providers.ProvideDocStore)
	do.Provide(injector, providers.ProvideLocalCache)

	// Auth layer
	do.Provide(injector, providers.ProvideAuthKey)
	do.Provide(injector, providers.ProvideTokenService)
	do.Provide(injector, providers.ProvideIdentity)

	// App
	do.Provide(injector, providers.ProvideApp)

	return injector
}

// Bootstrap initializes all services and returns the first construction error.
func Bootstrap(injector *do.RootScope) error {
	if _, err := do.Invoke[*logger.Logger](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.DocStoreHandle](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.LocalCacheHandle](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*identity.TokenService](injector); err != nil {
		return err
	}
	if _, err := do.Invoke[*providers.AppHandle](injector); err != nil {
		return err
	}
	return nil
}
