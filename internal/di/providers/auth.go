package providers

import (
	"github.com/samber/do/v2"

	"github.com/animemo/memosync/internal/config"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/logger"
)

// AuthKey wraps the session token key bytes.
type AuthKey []byte

// ProvideAuthKey uses the configured key, or loads or generates one in the data directory.
func ProvideAuthKey(i do.Injector) (AuthKey, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	if len(cfg.Auth.TokenKey) > 0 {
		return AuthKey(cfg.Auth.TokenKey), nil
	}

	key, err := identity.LoadOrGenerateKey(cfg.App.DataDir)
	if err != nil {
		return nil, err
	}

	// Update config with the loaded key
	cfg.Auth.TokenKey = key

	log.Debug("session key loaded", "token_duration", cfg.Auth.TokenDuration)
	return AuthKey(key), nil
}

// ProvideTokenService provides the PASETO session token service.
func ProvideTokenService(i do.Injector) (*identity.TokenService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	key := do.MustInvoke[AuthKey](i)

	return identity.NewTokenService([]byte(key), cfg.Auth.TokenDuration)
}

// ProvideIdentity provides the in-process identity provider, signed out.
func ProvideIdentity(i do.Injector) (*identity.Local, error) {
	log := do.MustInvoke[*logger.Logger](i)
	return identity.NewLocal(log.Component("identity")), nil
}
