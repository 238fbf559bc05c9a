package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"aidanwoods.dev/go-paseto"

	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/id"
)

const (
	tokenIssuer   = "memosync"
	tokenAudience = "memosync-client"
)

// TokenService issues and verifies PASETO v4.local session tokens that carry
// an Identity.
type TokenService struct {
	symmetricKey paseto.V4SymmetricKey
	ttl          time.Duration
	now          func() time.Time
}

// NewTokenService creates a token service from a 32-byte key.
func NewTokenService(key []byte, ttl time.Duration) (*TokenService, error) {
	if len(key) != keyLength {
		return nil, fmt.Errorf("PASETO v4 key must be exactly %d bytes, got %d", keyLength, len(key))
	}
	symmetricKey, err := paseto.V4SymmetricKeyFromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create PASETO symmetric key: %w", err)
	}
	return &TokenService{symmetricKey: symmetricKey, ttl: ttl, now: time.Now}, nil
}

// Issue creates a token for ident.
func (s *TokenService) Issue(ident Identity) (string, error) {
	if ident.ID == "" {
		return "", errors.Validation("identity id is required")
	}
	now := s.now()

	token := paseto.NewToken()
	token.SetIssuer(tokenIssuer)
	token.SetSubject(ident.ID)
	token.SetAudience(tokenAudience)
	token.SetIssuedAt(now)
	token.SetNotBefore(now)
	token.SetExpiration(now.Add(s.ttl))

	tokenID, err := id.Generate("tok")
	if err != nil {
		return "", fmt.Errorf("generate token ID: %w", err)
	}
	token.SetJti(tokenID)

	//nolint:errcheck // Token.Set only errors on invalid types, which we control
	_ = token.Set("name", ident.DisplayName)
	//nolint:errcheck // Token.Set only errors on invalid types, which we control
	_ = token.Set("email", ident.Email)
	//nolint:errcheck // Token.Set only errors on invalid types, which we control
	_ = token.Set("picture", ident.PhotoURL)

	return token.V4Encrypt(s.symmetricKey, nil), nil
}

// Verify decrypts a token and returns its identity.
// Tampered, foreign, and expired tokens are UNAUTHORIZED.
func (s *TokenService) Verify(tokenString string) (*Identity, error) {
	parser := paseto.NewParserWithoutExpiryCheck()
	parser.AddRule(paseto.ForAudience(tokenAudience))
	parser.AddRule(paseto.IssuedBy(tokenIssuer))
	parser.AddRule(paseto.ValidAt(s.now()))

	token, err := parser.ParseV4Local(s.symmetricKey, tokenString, nil)
	if err != nil {
		return nil, errors.Unauthorized("invalid session token").WithCause(err)
	}

	var ident Identity
	if err := json.Unmarshal(token.ClaimsJSON(), &ident); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	if ident.ID == "" {
		return nil, errors.Unauthorized("session token has no subject")
	}
	return &ident, nil
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}
