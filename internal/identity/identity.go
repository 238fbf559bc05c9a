// Package identity tracks who is signed in and tells interested components
// when that changes.
package identity

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/animemo/memosync/internal/errors"
)

// Identity is a signed-in account.
type Identity struct {
	ID          string `json:"sub"`
	DisplayName string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"picture,omitempty"`
}

// Provider is the capability components depend on.
type Provider interface {
	// CurrentIdentity returns the signed-in identity, or nil.
	CurrentIdentity() *Identity
	// OnAuthStateChanged calls fn with the current state immediately and then
	// after every transition, in order. A nil argument means signed out.
	OnAuthStateChanged(fn func(*Identity)) (unsubscribe func())
}

// Local is an in-process Provider driven by explicit SignIn and SignOut calls.
//
// Listeners run synchronously on the caller's goroutine, one transition at a
// time. They must not call SignIn or SignOut themselves.
type Local struct {
	logger *slog.Logger

	deliver sync.Mutex // serializes transitions and listener delivery

	mu        sync.Mutex
	current   *Identity
	listeners map[int]func(*Identity)
	nextID    int
}

var _ Provider = (*Local)(nil)

// NewLocal creates a provider in the signed-out state.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger, listeners: make(map[int]func(*Identity))}
}

func (l *Local) CurrentIdentity() *Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return clone(l.current)
}

func (l *Local) OnAuthStateChanged(fn func(*Identity)) func() {
	l.deliver.Lock()
	l.mu.Lock()
	key := l.nextID
	l.nextID++
	l.listeners[key] = fn
	current := clone(l.current)
	l.mu.Unlock()
	fn(current)
	l.deliver.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners, key)
			l.mu.Unlock()
		})
	}
}

// SignIn switches to ident. Signing in as the identity already signed in is a
// no-op; signing in as someone else is delivered as a single transition.
func (l *Local) SignIn(ident Identity) error {
	ident.ID = strings.TrimSpace(ident.ID)
	if ident.ID == "" {
		return errors.Validation("identity id is required")
	}
	l.transition(&ident)
	return nil
}

// SignOut returns to the signed-out state.
func (l *Local) SignOut() {
	l.transition(nil)
}

// SignInWithToken verifies a token and signs in as its subject.
func (l *Local) SignInWithToken(tokens *TokenService, token string) (*Identity, error) {
	ident, err := tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if err := l.SignIn(*ident); err != nil {
		return nil, err
	}
	return ident, nil
}

func (l *Local) transition(next *Identity) {
	l.deliver.Lock()
	defer l.deliver.Unlock()

	l.mu.Lock()
	if same(l.current, next) {
		l.mu.Unlock()
		return
	}
	l.current = clone(next)
	fns := make([]func(*Identity), 0, len(l.listeners))
	for key := 0; key < l.nextID; key++ {
		if fn, ok := l.listeners[key]; ok {
			fns = append(fns, fn)
		}
	}
	l.mu.Unlock()

	if next == nil {
		l.logger.Info("signed out")
	} else {
		l.logger.Info("signed in", "identity", next.ID)
	}
	for _, fn := range fns {
		fn(clone(next))
	}
}

func same(a, b *Identity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func clone(i *Identity) *Identity {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
