// Package handle allocates the 9-digit public handles ("customUIDs") that
// users share with friends, and binds each one permanently to its owner.
//
// Allocation is a pure read probe against the shared registry. Uniqueness is
// settled by Claim, which creates the registry entry only if the handle is
// still free and then re-reads it to confirm the binding.
package handle

import (
	"context"
	"log/slog"
	"time"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/id"
	"github.com/animemo/memosync/internal/ratelimit"
)

// Generator draws a handle candidate.
type Generator func() (string, error)

// Allocator probes and claims handles in the customUIDs registry.
type Allocator struct {
	docs     docstore.Store
	limiter  *ratelimit.KeyedRateLimiter
	generate Generator
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithGenerator overrides the candidate source.
func WithGenerator(g Generator) Option {
	return func(a *Allocator) { a.generate = g }
}

// WithClock overrides the time source used for claim timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// NewAllocator creates an allocator. limiter may be nil for unthrottled probing.
func NewAllocator(docs docstore.Store, limiter *ratelimit.KeyedRateLimiter, logger *slog.Logger, opts ...Option) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allocator{
		docs:     docs,
		limiter:  limiter,
		generate: id.NewHandle,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns a handle the registry has no entry for. It retries until
// it finds one or ctx ends, and writes nothing. owner only attributes probes
// for rate limiting.
func (a *Allocator) Allocate(ctx context.Context, owner string) (string, error) {
	for attempt := 1; ; attempt++ {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx, owner); err != nil {
				return "", errors.StoreUnavailable(err, "handle allocation cancelled")
			}
		}

		candidate, err := a.generate()
		if err != nil {
			return "", errors.Wrap(err, errors.CodeInternal, "generate handle candidate")
		}

		_, err = a.docs.Get(ctx, domain.CollectionHandles, candidate)
		if errors.Is(err, errors.ErrNotFound) {
			if attempt > 1 {
				a.logger.Debug("handle found after retries", "handle", candidate, "attempts", attempt)
			}
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		a.logger.Debug("handle taken, probing again", "handle", candidate, "attempt", attempt)
	}
}

// Claim binds handle to owner. Claiming a handle the owner already holds
// succeeds. A handle bound to someone else yields CONFLICT.
func (a *Allocator) Claim(ctx context.Context, handle, owner string) error {
	if !id.IsHandle(handle) {
		return errors.Validationf("%q is not a valid handle", handle)
	}
	if owner == "" {
		return errors.Validation("owner is required")
	}

	fields, err := docstore.Encode(domain.HandleClaim{AuthUID: owner, CreatedAt: a.now().UTC()})
	if err != nil {
		return err
	}

	err = docstore.Create(ctx, a.docs, domain.CollectionHandles, handle, fields)
	if err != nil && !errors.Is(err, errors.ErrAlreadyExists) {
		return err
	}

	// Re-read: the create fallback can race, and an existing entry may be ours.
	holder, err := a.Owner(ctx, handle)
	if err != nil {
		return err
	}
	if holder != owner {
		return errors.Conflictf("handle %s is already taken", handle)
	}
	a.logger.Info("handle claimed", "handle", handle, "identity", owner)
	return nil
}

// AllocateAndClaim allocates and claims a handle, probing again whenever a
// concurrent session wins the claim.
func (a *Allocator) AllocateAndClaim(ctx context.Context, owner string) (string, error) {
	for {
		handle, err := a.Allocate(ctx, owner)
		if err != nil {
			return "", err
		}
		err = a.Claim(ctx, handle, owner)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, errors.ErrConflict) {
			return "", err
		}
		a.logger.Debug("lost handle claim race", "handle", handle, "identity", owner)
	}
}

// Owner returns the identity a handle is bound to.
func (a *Allocator) Owner(ctx context.Context, handle string) (string, error) {
	doc, err := a.docs.Get(ctx, domain.CollectionHandles, handle)
	if err != nil {
		return "", err
	}
	var claim domain.HandleClaim
	if err := doc.Decode(&claim); err != nil {
		return "", err
	}
	return claim.AuthUID, nil
}
