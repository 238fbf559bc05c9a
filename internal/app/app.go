// Package app builds the memosync components for one process and drives
// their sign-in and sign-out lifecycle from an identity provider.
//
// An App is an explicit context object: every store handle, service, and
// background loop it needs is passed in or constructed by New, and nothing
// is reachable through package state.
package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/events"
	"github.com/animemo/memosync/internal/friend"
	"github.com/animemo/memosync/internal/handle"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/localcache"
	"github.com/animemo/memosync/internal/memo"
	"github.com/animemo/memosync/internal/profile"
	"github.com/animemo/memosync/internal/ratelimit"
	"github.com/animemo/memosync/internal/recent"
	"github.com/animemo/memosync/internal/recommend"
	"github.com/animemo/memosync/internal/validation"
)

const shutdownTimeout = 5 * time.Second

// Deps are the external collaborators of an App.
type Deps struct {
	// Docs holds profiles, handles, recommendations, and remote-mode records.
	Docs docstore.Store
	// Cache is required in the local sync modes.
	Cache    localcache.Cache
	Identity identity.Provider
	Logger   *slog.Logger
}

// Options tune the components built by New. Zero values select defaults.
type Options struct {
	Mode            memo.Mode
	Namespace       string
	WriteTimeout    time.Duration
	ProbeRPS        float64
	ProbeBurst      int
	FriendCacheSize int
}

// Session is the settled result of the latest identity transition.
type Session struct {
	// Identity is nil when signed out.
	Identity *identity.Identity
	Profile  *domain.UserProfile
	// Err is set when the profile could not be ensured.
	Err error
}

// SignedIn reports whether the session has an identity.
func (s Session) SignedIn() bool {
	return s.Identity != nil
}

// Caller returns the social-graph view of the session.
func (s Session) Caller() (domain.Caller, error) {
	if s.Identity == nil {
		return domain.Caller{}, errors.NotReady("not signed in")
	}
	if s.Err != nil || s.Profile == nil {
		return domain.Caller{}, errors.NotReady("profile is not available").WithCause(s.Err)
	}
	return domain.Caller{
		Identity: s.Identity.ID,
		Handle:   s.Profile.CustomUID,
		Name:     s.Profile.Name,
	}, nil
}

// App owns every component for one process.
type App struct {
	Memo            *memo.Engine
	Profiles        *profile.Service
	Friends         *friend.Service
	Recommendations *recommend.Service
	Recent          *recent.Publisher
	Events          *events.Manager
	Handles         *handle.Allocator

	provider    identity.Provider
	limiter     *ratelimit.KeyedRateLimiter
	logger      *slog.Logger
	unsubscribe func()
	running     atomic.Bool
	closeOnce   sync.Once

	// signal wakes the session loop after an identity transition.
	signal chan struct{}

	mu         sync.Mutex
	pending    *identity.Identity
	pendingSeq uint64
	doneSeq    uint64
	session    Session
	settled    chan struct{} // closed and replaced each time a transition settles
}

// New builds an App. The identity provider is subscribed at once, so the
// first session reflects whoever is signed in when New returns.
func New(deps Deps, opts Options) (*App, error) {
	if deps.Docs == nil {
		return nil, errors.Validation("document store is required")
	}
	if deps.Identity == nil {
		return nil, errors.Validation("identity provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if opts.ProbeRPS <= 0 {
		opts.ProbeRPS = 20
	}
	if opts.ProbeBurst <= 0 {
		opts.ProbeBurst = 5
	}
	if opts.FriendCacheSize <= 0 {
		opts.FriendCacheSize = friend.DefaultCacheSize
	}

	a := &App{
		provider: deps.Identity,
		logger:   logger.With("component", "app"),
		signal:   make(chan struct{}, 1),
		settled:  make(chan struct{}),
		Events:   events.NewManager(logger),
	}

	validator := validation.New()
	a.limiter = ratelimit.New(opts.ProbeRPS, opts.ProbeBurst)
	a.Handles = handle.NewAllocator(deps.Docs, a.limiter, logger)
	a.Profiles = profile.NewService(deps.Docs, a.Handles, validator, logger)
	a.Recommendations = recommend.NewService(deps.Docs, a.Profiles, validator, logger)
	a.Recent = recent.NewPublisher(deps.Docs, logger, recent.WithPublishedHook(func(ident string, titles []string) {
		a.Events.Emit(events.NewRecentPublishedEvent(ident, titles))
	}))

	friends, err := friend.NewService(deps.Docs, opts.FriendCacheSize, logger,
		friend.WithAsymmetricHook(func(caller domain.Caller, target friend.Match, err error) {
			a.Events.Emit(events.NewFriendAsymmetricEvent(caller.Identity, caller.Handle, target.Handle, err))
			a.Events.Failure(caller.Identity, "Friend added on your side only. Ask them to add you back.", err)
		}))
	if err != nil {
		a.limiter.Stop()
		return nil, err
	}
	a.Friends = friends

	engine, err := memo.New(memo.Options{
		Mode:         opts.Mode,
		Namespace:    opts.Namespace,
		Docs:         deps.Docs,
		Cache:        deps.Cache,
		Validator:    validator,
		Notifier:     a.Events,
		Logger:       logger,
		WriteTimeout: opts.WriteTimeout,
	})
	if err != nil {
		a.limiter.Stop()
		return nil, err
	}
	a.Memo = engine

	// Runs on the engine goroutine.
	var lastState memo.State
	engine.OnChange(func(s memo.Snapshot) {
		a.Events.Emit(events.NewCollectionChangedEvent(s.Identity, string(s.State), s.Records))
		if s.State != lastState {
			lastState = s.State
			a.Events.Emit(events.NewSyncStateEvent(s.Identity, string(s.State)))
		}
		switch s.State {
		case memo.StateSynced:
			a.Recent.CollectionChanged(s.Identity, s.Records)
		case memo.StateSignedOut:
			a.Recent.SignedOut()
		}
	})

	a.unsubscribe = deps.Identity.OnAuthStateChanged(a.authChanged)
	return a, nil
}

func (a *App) authChanged(ident *identity.Identity) {
	a.mu.Lock()
	a.pending = ident
	a.pendingSeq++
	a.mu.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

// Run starts the engine, the summary publisher, the event manager, and the
// session loop, and blocks until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.Internal("app is already running")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Memo.Run(gctx) })
	g.Go(func() error { return a.Recent.Run(gctx) })
	g.Go(func() error {
		a.Events.Start(gctx)
		return nil
	})
	g.Go(func() error { return a.runSessions(gctx) })

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := a.Events.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("event manager shutdown", "error", serr)
	}
	a.logger.Info("app stopped")
	return err
}

// runSessions applies identity transitions one at a time. Only the latest
// pending identity is applied when several arrive during one transition.
func (a *App) runSessions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.signal:
		}

		a.mu.Lock()
		ident, seq := a.pending, a.pendingSeq
		a.mu.Unlock()

		sess := a.apply(ctx, ident)
		if ctx.Err() != nil {
			return nil
		}

		a.mu.Lock()
		a.session = sess
		a.doneSeq = seq
		close(a.settled)
		a.settled = make(chan struct{})
		a.mu.Unlock()
	}
}

func (a *App) apply(ctx context.Context, ident *identity.Identity) Session {
	if ident == nil {
		if err := a.Memo.SignOut(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("sign out engine", "error", err)
		}
		a.Recent.SignedOut()
		return Session{}
	}

	if err := a.Memo.SignIn(ctx, ident.ID); err != nil {
		return Session{Identity: ident, Err: err}
	}
	p, err := a.Profiles.Ensure(ctx, *ident)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Error("ensure profile", "identity", ident.ID, "error", err)
			a.Events.Failure(ident.ID, "Couldn't load your profile.", err)
		}
		return Session{Identity: ident, Err: err}
	}
	a.Recent.SetVisibility(ident.ID, p.IsRecentAnimesPublic)
	a.logger.Info("session ready", "identity", ident.ID, "handle", p.CustomUID)
	return Session{Identity: ident, Profile: p}
}

// WaitSession blocks until the latest identity transition has been applied
// and returns the resulting session. It requires Run.
func (a *App) WaitSession(ctx context.Context) (Session, error) {
	for {
		a.mu.Lock()
		if a.doneSeq == a.pendingSeq {
			s := a.session
			a.mu.Unlock()
			return s, nil
		}
		ch := a.settled
		a.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}
}

// Caller waits for the session and returns its caller view.
func (a *App) Caller(ctx context.Context) (domain.Caller, error) {
	s, err := a.WaitSession(ctx)
	if err != nil {
		return domain.Caller{}, err
	}
	return s.Caller()
}

// Retry applies the current identity again, reloading a collection or
// profile that failed to load, and returns the resulting session.
func (a *App) Retry(ctx context.Context) (Session, error) {
	a.mu.Lock()
	ident := a.pending
	a.mu.Unlock()

	a.authChanged(ident)
	return a.WaitSession(ctx)
}

// SaveProfile writes the signed-in user's editable profile fields. The
// recent summary is derived from the synced collection so a collection that
// is still loading never replaces the published one.
func (a *App) SaveProfile(ctx context.Context, edit domain.ProfileEdit) (*domain.UserProfile, error) {
	caller, err := a.Caller(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := a.Memo.AwaitSynced(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Identity != caller.Identity {
		return nil, errors.Conflict("identity changed while saving profile")
	}

	p, err := a.Profiles.Save(ctx, caller.Identity, edit, recent.Derive(snap.Records))
	if err != nil {
		return nil, err
	}
	a.Recent.SetVisibility(caller.Identity, p.IsRecentAnimesPublic)

	a.mu.Lock()
	if a.session.Identity != nil && a.session.Identity.ID == caller.Identity {
		a.session.Profile = p
	}
	a.mu.Unlock()
	return p, nil
}

// Close releases what New acquired. Stores passed in Deps are not closed.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.unsubscribe()
		a.limiter.Stop()
	})
	return nil
}
