// Package friend manages the symmetric friend graph stored in each profile's
// friends set.
//
// Befriending is a two-step saga with no cross-document transaction: the
// target's handle is added to the caller's set, then the caller's handle to
// the target's. When the second step fails the friendship is left one-sided;
// AddFriend reports it as a PARTIAL_WRITE and signals the inconsistency
// instead of masking it. Nothing repairs it automatically.
package friend

import (
	"context"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/id"
)

// DefaultCacheSize is the default number of handle bindings kept in memory.
const DefaultCacheSize = 1024

// Match is a successful search result, required by AddFriend.
type Match struct {
	Identity string
	Handle   string
	Profile  domain.PublicProfile
}

// Friendship is the outcome of AddFriend.
type Friendship struct {
	From string // caller handle
	To   string // target handle
	// Asymmetric is set when only the caller's side was written.
	Asymmetric bool
}

// Friend is a resolved entry of a friends set.
type Friend struct {
	Identity string `json:"identity"`
	Handle   string `json:"handle"`
	Name     string `json:"name"`
}

// AsymmetricFunc observes a friendship left one-sided.
type AsymmetricFunc func(caller domain.Caller, target Match, err error)

// Option configures a Service.
type Option func(*Service)

// WithAsymmetricHook registers fn to run when a saga stops after step one.
func WithAsymmetricHook(fn AsymmetricFunc) Option {
	return func(s *Service) { s.onAsymmetric = fn }
}

// Service performs friend searches and edits.
type Service struct {
	docs   docstore.Store
	logger *slog.Logger

	// owners caches handle -> identity. Handle bindings never change.
	owners *lru.Cache[string, string]
	lookup singleflight.Group

	onAsymmetric AsymmetricFunc
}

// NewService creates a friend service. cacheSize <= 0 uses DefaultCacheSize.
func NewService(docs docstore.Store, cacheSize int, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	owners, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "create handle cache")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		docs:   docs,
		logger: logger.With("component", "friend"),
		owners: owners,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Search looks up a profile by handle or identity. Searching for yourself
// fails with SELF_REFERENCE before any store access.
func (s *Service) Search(ctx context.Context, caller domain.Caller, query string) (Match, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Match{}, errors.Validation("search query is required")
	}
	if q == caller.Identity || (caller.Handle != "" && q == caller.Handle) {
		return Match{}, errors.SelfReference("you can't search for yourself")
	}

	ident := q
	if id.IsHandle(q) {
		owner, err := s.Resolve(ctx, q)
		if err != nil {
			return Match{}, err
		}
		ident = owner
	}
	if ident == caller.Identity {
		return Match{}, errors.SelfReference("you can't search for yourself")
	}

	p, err := s.profile(ctx, ident)
	if err != nil {
		return Match{}, err
	}
	return Match{Identity: p.UID, Handle: p.CustomUID, Profile: p.Public()}, nil
}

// Resolve returns the identity that owns handle.
func (s *Service) Resolve(ctx context.Context, handle string) (string, error) {
	if owner, ok := s.owners.Get(handle); ok {
		return owner, nil
	}

	v, err, _ := s.lookup.Do(handle, func() (any, error) {
		docs, err := s.docs.QueryEqual(ctx, domain.CollectionUsers, domain.FieldCustomUID, handle)
		if err != nil {
			return "", err
		}
		if len(docs) == 0 {
			return "", errors.NotFoundf("no user with handle %s", handle)
		}
		if len(docs) > 1 {
			s.logger.Warn("handle bound to several profiles", "handle", handle, "profiles", len(docs))
		}
		owner := docs[0].ID
		s.owners.Add(handle, owner)
		return owner, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// AddFriend records a mutual friendship between caller and target. Adding an
// existing friend is a no-op. If the second write fails the returned
// Friendship is Asymmetric and the error is PARTIAL_WRITE.
func (s *Service) AddFriend(ctx context.Context, caller domain.Caller, target Match) (Friendship, error) {
	if caller.Identity == "" || caller.Handle == "" {
		return Friendship{}, errors.Validation("caller needs an identity and a handle")
	}
	if target.Identity == "" || target.Handle == "" {
		return Friendship{}, errors.Validation("target must come from a successful search")
	}
	if target.Identity == caller.Identity || target.Handle == caller.Handle {
		return Friendship{}, errors.SelfReference("you can't befriend yourself")
	}

	f := Friendship{From: caller.Handle, To: target.Handle}

	err := docstore.Union(ctx, s.docs, domain.CollectionUsers, caller.Identity, domain.FieldFriends, target.Handle)
	if err != nil {
		return Friendship{}, err
	}

	err = docstore.Union(ctx, s.docs, domain.CollectionUsers, target.Identity, domain.FieldFriends, caller.Handle)
	if err != nil {
		f.Asymmetric = true
		s.logger.Warn("friendship left asymmetric",
			"identity", caller.Identity,
			"handle", caller.Handle,
			"target_identity", target.Identity,
			"target_handle", target.Handle,
			"error", err,
		)
		if s.onAsymmetric != nil {
			s.onAsymmetric(caller, target, err)
		}
		return f, errors.PartialWrite(err, "friend added on your side only", map[string]string{
			"from": caller.Handle,
			"to":   target.Handle,
		})
	}

	s.logger.Info("friendship added", "identity", caller.Identity, "target_handle", target.Handle)
	return f, nil
}

// Friends resolves the caller's friends set. Blank entries are dropped and
// handles that no longer resolve are skipped.
func (s *Service) Friends(ctx context.Context, caller domain.Caller) ([]Friend, error) {
	p, err := s.profile(ctx, caller.Identity)
	if err != nil {
		return nil, err
	}

	out := make([]Friend, 0, len(p.Friends))
	seen := make(map[string]bool, len(p.Friends))
	for _, raw := range p.Friends {
		h := strings.TrimSpace(raw)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true

		owner, err := s.Resolve(ctx, h)
		if errors.Is(err, errors.ErrNotFound) {
			s.logger.Warn("skipping unresolvable friend", "identity", caller.Identity, "handle", h)
			continue
		}
		if err != nil {
			return nil, err
		}

		friend := Friend{Identity: owner, Handle: h}
		fp, err := s.profile(ctx, owner)
		switch {
		case err == nil:
			friend.Name = fp.Name
		case errors.Is(err, errors.ErrNotFound):
			s.logger.Warn("friend handle has no profile", "identity", caller.Identity, "handle", h)
		default:
			return nil, err
		}
		out = append(out, friend)
	}
	return out, nil
}

func (s *Service) profile(ctx context.Context, ident string) (*domain.UserProfile, error) {
	doc, err := s.docs.Get(ctx, domain.CollectionUsers, ident)
	if err != nil {
		return nil, err
	}
	var p domain.UserProfile
	if err := doc.Decode(&p); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "decode profile %s", ident)
	}
	if p.UID == "" {
		p.UID = doc.ID
	}
	return &p, nil
}
