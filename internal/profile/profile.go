// Package profile manages user profile documents: lazy creation with a
// claimed handle, public projection, settings, and the plan-to-watch list.
package profile

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/handle"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/validation"
)

// Service reads and writes profiles.
type Service struct {
	docs      docstore.Store
	handles   *handle.Allocator
	validator *validation.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a profile service.
func NewService(docs docstore.Store, handles *handle.Allocator, validator *validation.Validator, logger *slog.Logger, opts ...Option) *Service {
	if validator == nil {
		validator = validation.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		docs:      docs,
		handles:   handles,
		validator: validator,
		logger:    logger.With("component", "profile"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ensure returns ident's profile, creating it on first access. A new profile
// always gets a freshly claimed handle; an existing one without a handle has
// one claimed and filled in.
func (s *Service) Ensure(ctx context.Context, ident identity.Identity) (*domain.UserProfile, error) {
	if ident.ID == "" {
		return nil, errors.Validation("identity is required")
	}

	p, err := s.Get(ctx, ident.ID)
	switch {
	case err == nil:
		if p.CustomUID != "" {
			return p, nil
		}
		return s.backfillHandle(ctx, p)
	case !errors.Is(err, errors.ErrNotFound):
		return nil, err
	}

	h, err := s.handles.AllocateAndClaim(ctx, ident.ID)
	if err != nil {
		return nil, err
	}
	p = domain.NewUserProfile(ident.ID, ident.DisplayName, ident.Email, ident.PhotoURL, h, s.now().UTC())
	fields, err := docstore.Encode(p)
	if err != nil {
		return nil, err
	}

	err = docstore.Create(ctx, s.docs, domain.CollectionUsers, ident.ID, fields)
	if errors.Is(err, errors.ErrAlreadyExists) {
		// Another session created it first. Our claimed handle stays bound to
		// this identity but unused.
		s.logger.Warn("profile created concurrently", "identity", ident.ID, "handle", h)
		existing, err := s.Get(ctx, ident.ID)
		if err != nil {
			return nil, err
		}
		if existing.CustomUID == "" {
			return s.setHandle(ctx, existing, h)
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("profile created", "identity", ident.ID, "handle", h)
	return p, nil
}

func (s *Service) backfillHandle(ctx context.Context, p *domain.UserProfile) (*domain.UserProfile, error) {
	h, err := s.handles.AllocateAndClaim(ctx, p.UID)
	if err != nil {
		return nil, err
	}
	return s.setHandle(ctx, p, h)
}

func (s *Service) setHandle(ctx context.Context, p *domain.UserProfile, h string) (*domain.UserProfile, error) {
	if err := s.docs.Merge(ctx, domain.CollectionUsers, p.UID, docstore.Fields{domain.FieldCustomUID: h}); err != nil {
		return nil, err
	}
	s.logger.Info("handle assigned to existing profile", "identity", p.UID, "handle", h)
	p.CustomUID = h
	return p, nil
}

// Get returns the full profile of uid.
func (s *Service) Get(ctx context.Context, uid string) (*domain.UserProfile, error) {
	if uid == "" {
		return nil, errors.Validation("identity is required")
	}
	doc, err := s.docs.Get(ctx, domain.CollectionUsers, uid)
	if err != nil {
		return nil, err
	}
	var p domain.UserProfile
	if err := doc.Decode(&p); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "decode profile %s", uid)
	}
	if p.UID == "" {
		p.UID = doc.ID
	}
	if p.RecentAnimes == nil {
		p.RecentAnimes = []string{}
	}
	if p.Friends == nil {
		p.Friends = []string{}
	}
	if p.MyList == nil {
		p.MyList = []domain.MyListItem{}
	}
	return &p, nil
}

// Public returns what others may see of uid's profile.
func (s *Service) Public(ctx context.Context, uid string) (domain.PublicProfile, error) {
	p, err := s.Get(ctx, uid)
	if err != nil {
		return domain.PublicProfile{}, err
	}
	return p.Public(), nil
}

// Save writes the editable fields of uid's profile. recentAnimes is set to
// derived when the edit makes it public and emptied otherwise.
func (s *Service) Save(ctx context.Context, uid string, edit domain.ProfileEdit, derived []string) (*domain.UserProfile, error) {
	edit.Name = strings.TrimSpace(edit.Name)
	edit.PhotoURL = strings.TrimSpace(edit.PhotoURL)
	if err := s.validator.Validate(edit); err != nil {
		return nil, err
	}

	recent := []string{}
	if edit.IsRecentAnimesPublic {
		recent = append(recent, derived...)
	}
	fields, err := docstore.Encode(edit)
	if err != nil {
		return nil, err
	}
	fields[domain.FieldRecentAnimes] = recent

	if err := s.docs.Merge(ctx, domain.CollectionUsers, uid, fields); err != nil {
		return nil, err
	}
	s.logger.Info("profile saved", "identity", uid)
	return s.Get(ctx, uid)
}

// AddToMyList appends title to uid's plan-to-watch list. Titles already in
// the list, ignoring case, are rejected with ALREADY_EXISTS.
func (s *Service) AddToMyList(ctx context.Context, uid, title string) (domain.MyListItem, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.MyListItem{}, errors.Validation("title is required")
	}
	p, err := s.Get(ctx, uid)
	if err != nil {
		return domain.MyListItem{}, err
	}
	if InMyList(p, title) {
		return domain.MyListItem{}, errors.AlreadyExistsf("%q is already in your list", title)
	}

	item := domain.MyListItem{Title: title, AddedAt: s.now().UTC()}
	list := append(slices.Clone(p.MyList), item)
	if err := s.docs.Merge(ctx, domain.CollectionUsers, uid, docstore.Fields{domain.FieldMyList: list}); err != nil {
		return domain.MyListItem{}, err
	}
	return item, nil
}

// RemoveFromMyList deletes the entry at index.
func (s *Service) RemoveFromMyList(ctx context.Context, uid string, index int) error {
	p, err := s.Get(ctx, uid)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(p.MyList) {
		return errors.NotFoundf("no list entry at position %d", index)
	}
	list := slices.Delete(slices.Clone(p.MyList), index, index+1)
	return s.docs.Merge(ctx, domain.CollectionUsers, uid, docstore.Fields{domain.FieldMyList: list})
}

// InMyList reports whether title is in p's list, ignoring case.
func InMyList(p *domain.UserProfile, title string) bool {
	fold := cases.Fold()
	want := fold.String(strings.TrimSpace(title))
	for _, item := range p.MyList {
		if fold.String(strings.TrimSpace(item.Title)) == want {
			return true
		}
	}
	return false
}
