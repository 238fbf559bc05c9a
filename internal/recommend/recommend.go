// Package recommend sends anime recommendations between users and lets the
// recipient accept them into their list or decline them.
package recommend

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/id"
	"github.com/animemo/memosync/internal/profile"
	"github.com/animemo/memosync/internal/validation"
)

// Service manages the recommendations collection.
type Service struct {
	docs      docstore.Store
	profiles  *profile.Service
	validator *validation.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a recommendation service.
func NewService(docs docstore.Store, profiles *profile.Service, validator *validation.Validator, logger *slog.Logger) *Service {
	if validator == nil {
		validator = validation.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		docs:      docs,
		profiles:  profiles,
		validator: validator,
		logger:    logger.With("component", "recommend"),
		now:       time.Now,
	}
}

// Send recommends title to the user toUID.
func (s *Service) Send(ctx context.Context, from domain.Caller, toUID, title, reason string) (domain.Recommendation, error) {
	rec := domain.Recommendation{
		FromUID:    from.Identity,
		FromName:   from.Name,
		ToUID:      strings.TrimSpace(toUID),
		AnimeTitle: strings.TrimSpace(title),
		Reason:     strings.TrimSpace(reason),
		CreatedAt:  s.now().UTC(),
	}
	if err := s.validator.Validate(rec); err != nil {
		return domain.Recommendation{}, err
	}
	if rec.ToUID == from.Identity {
		return domain.Recommendation{}, errors.SelfReference("you can't recommend to yourself")
	}
	if _, err := s.docs.Get(ctx, domain.CollectionUsers, rec.ToUID); err != nil {
		return domain.Recommendation{}, err
	}

	recID, err := id.Generate(id.PrefixRecommendation)
	if err != nil {
		return domain.Recommendation{}, errors.Wrap(err, errors.CodeInternal, "generate recommendation id")
	}
	rec.ID = recID
	fields, err := docstore.Encode(rec)
	if err != nil {
		return domain.Recommendation{}, err
	}
	if err := docstore.Create(ctx, s.docs, domain.CollectionRecommendations, recID, fields); err != nil {
		return domain.Recommendation{}, err
	}

	s.logger.Info("recommendation sent", "identity", from.Identity, "to", rec.ToUID, "recommendation_id", recID)
	return rec, nil
}

// Inbox subscribes to uid's received recommendations, newest first. On a
// subscription error onChange receives an empty list.
func (s *Service) Inbox(ctx context.Context, uid string, onChange func([]domain.Recommendation)) (docstore.Subscription, error) {
	return s.docs.Subscribe(ctx, domain.CollectionRecommendations, docstore.Where(domain.FieldToUID, uid),
		func(docs []docstore.Document) {
			onChange(s.decode(docs))
		},
		func(err error) {
			s.logger.Error("inbox subscription failed", "identity", uid, "error", err)
			onChange([]domain.Recommendation{})
		})
}

// List returns uid's received recommendations, newest first.
func (s *Service) List(ctx context.Context, uid string) ([]domain.Recommendation, error) {
	docs, err := s.docs.QueryEqual(ctx, domain.CollectionRecommendations, domain.FieldToUID, uid)
	if err != nil {
		return nil, err
	}
	return s.decode(docs), nil
}

// Accept adds the recommended title to uid's list and removes the
// recommendation. A title already in the list yields ALREADY_EXISTS and the
// recommendation is kept.
func (s *Service) Accept(ctx context.Context, uid, recID string) (domain.MyListItem, error) {
	rec, err := s.owned(ctx, uid, recID)
	if err != nil {
		return domain.MyListItem{}, err
	}
	item, err := s.profiles.AddToMyList(ctx, uid, rec.AnimeTitle)
	if err != nil {
		return domain.MyListItem{}, err
	}
	if err := s.docs.Delete(ctx, domain.CollectionRecommendations, recID); err != nil {
		return item, err
	}
	s.logger.Info("recommendation accepted", "identity", uid, "recommendation_id", recID)
	return item, nil
}

// Decline removes the recommendation. Declining one that no longer exists
// is a no-op.
func (s *Service) Decline(ctx context.Context, uid, recID string) error {
	_, err := s.owned(ctx, uid, recID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.docs.Delete(ctx, domain.CollectionRecommendations, recID)
}

func (s *Service) owned(ctx context.Context, uid, recID string) (domain.Recommendation, error) {
	doc, err := s.docs.Get(ctx, domain.CollectionRecommendations, recID)
	if err != nil {
		return domain.Recommendation{}, err
	}
	var rec domain.Recommendation
	if err := doc.Decode(&rec); err != nil {
		return domain.Recommendation{}, errors.Wrapf(err, errors.CodeInternal, "decode recommendation %s", recID)
	}
	rec.ID = doc.ID
	if rec.ToUID != uid {
		return domain.Recommendation{}, errors.Forbidden("only the recipient can act on a recommendation")
	}
	return rec, nil
}

func (s *Service) decode(docs []docstore.Document) []domain.Recommendation {
	out := make([]domain.Recommendation, 0, len(docs))
	for _, doc := range docs {
		var rec domain.Recommendation
		if err := doc.Decode(&rec); err != nil {
			s.logger.Warn("skipping undecodable recommendation", "recommendation_id", doc.ID, "error", err)
			continue
		}
		rec.ID = doc.ID
		out = append(out, rec)
	}
	slices.SortStableFunc(out, func(a, b domain.Recommendation) int {
		return cmp.Compare(b.CreatedAt.UnixNano(), a.CreatedAt.UnixNano())
	})
	return out
}
