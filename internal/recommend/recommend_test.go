package recommend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/docstore/memstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/handle"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/profile"
)

type fixture struct {
	store    *docstore.FailingStore
	profiles *profile.Service
	svc      *Service
	alice    domain.Caller
	bob      domain.Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := docstore.NewFailingStore(memstore.New(nil))
	profiles := profile.NewService(fs, handle.NewAllocator(fs, nil, nil), nil, nil)
	ctx := context.Background()

	f := &fixture{store: fs, profiles: profiles, svc: NewService(fs, profiles, nil, nil)}
	for _, who := range []struct {
		caller *domain.Caller
		ident  identity.Identity
	}{
		{&f.alice, identity.Identity{ID: "uid-alice", DisplayName: "Alice"}},
		{&f.bob, identity.Identity{ID: "uid-bob", DisplayName: "Bob"}},
	} {
		p, err := profiles.Ensure(ctx, who.ident)
		require.NoError(t, err)
		*who.caller = domain.Caller{Identity: p.UID, Handle: p.CustomUID, Name: p.Name}
	}
	return f
}

func TestSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Send(ctx, f.alice, f.bob.Identity, " Mushishi ", "calm")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "Mushishi", rec.AnimeTitle)
	assert.Equal(t, "Alice", rec.FromName)

	doc, err := f.store.Get(ctx, domain.CollectionRecommendations, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, f.bob.Identity, doc.Fields["toUID"])
	assert.Equal(t, f.alice.Identity, doc.Fields["fromUID"])
	assert.Equal(t, "Mushishi", doc.Fields["animeTitle"])

	t.Run("validation", func(t *testing.T) {
		_, err := f.svc.Send(ctx, f.alice, f.bob.Identity, "  ", "")
		assert.ErrorIs(t, err, errors.ErrValidation)
		_, err = f.svc.Send(ctx, f.alice, "", "A", "")
		assert.ErrorIs(t, err, errors.ErrValidation)
	})

	t.Run("self", func(t *testing.T) {
		_, err := f.svc.Send(ctx, f.alice, f.alice.Identity, "A", "")
		assert.ErrorIs(t, err, errors.ErrSelfReference)
	})

	t.Run("unknown recipient", func(t *testing.T) {
		_, err := f.svc.Send(ctx, f.alice, "uid-nobody", "A", "")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})
}

func TestListNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, title := range []string{"Old", "Newest", "Middle"} {
		offsets := []time.Duration{0, 2 * time.Hour, time.Hour}
		f.svc.now = func() time.Time { return base.Add(offsets[i]) }
		_, err := f.svc.Send(ctx, f.alice, f.bob.Identity, title, "")
		require.NoError(t, err)
	}

	recs, err := f.svc.List(ctx, f.bob.Identity)
	require.NoError(t, err)
	titles := []string{}
	for _, r := range recs {
		titles = append(titles, r.AnimeTitle)
	}
	assert.Equal(t, []string{"Newest", "Middle", "Old"}, titles)

	recs, err = f.svc.List(ctx, f.alice.Identity)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Send(ctx, f.alice, f.bob.Identity, "Mushishi", "")
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, f.alice.Identity, rec.ID)
	assert.ErrorIs(t, err, errors.ErrForbidden)

	item, err := f.svc.Accept(ctx, f.bob.Identity, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mushishi", item.Title)

	p, err := f.profiles.Get(ctx, f.bob.Identity)
	require.NoError(t, err)
	require.Len(t, p.MyList, 1)

	_, err = f.store.Get(ctx, domain.CollectionRecommendations, rec.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = f.svc.Accept(ctx, f.bob.Identity, rec.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestAccept_DuplicateKeepsRecommendation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.profiles.AddToMyList(ctx, f.bob.Identity, "mushishi")
	require.NoError(t, err)
	rec, err := f.svc.Send(ctx, f.alice, f.bob.Identity, "Mushishi", "")
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, f.bob.Identity, rec.ID)
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)

	_, err = f.store.Get(ctx, domain.CollectionRecommendations, rec.ID)
	assert.NoError(t, err, "recommendation is kept")
}

func TestDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.Send(ctx, f.alice, f.bob.Identity, "Mushishi", "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Decline(ctx, f.alice.Identity, rec.ID), errors.ErrForbidden)
	require.NoError(t, f.svc.Decline(ctx, f.bob.Identity, rec.ID))
	require.NoError(t, f.svc.Decline(ctx, f.bob.Identity, rec.ID), "decline is idempotent")

	p, err := f.profiles.Get(ctx, f.bob.Identity)
	require.NoError(t, err)
	assert.Empty(t, p.MyList)
}

func TestInbox(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var latest []domain.Recommendation
	deliveries := 0
	sub, err := f.svc.Inbox(ctx, f.bob.Identity, func(recs []domain.Recommendation) {
		mu.Lock()
		defer mu.Unlock()
		latest = recs
		deliveries++
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snapshot := func() (int, []domain.Recommendation) {
		mu.Lock()
		defer mu.Unlock()
		return deliveries, latest
	}
	require.Eventually(t, func() bool { n, _ := snapshot(); return n >= 1 }, 2*time.Second, 5*time.Millisecond)

	rec, err := f.svc.Send(context.Background(), f.alice, f.bob.Identity, "Mushishi", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, recs := snapshot()
		return len(recs) == 1 && recs[0].ID == rec.ID
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Decline(context.Background(), f.bob.Identity, rec.ID))
	require.Eventually(t, func() bool {
		_, recs := snapshot()
		return len(recs) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInbox_SubscribeFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext(docstore.OpSubscribe, "", 1)

	_, err := f.svc.Inbox(context.Background(), f.bob.Identity, func([]domain.Recommendation) {})
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
}
