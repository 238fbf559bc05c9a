package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/docstore/memstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/events"
	"github.com/animemo/memosync/internal/identity"
	"github.com/animemo/memosync/internal/memo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = identity.Identity{ID: "alice", DisplayName: "Alice"}
	bob   = identity.Identity{ID: "bob", DisplayName: "Bob"}
)

type fixture struct {
	app      *App
	provider *identity.Local
	docs     docstore.Store
}

func start(t *testing.T, docs docstore.Store) *fixture {
	t.Helper()
	provider := identity.NewLocal(nil)
	a, err := New(Deps{Docs: docs, Identity: provider}, Options{Mode: memo.ModeRemote})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, a.Close())
		require.NoError(t, docs.Close())
	})
	return &fixture{app: a, provider: provider, docs: docs}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (f *fixture) signIn(t *testing.T, ident identity.Identity) Session {
	t.Helper()
	require.NoError(t, f.provider.SignIn(ident))
	s, err := f.app.WaitSession(ctxT(t))
	require.NoError(t, err)
	require.True(t, s.SignedIn())
	require.Equal(t, ident.ID, s.Identity.ID)
	return s
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{Identity: identity.NewLocal(nil)}, Options{})
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = New(Deps{Docs: memstore.New(nil)}, Options{})
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = New(Deps{Docs: memstore.New(nil), Identity: identity.NewLocal(nil)}, Options{Mode: memo.ModeLocal})
	assert.ErrorIs(t, err, errors.ErrValidation, "local mode without a cache")
}

func TestSession_StartsSignedOut(t *testing.T) {
	f := start(t, memstore.New(nil))

	s, err := f.app.WaitSession(ctxT(t))
	require.NoError(t, err)
	assert.False(t, s.SignedIn())

	_, err = f.app.Caller(ctxT(t))
	assert.ErrorIs(t, err, errors.ErrNotReady)
}

func TestSession_SignInEnsuresProfile(t *testing.T) {
	f := start(t, memstore.New(nil))
	s := f.signIn(t, alice)

	require.NotNil(t, s.Profile)
	assert.Equal(t, "Alice", s.Profile.Name)
	assert.NotEmpty(t, s.Profile.CustomUID)

	caller, err := s.Caller()
	require.NoError(t, err)
	assert.Equal(t, domain.Caller{Identity: "alice", Handle: s.Profile.CustomUID, Name: "Alice"}, caller)

	owner, err := f.app.Handles.Owner(ctxT(t), s.Profile.CustomUID)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
}

func TestSession_BroadcastsCollectionChanges(t *testing.T) {
	f := start(t, memstore.New(nil))
	client, err := f.app.Events.Connect("alice")
	require.NoError(t, err)

	f.signIn(t, alice)
	_, err = f.app.Memo.Add(ctxT(t), domain.WatchInput{Title: "Frieren"})
	require.NoError(t, err)

	var sawSynced, sawRecord, sawAck bool
	deadline := time.After(3 * time.Second)
	for !(sawSynced && sawRecord && sawAck) {
		select {
		case e := <-client.EventChan:
			switch e.Type {
			case events.EventSyncState:
				if e.Data.(events.SyncStateData).State == string(memo.StateSynced) {
					sawSynced = true
				}
			case events.EventCollectionChanged:
				for _, r := range e.Data.(events.CollectionChangedData).Records {
					if r.Title == "Frieren" {
						sawRecord = true
					}
				}
			case events.EventNoticeAck:
				sawAck = true
			}
		case <-deadline:
			t.Fatalf("synced=%v record=%v ack=%v", sawSynced, sawRecord, sawAck)
		}
	}
}

func TestSession_PublishesRecentWhenPublic(t *testing.T) {
	f := start(t, memstore.New(nil))
	f.signIn(t, alice)
	ctx := ctxT(t)

	day := func(d int) time.Time { return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC) }
	_, err := f.app.Memo.Add(ctx, domain.WatchInput{Title: "A", Date: day(1)})
	require.NoError(t, err)

	p, err := f.app.SaveProfile(ctx, domain.ProfileEdit{Name: "Alice", IsRecentAnimesPublic: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, p.RecentAnimes)

	_, err = f.app.Memo.Add(ctx, domain.WatchInput{Title: "B", Date: day(2)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.app.Profiles.Get(ctx, "alice")
		return err == nil && assert.ObjectsAreEqual([]string{"B", "A"}, got.RecentAnimes)
	}, 3*time.Second, 10*time.Millisecond)

	_, err = f.app.SaveProfile(ctx, domain.ProfileEdit{Name: "Alice", IsRecentAnimesPublic: false})
	require.NoError(t, err)
	got, err := f.app.Profiles.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, got.RecentAnimes)
}

func TestSession_FailedLoadKeepsPublishedRecent(t *testing.T) {
	docs := docstore.NewFailingStore(memstore.New(nil))
	f := start(t, docs)
	ctx := ctxT(t)

	f.signIn(t, bob)
	_, err := f.app.Memo.Add(ctx, domain.WatchInput{Title: "X"})
	require.NoError(t, err)
	require.NoError(t, f.app.Memo.Flush(ctx))
	_, err = f.app.SaveProfile(ctx, domain.ProfileEdit{Name: "Bob", IsRecentAnimesPublic: true})
	require.NoError(t, err)

	f.provider.SignOut()
	_, err = f.app.WaitSession(ctx)
	require.NoError(t, err)

	docs.FailNext(docstore.OpSubscribe, domain.CollectionMemos, 1)
	s := f.signIn(t, bob)
	require.NoError(t, s.Err, "the profile itself loads")
	_, err = f.app.Memo.AwaitSynced(ctx)
	require.ErrorIs(t, err, errors.ErrNotReady)

	require.NoError(t, f.app.Recent.Flush(ctx))
	p, err := f.app.Profiles.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, p.RecentAnimes)

	s, err = f.app.Retry(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Err)
	snap, err := f.app.Memo.AwaitSynced(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "X", snap.Records[0].Title)

	require.NoError(t, f.app.Recent.Flush(ctx))
	p, err = f.app.Profiles.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, p.RecentAnimes)
}

func TestSession_SignOutClears(t *testing.T) {
	f := start(t, memstore.New(nil))
	f.signIn(t, alice)
	_, err := f.app.Memo.Add(ctxT(t), domain.WatchInput{Title: "A"})
	require.NoError(t, err)

	f.provider.SignOut()
	s, err := f.app.WaitSession(ctxT(t))
	require.NoError(t, err)
	assert.False(t, s.SignedIn())

	snap, err := f.app.Memo.Snapshot(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, memo.StateSignedOut, snap.State)
	assert.Empty(t, snap.Records)

	_, err = f.app.SaveProfile(ctxT(t), domain.ProfileEdit{})
	assert.ErrorIs(t, err, errors.ErrNotReady)
}

func TestSession_SwitchIdentity(t *testing.T) {
	f := start(t, memstore.New(nil))
	f.signIn(t, alice)
	_, err := f.app.Memo.Add(ctxT(t), domain.WatchInput{Title: "Alice only"})
	require.NoError(t, err)
	require.NoError(t, f.app.Memo.Flush(ctxT(t)))

	f.signIn(t, bob)
	snap, err := f.app.Memo.AwaitSynced(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, "bob", snap.Identity)
	assert.Empty(t, snap.Records)

	f.signIn(t, alice)
	snap, err = f.app.Memo.AwaitSynced(ctxT(t))
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "Alice only", snap.Records[0].Title)
}

func TestSession_ProfileFailureRaisesNotice(t *testing.T) {
	docs := docstore.NewFailingStore(memstore.New(nil))
	docs.FailAlways(docstore.OpGet, domain.CollectionUsers)
	f := start(t, docs)

	require.NoError(t, f.provider.SignIn(alice))
	s, err := f.app.WaitSession(ctxT(t))
	require.NoError(t, err)
	assert.True(t, s.SignedIn())
	assert.ErrorIs(t, s.Err, errors.ErrStoreUnavailable)

	_, err = s.Caller()
	assert.ErrorIs(t, err, errors.ErrNotReady)

	pending := f.app.Events.Pending("alice")
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Retryable)
}

func TestFriends_AsymmetricRaisesNotice(t *testing.T) {
	docs := docstore.NewFailingStore(memstore.New(nil))
	f := start(t, docs)

	bobSession := f.signIn(t, bob)
	aliceSession := f.signIn(t, alice)
	caller, err := aliceSession.Caller()
	require.NoError(t, err)

	match, err := f.app.Friends.Search(ctxT(t), caller, bobSession.Profile.CustomUID)
	require.NoError(t, err)

	docs.FailWhen(func(op docstore.Op, coll, docID string) bool {
		return op == docstore.OpUnion && docID == "bob"
	})
	fs, err := f.app.Friends.AddFriend(ctxT(t), caller, match)
	assert.ErrorIs(t, err, errors.ErrPartialWrite)
	assert.True(t, fs.Asymmetric)

	pending := f.app.Events.Pending("alice")
	require.Len(t, pending, 1)
	assert.Equal(t, string(errors.CodeStoreUnavailable), pending[0].Code)
}

func TestRun_Twice(t *testing.T) {
	f := start(t, memstore.New(nil))
	f.signIn(t, alice)
	assert.Error(t, f.app.Run(context.Background()))
}
