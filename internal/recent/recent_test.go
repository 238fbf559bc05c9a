package recent

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
)

func at(day int) time.Time {
	return time.Date(2024, 5, day, 12, 0, 0, 0, time.UTC)
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name    string
		records []domain.WatchRecord
		want    []string
	}{
		{
			name:    "empty",
			records: nil,
			want:    []string{},
		},
		{
			name: "duplicate collapses to newest",
			records: []domain.WatchRecord{
				{Title: "A", Date: at(1)},
				{Title: "B", Date: at(2)},
				{Title: "A", Date: at(3)},
			},
			want: []string{"A", "B"},
		},
		{
			name: "bounded to four",
			records: []domain.WatchRecord{
				{Title: "A", Date: at(1)},
				{Title: "B", Date: at(2)},
				{Title: "C", Date: at(3)},
				{Title: "D", Date: at(4)},
				{Title: "E", Date: at(5)},
				{Title: "F", Date: at(6)},
			},
			want: []string{"F", "E", "D", "C"},
		},
		{
			name: "ties keep collection order",
			records: []domain.WatchRecord{
				{Title: "X", Date: at(2)},
				{Title: "Y", Date: at(2)},
				{Title: "Z", Date: at(1)},
			},
			want: []string{"X", "Y", "Z"},
		},
		{
			name: "trimmed and case sensitive",
			records: []domain.WatchRecord{
				{Title: " Frieren ", Date: at(3)},
				{Title: "Frieren", Date: at(2)},
				{Title: "frieren", Date: at(1)},
			},
			want: []string{"Frieren", "frieren"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(tt.records)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Derive(tt.records), "derive is deterministic")
		})
	}
}

func seedProfile(t *testing.T, s docstore.Store, uid string) {
	t.Helper()
	fields, err := docstore.Encode(domain.NewUserProfile(uid, "Name", "", "", "123456789", time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), domain.CollectionUsers, uid, fields))
}

func recentOf(t *testing.T, s docstore.Store, uid string) []string {
	t.Helper()
	doc, err := s.Get(context.Background(), domain.CollectionUsers, uid)
	require.NoError(t, err)
	var p domain.UserProfile
	require.NoError(t, doc.Decode(&p))
	return p.RecentAnimes
}

func TestPublisher_VisibilityToggle(t *testing.T) {
	fs := docstore.NewFailingStore(memstore.New(nil))
	seedProfile(t, fs.Inner(), "u1")
	p := NewPublisher(fs, nil)
	ctx := context.Background()

	records := []domain.WatchRecord{{Title: "A", Date: at(1)}, {Title: "B", Date: at(2)}}
	p.CollectionChanged("u1", records)
	p.SetVisibility("u1", true)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, []string{"B", "A"}, recentOf(t, fs, "u1"))

	p.SetVisibility("u1", false)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, []string{}, recentOf(t, fs, "u1"))

	p.SetVisibility("u1", true)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, []string{"B", "A"}, recentOf(t, fs, "u1"))
	assert.Equal(t, 3, fs.Calls(docstore.OpMerge))
}

func TestPublisher_SuppressesIdenticalWrites(t *testing.T) {
	fs := docstore.NewFailingStore(memstore.New(nil))
	seedProfile(t, fs.Inner(), "u1")
	p := NewPublisher(fs, nil)
	ctx := context.Background()

	p.SetVisibility("u1", true)
	for range 3 {
		p.CollectionChanged("u1", []domain.WatchRecord{{Title: "A", Date: at(1)}})
		require.NoError(t, p.Flush(ctx))
	}
	// A new record that doesn't change the summary writes nothing either.
	p.CollectionChanged("u1", []domain.WatchRecord{{Title: "A", Date: at(1)}, {Title: "A", Date: at(0)}})
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, 1, fs.Calls(docstore.OpMerge))
}

func TestPublisher_NeverWritesSignedOut(t *testing.T) {
	fs := docstore.NewFailingStore(memstore.New(nil))
	seedProfile(t, fs.Inner(), "u1")
	p := NewPublisher(fs, nil)
	ctx := context.Background()

	require.NoError(t, p.Flush(ctx))

	p.CollectionChanged("u1", []domain.WatchRecord{{Title: "A", Date: at(1)}})
	require.NoError(t, p.Flush(ctx), "visibility unknown")

	p.SetVisibility("u1", true)
	p.SignedOut()
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, 0, fs.Calls(docstore.OpMerge))
}

func TestPublisher_IdentitySwitchRepublishes(t *testing.T) {
	fs := docstore.NewFailingStore(memstore.New(nil))
	seedProfile(t, fs.Inner(), "u1")
	seedProfile(t, fs.Inner(), "u2")
	p := NewPublisher(fs, nil)
	ctx := context.Background()

	records := []domain.WatchRecord{{Title: "A", Date: at(1)}}
	p.SetVisibility("u1", true)
	p.CollectionChanged("u1", records)
	require.NoError(t, p.Flush(ctx))

	p.SetVisibility("u2", true)
	p.CollectionChanged("u2", records)
	require.NoError(t, p.Flush(ctx))

	assert.Equal(t, []string{"A"}, recentOf(t, fs, "u2"))
	assert.Equal(t, 2, fs.Calls(docstore.OpMerge))
}

func TestPublisher_RetriesAfterFailure(t *testing.T) {
	fs := docstore.NewFailingStore(memstore.New(nil))
	seedProfile(t, fs.Inner(), "u1")
	fs.FailNext(docstore.OpMerge, domain.CollectionUsers, 1)
	p := NewPublisher(fs, nil)
	ctx := context.Background()

	p.SetVisibility("u1", true)
	p.CollectionChanged("u1", []domain.WatchRecord{{Title: "A", Date: at(1)}})
	assert.ErrorIs(t, p.Flush(ctx), errors.ErrStoreUnavailable)

	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, []string{"A"}, recentOf(t, fs, "u1"))
}

func TestPublisher_WaitsForCollection(t *testing.T) {
	fs := docstore.NewFailingStore(memstore.New(nil))
	seedProfile(t, fs.Inner(), "u1")
	p := NewPublisher(fs, nil)
	ctx := context.Background()

	p.SetVisibility("u1", true)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 0, fs.Calls(docstore.OpMerge), "collection not loaded yet")

	// An empty synced collection is still a known summary.
	p.CollectionChanged("u1", nil)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 1, fs.Calls(docstore.OpMerge))

	// Switching identity forgets the summary again.
	seedProfile(t, fs.Inner(), "u2")
	p.SetVisibility("u2", true)
	require.NoError(t, p.Flush(ctx))
	assert.Equal(t, 1, fs.Calls(docstore.OpMerge))
}

func TestPublisher_MissingProfile(t *testing.T) {
	p := NewPublisher(memstore.New(nil), nil)
	p.SetVisibility("ghost", true)
	p.CollectionChanged("ghost", nil)
	assert.ErrorIs(t, p.Flush(context.Background()), errors.ErrNotFound)
}

func TestPublisher_RunPublishesInBackground(t *testing.T) {
	s := memstore.New(nil)
	seedProfile(t, s, "u1")

	var mu sync.Mutex
	var hooked [][]string
	p := NewPublisher(s, nil, WithPublishedHook(func(identity string, titles []string) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "u1", identity)
		hooked = append(hooked, titles)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	p.SetVisibility("u1", true)
	p.CollectionChanged("u1", []domain.WatchRecord{{Title: "A", Date: at(1)}, {Title: "B", Date: at(2)}})

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"B", "A"}, recentOf(t, s, "u1"))
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, hooked)
	assert.Equal(t, []string{"B", "A"}, hooked[len(hooked)-1])
}
