// Package docstoretest holds the behavioural contract every docstore backend
// must satisfy.
package docstoretest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/errors"
)

// WaitTimeout bounds how long contract tests wait for subscription pushes.
const WaitTimeout = 5 * time.Second

// Factory returns a fresh, empty store. The contract closes it.
type Factory func(t *testing.T) docstore.Store

// Recorder collects subscription deliveries for assertions.
type Recorder struct {
	mu     sync.Mutex
	pushes [][]docstore.Document
	errs   []error
}

// OnNext records a delivery.
func (r *Recorder) OnNext(docs []docstore.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, docs)
}

// OnError records an error delivery.
func (r *Recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

// Latest returns the most recent delivery and whether any arrived.
func (r *Recorder) Latest() ([]docstore.Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pushes) == 0 {
		return nil, false
	}
	return r.pushes[len(r.pushes)-1], true
}

// Count returns the number of deliveries so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes)
}

// Errors returns the error deliveries so far.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// IDs returns the document IDs of the latest delivery.
func (r *Recorder) IDs() []string {
	docs, _ := r.Latest()
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids
}

// WaitFor blocks until the latest delivery has exactly the given IDs, in order.
func (r *Recorder) WaitFor(t *testing.T, ids ...string) {
	t.Helper()
	if ids == nil {
		ids = []string{}
	}
	require.Eventually(t, func() bool {
		if _, ok := r.Latest(); !ok {
			return false
		}
		return assert.ObjectsAreEqual(ids, r.IDs())
	}, WaitTimeout, 10*time.Millisecond, "expected delivery %v, latest %v", ids, r.IDs())
}

// RunContract runs the shared behaviour tests against a backend.
func RunContract(t *testing.T, newStore Factory) {
	open := func(t *testing.T) docstore.Store {
		t.Helper()
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(context.Background(), "things", "nope")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("PutGet", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "things", "a", docstore.Fields{"name": "x", "n": 3, "tags": []string{"p"}}))

		doc, err := s.Get(ctx, "things", "a")
		require.NoError(t, err)
		assert.Equal(t, "a", doc.ID)
		assert.Equal(t, "x", doc.Fields["name"])
		assert.Equal(t, float64(3), doc.Fields["n"])
		assert.Equal(t, []any{"p"}, doc.Fields["tags"])
	})

	t.Run("PutReplaces", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "things", "a", docstore.Fields{"name": "x", "extra": true}))
		require.NoError(t, s.Put(ctx, "things", "a", docstore.Fields{"name": "y"}))

		doc, err := s.Get(ctx, "things", "a")
		require.NoError(t, err)
		assert.Equal(t, docstore.Fields{"name": "y"}, doc.Fields)
	})

	t.Run("MergeShallow", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "things", "a", docstore.Fields{"name": "x", "n": 1}))
		require.NoError(t, s.Merge(ctx, "things", "a", docstore.Fields{"n": 2, "new": "z"}))

		doc, err := s.Get(ctx, "things", "a")
		require.NoError(t, err)
		assert.Equal(t, docstore.Fields{"name": "x", "n": float64(2), "new": "z"}, doc.Fields)
	})

	t.Run("MergeMissing", func(t *testing.T) {
		s := open(t)
		err := s.Merge(context.Background(), "things", "nope", docstore.Fields{"n": 1})
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "things", "a", docstore.Fields{}))
		require.NoError(t, s.Delete(ctx, "things", "a"))
		require.NoError(t, s.Delete(ctx, "things", "a"))

		_, err := s.Get(ctx, "things", "a")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("QueryEqual", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "things", "b", docstore.Fields{"owner": "u1"}))
		require.NoError(t, s.Put(ctx, "things", "a", docstore.Fields{"owner": "u1"}))
		require.NoError(t, s.Put(ctx, "things", "c", docstore.Fields{"owner": "u2"}))
		require.NoError(t, s.Put(ctx, "other", "d", docstore.Fields{"owner": "u1"}))

		docs, err := s.QueryEqual(ctx, "things", "owner", "u1")
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "a", docs[0].ID)
		assert.Equal(t, "b", docs[1].ID)

		docs, err = s.QueryEqual(ctx, "things", "owner", "nobody")
		require.NoError(t, err)
		assert.NotNil(t, docs)
		assert.Empty(t, docs)
	})

	t.Run("Create", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, docstore.Create(ctx, s, "claims", "123", docstore.Fields{"owner": "u1"}))
		err := docstore.Create(ctx, s, "claims", "123", docstore.Fields{"owner": "u2"})
		assert.ErrorIs(t, err, errors.ErrAlreadyExists)

		doc, err := s.Get(ctx, "claims", "123")
		require.NoError(t, err)
		assert.Equal(t, "u1", doc.Fields["owner"])
	})

	t.Run("Union", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "users", "u1", docstore.Fields{"friends": []string{"a"}}))
		require.NoError(t, docstore.Union(ctx, s, "users", "u1", "friends", "b", "a"))
		require.NoError(t, docstore.Union(ctx, s, "users", "u1", "friends", "b"))

		doc, err := s.Get(ctx, "users", "u1")
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, doc.Fields["friends"])

		err = docstore.Union(ctx, s, "users", "nope", "friends", "a")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("UnionCreatesField", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, "users", "u1", docstore.Fields{"name": "x"}))
		require.NoError(t, docstore.Union(ctx, s, "users", "u1", "friends", "a"))

		doc, err := s.Get(ctx, "users", "u1")
		require.NoError(t, err)
		assert.Equal(t, []any{"a"}, doc.Fields["friends"])
		assert.Equal(t, "x", doc.Fields["name"])
	})

	t.Run("ConcurrentUnion", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "users", "u1", docstore.Fields{"friends": []string{}}))

		var wg sync.WaitGroup
		for _, v := range []string{"a", "b", "c", "d"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, docstore.Union(ctx, s, "users", "u1", "friends", v))
			}()
		}
		wg.Wait()

		doc, err := s.Get(ctx, "users", "u1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []any{"a", "b", "c", "d"}, doc.Fields["friends"])
	})

	t.Run("SubscribeInitialSnapshot", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, "memos", "m1", docstore.Fields{"ownerId": "u1"}))

		rec := &Recorder{}
		sub, err := s.Subscribe(ctx, "memos", docstore.Where("ownerId", "u1"), rec.OnNext, rec.OnError)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		rec.WaitFor(t, "m1")
	})

	t.Run("SubscribeEmptyInitial", func(t *testing.T) {
		s := open(t)
		rec := &Recorder{}
		sub, err := s.Subscribe(context.Background(), "memos", docstore.Filter{}, rec.OnNext, rec.OnError)
		require.NoError(t, err)
		defer sub.Unsubscribe()

		rec.WaitFor(t)
	})

	t.Run("SubscribeFollowsWrites", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		rec := &Recorder{}
		sub, err := s.Subscribe(ctx, "memos", docstore.Where("ownerId", "u1"), rec.OnNext, rec.OnError)
		require.NoError(t, err)
		defer sub.Unsubscribe()
		rec.WaitFor(t)

		require.NoError(t, s.Put(ctx, "memos", "m2", docstore.Fields{"ownerId": "u1"}))
		rec.WaitFor(t, "m2")

		require.NoError(t, s.Put(ctx, "memos", "m3", docstore.Fields{"ownerId": "u2"}))
		require.NoError(t, s.Put(ctx, "memos", "m1", docstore.Fields{"ownerId": "u1"}))
		rec.WaitFor(t, "m1", "m2")

		require.NoError(t, s.Delete(ctx, "memos", "m2"))
		rec.WaitFor(t, "m1")
	})

	t.Run("UnsubscribeStops", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		rec := &Recorder{}
		sub, err := s.Subscribe(ctx, "memos", docstore.Filter{}, rec.OnNext, rec.OnError)
		require.NoError(t, err)
		rec.WaitFor(t)

		sub.Unsubscribe()
		sub.Unsubscribe()
		before := rec.Count()

		require.NoError(t, s.Put(ctx, "memos", "m1", docstore.Fields{}))
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, before, rec.Count())
	})

	t.Run("SubscribeEndsWithContext", func(t *testing.T) {
		s := open(t)
		ctx, cancel := context.WithCancel(context.Background())

		rec := &Recorder{}
		_, err := s.Subscribe(ctx, "memos", docstore.Filter{}, rec.OnNext, rec.OnError)
		require.NoError(t, err)
		rec.WaitFor(t)

		cancel()
		time.Sleep(50 * time.Millisecond)
		before := rec.Count()

		require.NoError(t, s.Put(context.Background(), "memos", "m1", docstore.Fields{}))
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, before, rec.Count())
	})

	t.Run("InvalidKeys", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		assert.ErrorIs(t, s.Put(ctx, "", "a", docstore.Fields{}), errors.ErrValidation)
		assert.ErrorIs(t, s.Put(ctx, "things", "", docstore.Fields{}), errors.ErrValidation)
		_, err := s.Get(ctx, "a:b", "x")
		assert.ErrorIs(t, err, errors.ErrValidation)
	})
}
