package docstore_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/docstore/docstoretest"
	"github.com/animemo/memosync/internal/docstore/memstore"
	"github.com/animemo/memosync/internal/errors"
)

type record struct {
	Title  string `json:"title"`
	Rating *int   `json:"rating"`
}

func TestEncodeDecode(t *testing.T) {
	r := 7
	fields, err := docstore.Encode(record{Title: "A", Rating: &r})
	require.NoError(t, err)
	assert.Equal(t, docstore.Fields{"title": "A", "rating": float64(7)}, fields)

	var out record
	require.NoError(t, docstore.Document{ID: "x", Fields: fields}.Decode(&out))
	assert.Equal(t, "A", out.Title)
	require.NotNil(t, out.Rating)
	assert.Equal(t, 7, *out.Rating)

	_, err = docstore.Encode([]string{"not", "an", "object"})
	assert.Error(t, err)
}

func TestMatches(t *testing.T) {
	fields := docstore.Fields{"ownerId": "u1", "n": float64(3)}

	assert.True(t, docstore.Matches(fields, docstore.Filter{}))
	assert.True(t, docstore.Matches(fields, docstore.Where("ownerId", "u1")))
	assert.True(t, docstore.Matches(fields, docstore.Where("n", 3)))
	assert.False(t, docstore.Matches(fields, docstore.Where("ownerId", "u2")))
	assert.False(t, docstore.Matches(fields, docstore.Where("missing", "u1")))
}

func TestUnionValues(t *testing.T) {
	out, changed, err := docstore.UnionValues([]any{"a"}, "a", "b", "b")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []any{"a", "b"}, out)

	out, changed, err = docstore.UnionValues(nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []any{}, out)

	_, _, err = docstore.UnionValues("scalar", "a")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestHub_CoalescesBursts(t *testing.T) {
	hub := docstore.NewHub(nil)
	defer hub.Close()

	var queries atomic.Int32
	release := make(chan struct{})
	rec := &docstoretest.Recorder{}

	_, err := hub.Watch(context.Background(), "memos", func(ctx context.Context) ([]docstore.Document, error) {
		if queries.Add(1) == 1 {
			<-release
		}
		return []docstore.Document{}, nil
	}, rec.OnNext, rec.OnError)
	require.NoError(t, err)

	for range 50 {
		hub.Notify("memos")
	}
	close(release)

	require.Eventually(t, func() bool { return rec.Count() >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), queries.Load())
}

func TestHub_UnsubscribeFromCallback(t *testing.T) {
	hub := docstore.NewHub(nil)
	defer hub.Close()

	var sub docstore.Subscription
	ready := make(chan struct{})
	called := make(chan struct{}, 10)

	var err error
	sub, err = hub.Watch(context.Background(), "memos", func(context.Context) ([]docstore.Document, error) {
		return nil, nil
	}, func([]docstore.Document) {
		<-ready
		sub.Unsubscribe()
		called <- struct{}{}
	}, nil)
	require.NoError(t, err)
	close(ready)

	<-called
	require.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
	hub.Notify("memos")
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, called, 0)
}

func TestHub_QueryErrorsGoToOnError(t *testing.T) {
	hub := docstore.NewHub(nil)
	defer hub.Close()

	rec := &docstoretest.Recorder{}
	sub, err := hub.Watch(context.Background(), "memos", func(context.Context) ([]docstore.Document, error) {
		return nil, errors.StoreUnavailable(nil, "down")
	}, rec.OnNext, rec.OnError)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return len(rec.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, rec.Count())
	assert.ErrorIs(t, rec.Errors()[0], errors.ErrStoreUnavailable)
}

func TestHub_CloseRejectsWatch(t *testing.T) {
	hub := docstore.NewHub(nil)
	hub.Close()

	_, err := hub.Watch(context.Background(), "memos", func(context.Context) ([]docstore.Document, error) {
		return nil, nil
	}, nil, nil)
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
}

func TestFailingStore(t *testing.T) {
	ctx := context.Background()
	fs := docstore.NewFailingStore(memstore.New(nil))
	defer fs.Close()

	fs.FailNext(docstore.OpPut, "memos", 1)

	err := fs.Put(ctx, "memos", "m1", docstore.Fields{})
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
	assert.ErrorIs(t, err, docstore.ErrInjected)
	assert.True(t, errors.Retryable(err))

	require.NoError(t, fs.Put(ctx, "memos", "m1", docstore.Fields{}))
	require.NoError(t, fs.Put(ctx, "users", "u1", docstore.Fields{}))
	assert.Equal(t, 3, fs.Calls(docstore.OpPut))

	fs.FailWhen(func(op docstore.Op, collection, id string) bool { return id == "u1" })
	_, err = fs.Get(ctx, "users", "u1")
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
	err = fs.Union(ctx, "users", "u1", "friends", "x")
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)

	fs.Reset()
	require.NoError(t, fs.Union(ctx, "users", "u1", "friends", "x"))
	assert.Equal(t, 6, fs.TotalCalls())
}
