package docstore

import (
	"context"
	"sync"

	"github.com/animemo/memosync/internal/errors"
)

var errStoreClosed = errors.StoreUnavailable(nil, "store is closed")

// ErrInjected is the cause attached to failures produced by FailingStore.
var ErrInjected = errors.New("injected store failure")

// Op names a Store operation for failure injection.
type Op string

// Store operations.
const (
	OpGet       Op = "get"
	OpPut       Op = "put"
	OpMerge     Op = "merge"
	OpDelete    Op = "delete"
	OpQuery     Op = "query"
	OpSubscribe Op = "subscribe"
	OpCreate    Op = "create"
	OpUnion     Op = "union"
)

// FailRule decides whether a call fails. collection and id are empty when the
// operation has no such argument.
type FailRule func(op Op, collection, id string) bool

// FailingStore wraps a Store and fails selected calls with STORE_UNAVAILABLE.
// It counts every call that reaches it, failed or not.
type FailingStore struct {
	inner Store

	mu    sync.Mutex
	rules []*failRule
	calls map[Op]int
}

type failRule struct {
	match     FailRule
	remaining int // negative means unlimited
}

var (
	_ Store   = (*FailingStore)(nil)
	_ Creator = (*FailingStore)(nil)
	_ Unioner = (*FailingStore)(nil)
)

// NewFailingStore wraps inner.
func NewFailingStore(inner Store) *FailingStore {
	return &FailingStore{inner: inner, calls: make(map[Op]int)}
}

// FailNext fails the next n calls of op on collection. An empty collection
// matches any.
func (f *FailingStore) FailNext(op Op, collection string, n int) {
	f.addRule(func(o Op, c, _ string) bool {
		return o == op && (collection == "" || c == collection)
	}, n)
}

// FailAlways fails every call of op on collection until Reset.
func (f *FailingStore) FailAlways(op Op, collection string) {
	f.FailNext(op, collection, -1)
}

// FailWhen installs an arbitrary rule with no call limit.
func (f *FailingStore) FailWhen(rule FailRule) {
	f.addRule(rule, -1)
}

// Reset clears every rule. Call counts are kept.
func (f *FailingStore) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
}

// Calls returns how many times op was invoked.
func (f *FailingStore) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (f *FailingStore) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Inner returns the wrapped store.
func (f *FailingStore) Inner() Store {
	return f.inner
}

func (f *FailingStore) addRule(rule FailRule, n int) {
	if n == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &failRule{match: rule, remaining: n})
}

func (f *FailingStore) check(op Op, collection, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++

	for i, r := range f.rules {
		if !r.match(op, collection, id) {
			continue
		}
		if r.remaining > 0 {
			r.remaining--
			if r.remaining == 0 {
				f.rules = append(f.rules[:i], f.rules[i+1:]...)
			}
		}
		return errors.StoreUnavailablef(ErrInjected, "%s %s/%s failed", op, collection, id)
	}
	return nil
}

func (f *FailingStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := f.check(OpGet, collection, id); err != nil {
		return Document{}, err
	}
	return f.inner.Get(ctx, collection, id)
}

func (f *FailingStore) Put(ctx context.Context, collection, id string, fields Fields) error {
	if err := f.check(OpPut, collection, id); err != nil {
		return err
	}
	return f.inner.Put(ctx, collection, id, fields)
}

func (f *FailingStore) Merge(ctx context.Context, collection, id string, fields Fields) error {
	if err := f.check(OpMerge, collection, id); err != nil {
		return err
	}
	return f.inner.Merge(ctx, collection, id, fields)
}

func (f *FailingStore) Delete(ctx context.Context, collection, id string) error {
	if err := f.check(OpDelete, collection, id); err != nil {
		return err
	}
	return f.inner.Delete(ctx, collection, id)
}

func (f *FailingStore) QueryEqual(ctx context.Context, collection, field string, value any) ([]Document, error) {
	if err := f.check(OpQuery, collection, ""); err != nil {
		return nil, err
	}
	return f.inner.QueryEqual(ctx, collection, field, value)
}

func (f *FailingStore) Subscribe(ctx context.Context, collection string, filter Filter, onNext func([]Document), onError func(error)) (Subscription, error) {
	if err := f.check(OpSubscribe, collection, ""); err != nil {
		return nil, err
	}
	return f.inner.Subscribe(ctx, collection, filter, onNext, onError)
}

func (f *FailingStore) Create(ctx context.Context, collection, id string, fields Fields) error {
	if err := f.check(OpCreate, collection, id); err != nil {
		return err
	}
	return Create(ctx, f.inner, collection, id, fields)
}

func (f *FailingStore) Union(ctx context.Context, collection, id, field string, values ...any) error {
	if err := f.check(OpUnion, collection, id); err != nil {
		return err
	}
	return Union(ctx, f.inner, collection, id, field, values...)
}

func (f *FailingStore) Close() error {
	return f.inner.Close()
}
