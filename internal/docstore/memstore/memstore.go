// Package memstore is an in-process docstore backend. It is the default for
// tests and for the CLI's ephemeral mode.
package memstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/errors"
)

// Store keeps documents in nested maps guarded by a single mutex.
type Store struct {
	mu     sync.RWMutex
	colls  map[string]map[string]docstore.Fields
	hub    *docstore.Hub
	closed bool
}

var (
	_ docstore.Store   = (*Store)(nil)
	_ docstore.Creator = (*Store)(nil)
	_ docstore.Unioner = (*Store)(nil)
)

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		colls: make(map[string]map[string]docstore.Fields),
		hub:   docstore.NewHub(logger),
	}
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := s.ready(ctx, collection, id); err != nil {
		return docstore.Document{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.colls[collection][id]
	if !ok {
		return docstore.Document{}, errors.NotFoundf("%s/%s not found", collection, id)
	}
	return docstore.Document{ID: id, Fields: clone(fields)}, nil
}

func (s *Store) Put(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := s.ready(ctx, collection, id); err != nil {
		return err
	}
	normalized, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.collection(collection)[id] = normalized
	s.mu.Unlock()

	s.hub.Notify(collection)
	return nil
}

func (s *Store) Create(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := s.ready(ctx, collection, id); err != nil {
		return err
	}
	normalized, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	coll := s.collection(collection)
	if _, exists := coll[id]; exists {
		s.mu.Unlock()
		return errors.AlreadyExistsf("%s/%s already exists", collection, id)
	}
	coll[id] = normalized
	s.mu.Unlock()

	s.hub.Notify(collection)
	return nil
}

func (s *Store) Merge(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := s.ready(ctx, collection, id); err != nil {
		return err
	}
	patch, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	coll := s.collection(collection)
	existing, ok := coll[id]
	if !ok {
		s.mu.Unlock()
		return errors.NotFoundf("%s/%s not found", collection, id)
	}
	coll[id] = docstore.MergeFields(existing, patch)
	s.mu.Unlock()

	s.hub.Notify(collection)
	return nil
}

func (s *Store) Union(ctx context.Context, collection, id, field string, values ...any) error {
	if err := s.ready(ctx, collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	coll := s.collection(collection)
	existing, ok := coll[id]
	if !ok {
		s.mu.Unlock()
		return errors.NotFoundf("%s/%s not found", collection, id)
	}
	merged, changed, err := docstore.UnionValues(existing[field], values...)
	if err != nil || !changed {
		s.mu.Unlock()
		return err
	}
	coll[id] = docstore.MergeFields(existing, docstore.Fields{field: merged})
	s.mu.Unlock()

	s.hub.Notify(collection)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.ready(ctx, collection, id); err != nil {
		return err
	}

	s.mu.Lock()
	_, existed := s.colls[collection][id]
	delete(s.colls[collection], id)
	s.mu.Unlock()

	if existed {
		s.hub.Notify(collection)
	}
	return nil
}

func (s *Store) QueryEqual(ctx context.Context, collection, field string, value any) ([]docstore.Document, error) {
	return s.query(ctx, collection, docstore.Where(field, value))
}

func (s *Store) Subscribe(ctx context.Context, collection string, filter docstore.Filter, onNext func([]docstore.Document), onError func(error)) (docstore.Subscription, error) {
	if err := s.ready(ctx, collection, "_"); err != nil {
		return nil, err
	}
	return s.hub.Watch(ctx, collection, func(ctx context.Context) ([]docstore.Document, error) {
		return s.query(ctx, collection, filter)
	}, onNext, onError)
}

// Close ends all subscriptions. Later calls fail with STORE_UNAVAILABLE.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.Close()
	return nil
}

// Len returns the number of documents in collection.
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.colls[collection])
}

func (s *Store) query(ctx context.Context, collection string, filter docstore.Filter) ([]docstore.Document, error) {
	if err := s.ready(ctx, collection, "_"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]docstore.Document, 0)
	for id, fields := range s.colls[collection] {
		if docstore.Matches(fields, filter) {
			docs = append(docs, docstore.Document{ID: id, Fields: clone(fields)})
		}
	}
	docstore.SortByID(docs)
	return docs, nil
}

func (s *Store) ready(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(err, "request cancelled")
	}
	if err := docstore.ValidateKey(collection, id); err != nil {
		return err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errors.StoreUnavailable(nil, "store is closed")
	}
	return nil
}

// collection returns the map for name, creating it. Caller holds s.mu.
func (s *Store) collection(name string) map[string]docstore.Fields {
	coll, ok := s.colls[name]
	if !ok {
		coll = make(map[string]docstore.Fields)
		s.colls[name] = coll
	}
	return coll
}

// clone copies the stored map through a JSON round trip so callers can't
// mutate stored state through nested slices or maps.
func clone(fields docstore.Fields) docstore.Fields {
	out, err := docstore.Normalize(fields)
	if err != nil {
		return docstore.Fields{}
	}
	return out
}
