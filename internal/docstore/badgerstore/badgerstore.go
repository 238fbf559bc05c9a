// Package badgerstore is an embedded docstore backend on Badger.
//
// Documents are stored as JSON under "doc:<collection>:<id>". Queries scan
// the collection prefix. Change notifications are raised in-process after
// each committed write, so a database directory serves one process.
package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/errors"
)

const (
	docPrefix = "doc:"

	// conflictRetries bounds re-runs of read-modify-write transactions that
	// lose an optimistic conflict.
	conflictRetries = 5
)

// Options configure the database.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory, for tests.
	InMemory bool
}

// Store wraps a Badger database instance.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	hub    *docstore.Hub
}

var (
	_ docstore.Store   = (*Store)(nil)
	_ docstore.Creator = (*Store)(nil)
	_ docstore.Unioner = (*Store)(nil)
)

// Open opens or creates the database.
func Open(o Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(o.Path)
	if o.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil             // Disable Badger's internal logging
	opts.SyncWrites = !o.InMemory // Sync to disk so a crash can't drop acknowledged writes
	opts.CompactL0OnClose = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	logger.Info("Badger document store opened", "path", o.Path, "in_memory", o.InMemory)
	return &Store{db: db, logger: logger, hub: docstore.NewHub(logger)}, nil
}

// Close ends all subscriptions and closes the database.
func (s *Store) Close() error {
	s.hub.Close()
	s.logger.Info("Closing document store")
	return s.db.Close()
}

func docKey(collection, id string) []byte {
	return []byte(docPrefix + collection + ":" + id)
}

func collectionPrefix(collection string) []byte {
	return []byte(docPrefix + collection + ":")
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := check(ctx, collection, id); err != nil {
		return docstore.Document{}, err
	}

	var fields docstore.Fields
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		fields, err = readDoc(txn, docKey(collection, id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return docstore.Document{}, errors.NotFoundf("%s/%s not found", collection, id)
	}
	if err != nil {
		return docstore.Document{}, storeErr(err, "get %s/%s", collection, id)
	}
	return docstore.Document{ID: id, Fields: fields}, nil
}

func (s *Store) Put(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := check(ctx, collection, id); err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(collection, id), data)
	}); err != nil {
		return storeErr(err, "put %s/%s", collection, id)
	}
	s.hub.Notify(collection)
	return nil
}

func (s *Store) Create(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := check(ctx, collection, id); err != nil {
		return err
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}

	key := docKey(collection, id)
	err = s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return errors.AlreadyExistsf("%s/%s already exists", collection, id)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return storeErr(err, "create %s/%s", collection, id)
	}
	s.hub.Notify(collection)
	return nil
}

func (s *Store) Merge(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := check(ctx, collection, id); err != nil {
		return err
	}
	patch, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}

	key := docKey(collection, id)
	err = s.update(func(txn *badger.Txn) error {
		existing, err := readDoc(txn, key)
		if err != nil {
			return err
		}
		return writeDoc(txn, key, docstore.MergeFields(existing, patch))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errors.NotFoundf("%s/%s not found", collection, id)
	}
	if err != nil {
		return storeErr(err, "merge %s/%s", collection, id)
	}
	s.hub.Notify(collection)
	return nil
}

func (s *Store) Union(ctx context.Context, collection, id, field string, values ...any) error {
	if err := check(ctx, collection, id); err != nil {
		return err
	}

	key := docKey(collection, id)
	changed := false
	err := s.update(func(txn *badger.Txn) error {
		existing, err := readDoc(txn, key)
		if err != nil {
			return err
		}
		merged, added, err := docstore.UnionValues(existing[field], values...)
		if err != nil || !added {
			return err
		}
		changed = true
		return writeDoc(txn, key, docstore.MergeFields(existing, docstore.Fields{field: merged}))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errors.NotFoundf("%s/%s not found", collection, id)
	}
	if err != nil {
		return storeErr(err, "union %s/%s.%s", collection, id, field)
	}
	if changed {
		s.hub.Notify(collection)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := check(ctx, collection, id); err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(collection, id))
	}); err != nil {
		return storeErr(err, "delete %s/%s", collection, id)
	}
	s.hub.Notify(collection)
	return nil
}

func (s *Store) QueryEqual(ctx context.Context, collection, field string, value any) ([]docstore.Document, error) {
	return s.query(ctx, collection, docstore.Where(field, value))
}

func (s *Store) Subscribe(ctx context.Context, collection string, filter docstore.Filter, onNext func([]docstore.Document), onError func(error)) (docstore.Subscription, error) {
	if err := check(ctx, collection, "_"); err != nil {
		return nil, err
	}
	return s.hub.Watch(ctx, collection, func(ctx context.Context) ([]docstore.Document, error) {
		return s.query(ctx, collection, filter)
	}, onNext, onError)
}

// query scans every document in collection. Keys iterate in byte order, so
// results are already sorted by ID.
func (s *Store) query(ctx context.Context, collection string, filter docstore.Filter) ([]docstore.Document, error) {
	if err := check(ctx, collection, "_"); err != nil {
		return nil, err
	}

	prefix := collectionPrefix(collection)
	docs := make([]docstore.Document, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var fields docstore.Fields
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &fields)
			}); err != nil {
				return err
			}
			if !docstore.Matches(fields, filter) {
				continue
			}
			docs = append(docs, docstore.Document{
				ID:     string(item.Key()[len(prefix):]),
				Fields: fields,
			})
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "query %s", collection)
	}
	return docs, nil
}

// update runs fn in a read-write transaction, retrying optimistic conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range conflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return errors.Conflict("transaction kept conflicting").WithCause(err)
}

func readDoc(txn *badger.Txn, key []byte) (docstore.Fields, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var fields docstore.Fields
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &fields)
	})
	if fields == nil {
		fields = docstore.Fields{}
	}
	return fields, err
}

func writeDoc(txn *badger.Txn, key []byte, fields docstore.Fields) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func check(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return errors.StoreUnavailable(err, "request cancelled")
	}
	return docstore.ValidateKey(collection, id)
}

// storeErr passes domain errors through and labels everything else as a
// transport failure.
func storeErr(err error, format string, args ...any) error {
	var domainErr *errors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return errors.StoreUnavailablef(err, format, args...)
}
