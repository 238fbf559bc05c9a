// Package redisstore is a shared docstore backend on Redis, letting several
// devices observe one another's writes.
//
// Each collection is one hash, "<prefix>docs:<collection>", mapping document
// ID to JSON. Fields named with WithIndex get one set per scalar value,
// "<prefix>idx:<collection>:<field>:<json value>", holding the IDs of the
// documents with that value, so an equality query on ownerId reads only that
// owner's documents. Every write runs as a WATCH transaction over the
// collection hash that updates the document and its index sets together.
//
// Every committed write publishes the collection name on
// "<prefix>changes:<collection>"; each Store holds one pattern subscription
// and re-runs matching local watchers when a message arrives, whichever
// process wrote.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/errors"
)

// DefaultPrefix namespaces every key the store touches.
const DefaultPrefix = "memosync:"

const txRetries = 10

// Options configure the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Indexes lists the fields equality queries are served from index sets for.
	Indexes []string
}

// Option configures a Store.
type Option func(*Store)

// WithIndex maintains index sets for fields. Writes made before a field was
// indexed are not in its sets.
func WithIndex(fields ...string) Option {
	return func(s *Store) {
		for _, f := range fields {
			if f != "" && !slices.Contains(s.indexes, f) {
				s.indexes = append(s.indexes, f)
			}
		}
	}
}

// Store is a docstore backed by Redis hashes and pub/sub.
type Store struct {
	client  *redis.Client
	prefix  string
	logger  *slog.Logger
	hub     *docstore.Hub
	indexes []string

	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

var (
	_ docstore.Store   = (*Store)(nil)
	_ docstore.Creator = (*Store)(nil)
	_ docstore.Unioner = (*Store)(nil)
)

// Open connects to Redis and starts the change listener.
func Open(ctx context.Context, o Options, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
	s, err := New(ctx, client, o.Prefix, logger, WithIndex(o.Indexes...))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client. The store owns the client and closes it.
func New(ctx context.Context, client *redis.Client, prefix string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.StoreUnavailable(err, "redis ping failed")
	}

	s := &Store{
		client: client,
		prefix: prefix,
		logger: logger,
		hub:    docstore.NewHub(logger),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.pubsub = client.PSubscribe(ctx, s.changesChannel("*"))
	// Wait for the subscription to be confirmed so no write after New
	// returns can be missed.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, errors.StoreUnavailable(err, "redis subscribe failed")
	}
	go s.listen()

	logger.Info("Redis document store connected", "addr", client.Options().Addr, "prefix", prefix, "indexes", s.indexes)
	return s, nil
}

func (s *Store) docsKey(collection string) string {
	return s.prefix + "docs:" + collection
}

func (s *Store) changesChannel(collection string) string {
	return s.prefix + "changes:" + collection
}

func (s *Store) listen() {
	defer close(s.done)
	channelPrefix := s.changesChannel("")
	for msg := range s.pubsub.Channel() {
		s.hub.Notify(strings.TrimPrefix(msg.Channel, channelPrefix))
	}
}

func (s *Store) publish(ctx context.Context, collection string) {
	if err := s.client.Publish(ctx, s.changesChannel(collection), collection).Err(); err != nil {
		// The write itself succeeded. Local watchers are still told directly.
		s.logger.Warn("publish change failed", "collection", collection, "error", err)
		s.hub.Notify(collection)
	}
}

// Close stops the listener, ends every subscription, and closes the client.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.hub.Close()
		if cerr := s.pubsub.Close(); cerr != nil {
			err = cerr
		}
		<-s.done
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.logger.Info("Redis document store closed")
	})
	return err
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := docstore.ValidateKey(collection, id); err != nil {
		return docstore.Document{}, err
	}
	raw, err := s.client.HGet(ctx, s.docsKey(collection), id).Result()
	if errors.Is(err, redis.Nil) {
		return docstore.Document{}, errors.NotFoundf("%s/%s not found", collection, id)
	}
	if err != nil {
		return docstore.Document{}, errors.StoreUnavailablef(err, "get %s/%s", collection, id)
	}
	fields, err := decode(raw)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return docstore.Document{ID: id, Fields: fields}, nil
}

func (s *Store) Put(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := docstore.ValidateKey(collection, id); err != nil {
		return err
	}
	next, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	_, err = s.write(ctx, collection, id, func(docstore.Fields, bool) (docstore.Fields, bool, error) {
		return next, true, nil
	})
	return err
}

func (s *Store) Create(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := docstore.ValidateKey(collection, id); err != nil {
		return err
	}
	next, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	_, err = s.write(ctx, collection, id, func(_ docstore.Fields, exists bool) (docstore.Fields, bool, error) {
		if exists {
			return nil, false, errors.AlreadyExistsf("%s/%s already exists", collection, id)
		}
		return next, true, nil
	})
	return err
}

func (s *Store) Merge(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := docstore.ValidateKey(collection, id); err != nil {
		return err
	}
	patch, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	_, err = s.write(ctx, collection, id, func(existing docstore.Fields, exists bool) (docstore.Fields, bool, error) {
		if !exists {
			return nil, false, errors.NotFoundf("%s/%s not found", collection, id)
		}
		return docstore.MergeFields(existing, patch), true, nil
	})
	return err
}

func (s *Store) Union(ctx context.Context, collection, id, field string, values ...any) error {
	if err := docstore.ValidateKey(collection, id); err != nil {
		return err
	}
	_, err := s.write(ctx, collection, id, func(existing docstore.Fields, exists bool) (docstore.Fields, bool, error) {
		if !exists {
			return nil, false, errors.NotFoundf("%s/%s not found", collection, id)
		}
		merged, added, err := docstore.UnionValues(existing[field], values...)
		if err != nil || !added {
			return nil, false, err
		}
		return docstore.MergeFields(existing, docstore.Fields{field: merged}), true, nil
	})
	return err
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := docstore.ValidateKey(collection, id); err != nil {
		return err
	}
	_, err := s.write(ctx, collection, id, func(_ docstore.Fields, exists bool) (docstore.Fields, bool, error) {
		return nil, exists, nil
	})
	return err
}

// write runs an optimistic read-modify-write of one document under WATCH
// and moves the document between index sets in the same transaction. fn
// returns the next fields, or nil to delete; write=false leaves everything
// untouched. A committed change is published.
func (s *Store) write(ctx context.Context, collection, id string, fn func(existing docstore.Fields, exists bool) (docstore.Fields, bool, error)) (bool, error) {
	key := s.docsKey(collection)
	changed := false

	txf := func(tx *redis.Tx) error {
		var existing docstore.Fields
		raw, err := tx.HGet(ctx, key, id).Result()
		exists := err == nil
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if existing, err = decode(raw); err != nil {
				return err
			}
		}

		next, write, err := fn(existing, exists)
		if err != nil || !write {
			return err
		}
		var data string
		if next != nil {
			if data, err = encode(next); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.HDel(ctx, key, id)
			} else {
				pipe.HSet(ctx, key, id, data)
			}
			for _, field := range s.indexes {
				oldKey, hadOld := s.indexKey(collection, field, existing, exists)
				newKey, hasNew := s.indexKey(collection, field, next, next != nil)
				if hadOld && (!hasNew || oldKey != newKey) {
					pipe.SRem(ctx, oldKey, id)
				}
				if hasNew {
					pipe.SAdd(ctx, newKey, id)
				}
			}
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}

	for range txRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var domainErr *errors.Error
			if errors.As(err, &domainErr) {
				return false, err
			}
			return false, errors.StoreUnavailablef(err, "write %s/%s", collection, id)
		}
		if changed {
			s.publish(ctx, collection)
		}
		return changed, nil
	}
	return false, errors.Conflictf("%s/%s kept changing during update", collection, id)
}

func (s *Store) QueryEqual(ctx context.Context, collection, field string, value any) ([]docstore.Document, error) {
	return s.query(ctx, collection, docstore.Where(field, value))
}

func (s *Store) Subscribe(ctx context.Context, collection string, filter docstore.Filter, onNext func([]docstore.Document), onError func(error)) (docstore.Subscription, error) {
	if err := docstore.ValidateKey(collection, "_"); err != nil {
		return nil, err
	}
	return s.hub.Watch(ctx, collection, func(ctx context.Context) ([]docstore.Document, error) {
		return s.query(ctx, collection, filter)
	}, onNext, onError)
}

func (s *Store) query(ctx context.Context, collection string, filter docstore.Filter) ([]docstore.Document, error) {
	if err := docstore.ValidateKey(collection, "_"); err != nil {
		return nil, err
	}
	if !filter.IsZero() && slices.Contains(s.indexes, filter.Field) {
		if key, ok := s.valueKey(collection, filter.Field, filter.Value); ok {
			return s.queryIndex(ctx, collection, key, filter)
		}
	}

	all, err := s.client.HGetAll(ctx, s.docsKey(collection)).Result()
	if err != nil {
		return nil, errors.StoreUnavailablef(err, "query %s", collection)
	}

	docs := make([]docstore.Document, 0, len(all))
	for id, raw := range all {
		if doc, ok := s.match(collection, id, raw, filter); ok {
			docs = append(docs, doc)
		}
	}
	docstore.SortByID(docs)
	return docs, nil
}

// queryIndex reads only the documents listed in one index set. Entries are
// re-checked against the filter.
func (s *Store) queryIndex(ctx context.Context, collection, key string, filter docstore.Filter) ([]docstore.Document, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.StoreUnavailablef(err, "query %s", collection)
	}
	if len(ids) == 0 {
		return []docstore.Document{}, nil
	}
	values, err := s.client.HMGet(ctx, s.docsKey(collection), ids...).Result()
	if err != nil {
		return nil, errors.StoreUnavailablef(err, "query %s", collection)
	}

	docs := make([]docstore.Document, 0, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		if doc, ok := s.match(collection, ids[i], raw, filter); ok {
			docs = append(docs, doc)
		}
	}
	docstore.SortByID(docs)
	return docs, nil
}

func (s *Store) match(collection, id, raw string, filter docstore.Filter) (docstore.Document, bool) {
	fields, err := decode(raw)
	if err != nil {
		s.logger.Warn("skipping undecodable document", "collection", collection, "id", id, "error", err)
		return docstore.Document{}, false
	}
	if !docstore.Matches(fields, filter) {
		return docstore.Document{}, false
	}
	return docstore.Document{ID: id, Fields: fields}, true
}

// indexKey is the index set holding a document with fields under field.
func (s *Store) indexKey(collection, field string, fields docstore.Fields, exists bool) (string, bool) {
	if !exists {
		return "", false
	}
	v, ok := fields[field]
	if !ok {
		return "", false
	}
	return s.valueKey(collection, field, v)
}

// valueKey names the index set for one scalar value. Values compare by
// their JSON encoding, as docstore.Matches does. Objects, arrays and null
// are not indexed.
func (s *Store) valueKey(collection, field string, value any) (string, bool) {
	data, err := json.Marshal(value)
	if err != nil || len(data) == 0 || data[0] == '{' || data[0] == '[' || string(data) == "null" {
		return "", false
	}
	return s.prefix + "idx:" + collection + ":" + field + ":" + string(data), true
}

func encode(fields docstore.Fields) (string, error) {
	if fields == nil {
		fields = docstore.Fields{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(data), nil
}

func decode(raw string) (docstore.Fields, error) {
	var fields docstore.Fields
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = docstore.Fields{}
	}
	return fields, nil
}
