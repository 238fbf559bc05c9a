// Package docstore defines the record store adapter that memosync components
// persist through, plus the pieces shared by every backend.
//
// A Store is a collection/document abstraction: point reads and writes,
// shallow merges, idempotent deletes, equality queries, and push
// subscriptions that deliver the full matching result set every time
// matching data changes. Backends live in subpackages (memstore, badgerstore,
// redisstore) and must all satisfy docstoretest.RunContract.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/animemo/memosync/internal/errors"
)

// Fields is the JSON-shaped content of a document.
type Fields map[string]any

// Document is a stored document and its ID within a collection.
type Document struct {
	ID     string
	Fields Fields
}

// Decode unmarshals the document fields into v.
func (d Document) Decode(v any) error {
	data, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// Filter restricts a query or subscription to documents whose Field equals
// Value. The zero Filter matches every document in the collection.
type Filter struct {
	Field string
	Value any
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Field == ""
}

// Where builds an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Subscription is a standing registration created by Store.Subscribe.
type Subscription interface {
	// ID identifies the subscription in logs.
	ID() string
	// Unsubscribe stops deliveries. It is safe to call more than once and
	// from any goroutine, including from inside a delivery callback. A
	// delivery already in progress may still complete.
	Unsubscribe()
}

// Store is the capability surface components depend on.
//
// Get returns a NOT_FOUND error for missing documents. Put replaces the
// whole document. Merge shallow-merges top-level fields into an existing
// document and returns NOT_FOUND if it is absent. Delete is idempotent.
// Transport failures are reported as STORE_UNAVAILABLE.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Put(ctx context.Context, collection, id string, fields Fields) error
	Merge(ctx context.Context, collection, id string, fields Fields) error
	Delete(ctx context.Context, collection, id string) error
	QueryEqual(ctx context.Context, collection, field string, value any) ([]Document, error)
	// Subscribe delivers the current result set immediately and again after
	// every change to the collection. onNext and onError run on a goroutine
	// owned by the subscription, never concurrently with each other. The
	// subscription also ends when ctx is done.
	Subscribe(ctx context.Context, collection string, filter Filter, onNext func([]Document), onError func(error)) (Subscription, error)
	Close() error
}

// Creator is implemented by stores that can create a document only if its
// ID is unused, atomically. Create returns ALREADY_EXISTS otherwise.
type Creator interface {
	Create(ctx context.Context, collection, id string, fields Fields) error
}

// Unioner is implemented by stores that can add values to an array field
// atomically, skipping values already present. Missing documents yield
// NOT_FOUND.
type Unioner interface {
	Union(ctx context.Context, collection, id, field string, values ...any) error
}

// Create creates a document if absent, using the store's atomic Creator when
// it has one. The fallback is a read followed by a write and can race.
func Create(ctx context.Context, s Store, collection, id string, fields Fields) error {
	if c, ok := s.(Creator); ok {
		return c.Create(ctx, collection, id, fields)
	}
	_, err := s.Get(ctx, collection, id)
	if err == nil {
		return errors.AlreadyExistsf("%s/%s already exists", collection, id)
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	return s.Put(ctx, collection, id, fields)
}

// Union adds values to an array field, using the store's atomic Unioner when
// it has one. The fallback is read-modify-write and can lose a concurrent
// update.
func Union(ctx context.Context, s Store, collection, id, field string, values ...any) error {
	if u, ok := s.(Unioner); ok {
		return u.Union(ctx, collection, id, field, values...)
	}
	doc, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	merged, changed, err := UnionValues(doc.Fields[field], values...)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.Merge(ctx, collection, id, Fields{field: merged})
}

// Encode converts a JSON-serializable value into normalized Fields.
func Encode(v any) (Fields, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	var fields Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	if fields == nil {
		return nil, errors.Validation("document must encode to a JSON object")
	}
	return fields, nil
}

// Normalize round-trips fields through JSON so that every backend stores and
// compares the same value shapes (float64 numbers, []any arrays, RFC 3339 times).
func Normalize(fields Fields) (Fields, error) {
	if fields == nil {
		return Fields{}, nil
	}
	return Encode(fields)
}

// MergeFields shallow-merges patch over base and returns a new map.
func MergeFields(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Matches reports whether doc satisfies the filter.
func Matches(fields Fields, f Filter) bool {
	if f.IsZero() {
		return true
	}
	got, ok := fields[f.Field]
	if !ok {
		return false
	}
	return jsonEqual(got, f.Value)
}

// UnionValues appends the values missing from existing, which must be an
// array or nil. It reports whether anything was added.
func UnionValues(existing any, values ...any) ([]any, bool, error) {
	var current []any
	switch v := existing.(type) {
	case nil:
	case []any:
		current = slices.Clone(v)
	default:
		return nil, false, errors.Validationf("field is %T, not an array", existing)
	}

	changed := false
	for _, value := range values {
		present := slices.ContainsFunc(current, func(c any) bool { return jsonEqual(c, value) })
		if present {
			continue
		}
		normalized, err := normalizeValue(value)
		if err != nil {
			return nil, false, err
		}
		current = append(current, normalized)
		changed = true
	}
	if current == nil {
		current = []any{}
	}
	return current, changed, nil
}

// SortByID orders documents by ID so results are deterministic across backends.
func SortByID(docs []Document) {
	slices.SortFunc(docs, func(a, b Document) int { return strings.Compare(a.ID, b.ID) })
}

// ValidateKey rejects collection names and IDs that backends can't encode.
func ValidateKey(collection, id string) error {
	if collection == "" || strings.ContainsAny(collection, ":/") {
		return errors.Validationf("invalid collection name %q", collection)
	}
	if id == "" || strings.Contains(id, "/") {
		return errors.Validationf("invalid document id %q", id)
	}
	return nil
}

func normalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return out, nil
}

func jsonEqual(a, b any) bool {
	da, err := json.Marshal(a)
	if err != nil {
		return false
	}
	db, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(da, db)
}
