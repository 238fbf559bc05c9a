// Package memo owns the canonical watch-record collection for the signed-in
// identity and keeps it in step with its backing store.
//
// All state lives on one goroutine started by Run. Public methods submit a
// closure to an unbounded FIFO command queue and wait for it to execute, so
// user actions, store pushes, and write completions are applied one at a
// time in arrival order. Persistence runs on a per-identity writer that
// executes jobs in issuance order with at most one in flight; its results
// come back to the loop as queued commands.
//
// Every event is tagged with the identity generation it was issued under.
// Signing out or switching identity bumps the generation, so late pushes and
// write results for the previous identity are dropped instead of leaking into
// the new collection.
package memo

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/id"
	"github.com/animemo/memosync/internal/localcache"
	"github.com/animemo/memosync/internal/validation"
)

// DefaultWriteTimeout bounds a single persistence call.
const DefaultWriteTimeout = 15 * time.Second

var (
	errNotSignedIn = errors.NotReady("not signed in")
	errStopped     = errors.NotReady("engine is not running")
)

// Notifier receives user-visible outcomes of persistence.
type Notifier interface {
	// Ack reports a successful mutation. Acks are transient.
	Ack(identity, message string)
	// Failure reports a mutation or load that did not apply.
	Failure(identity, message string, err error)
}

type noopNotifier struct{}

func (noopNotifier) Ack(string, string)            {}
func (noopNotifier) Failure(string, string, error) {}

// Snapshot is a point-in-time view of the engine. Records must be treated as
// read-only by listeners.
type Snapshot struct {
	Identity string
	State    State
	Records  []domain.WatchRecord
}

// Options configure an Engine.
type Options struct {
	Mode Mode
	// Namespace is the local cache key in ModeSharedLocal and the key prefix
	// in ModeLocal. Defaults to domain.DefaultNamespace.
	Namespace string
	// Docs is required in ModeRemote.
	Docs docstore.Store
	// Cache is required in the local modes.
	Cache localcache.Cache

	Validator    *validation.Validator
	Notifier     Notifier
	Logger       *slog.Logger
	WriteTimeout time.Duration

	// Clock and NewID exist for tests.
	Clock func() time.Time
	NewID func() string
}

// Engine is the memo synchronization engine.
type Engine struct {
	mode         Mode
	namespace    string
	docs         docstore.Store
	cache        localcache.Cache
	validator    *validation.Validator
	notifier     Notifier
	logger       *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
	newID        func() string

	cmds       *queue[func()]
	running    atomic.Bool
	stopped    chan struct{}
	background sync.WaitGroup

	listenersMu  sync.Mutex
	listeners    map[int]func(Snapshot)
	nextListener int

	// Owned by the Run goroutine.
	runCtx     context.Context
	state      State
	identity   string
	gen        uint64
	seq        uint64
	records    []domain.WatchRecord
	persisted  []domain.WatchRecord // last snapshot the local cache accepted
	base       []domain.WatchRecord // last authoritative push
	sub        docstore.Subscription
	writer     *writer
	loadCancel context.CancelFunc
	loadErr    error
	writeErr   error
	deferred   []func()
	waiters    []chan struct{}
}

// New creates an engine. Call Run to start it.
func New(opts Options) (*Engine, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeRemote
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, errors.Validation(err.Error())
	}
	if mode == ModeRemote && opts.Docs == nil {
		return nil, errors.Validation("remote mode requires a document store")
	}
	if mode.Local() && opts.Cache == nil {
		return nil, errors.Validationf("%s mode requires a local cache", mode)
	}

	e := &Engine{
		mode:         mode,
		namespace:    opts.Namespace,
		docs:         opts.Docs,
		cache:        opts.Cache,
		validator:    opts.Validator,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		writeTimeout: opts.WriteTimeout,
		now:          opts.Clock,
		newID:        opts.NewID,
		cmds:         newQueue[func()](),
		stopped:      make(chan struct{}),
		listeners:    make(map[int]func(Snapshot)),
		state:        StateSignedOut,
	}
	if e.namespace == "" {
		e.namespace = domain.DefaultNamespace
	}
	if e.validator == nil {
		e.validator = validation.New()
	}
	if e.notifier == nil {
		e.notifier = noopNotifier{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "memo", "mode", string(mode))
	if e.writeTimeout <= 0 {
		e.writeTimeout = DefaultWriteTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = id.NewRecordID
	}
	return e, nil
}

// Mode returns the configured storage mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Run processes commands until ctx is done. On exit it signs out, lets the
// writers finish their queued jobs, and returns. Commands submitted before
// Run starts wait for it.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.Internal("engine is already running")
	}
	defer close(e.stopped)
	e.runCtx = ctx

	for {
		items, _ := e.cmds.drain()
		for _, cmd := range items {
			cmd()
		}
		select {
		case <-ctx.Done():
			e.cmds.close()
			e.teardown()
			e.background.Wait()
			e.logger.Info("memo engine stopped")
			return nil
		case <-e.cmds.signal:
		}
	}
}

// OnChange registers fn to receive a snapshot after every change to the
// collection or state. fn runs on the engine goroutine and must not call
// back into the engine.
func (e *Engine) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	e.listenersMu.Lock()
	key := e.nextListener
	e.nextListener++
	e.listeners[key] = fn
	e.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.listenersMu.Lock()
			delete(e.listeners, key)
			e.listenersMu.Unlock()
		})
	}
}

// SignIn makes ident the active identity and starts loading its collection.
// Signing in as the active identity is a no-op unless its load failed, in
// which case the load starts over.
func (e *Engine) SignIn(ctx context.Context, ident string) error {
	if ident == "" {
		return errors.Validation("identity is required")
	}
	return e.submit(ctx, func() {
		if e.identity == ident && e.state != StateSignedOut && e.loadErr == nil {
			return
		}
		e.teardown()
		e.start(ident)
	})
}

// Retry restarts a failed load for the active identity. It does nothing while
// a load is in progress or the collection is Synced.
func (e *Engine) Retry(ctx context.Context) error {
	var opErr error
	err := e.submit(ctx, func() {
		switch {
		case e.state == StateSignedOut:
			opErr = errNotSignedIn
		case e.loadErr != nil:
			ident := e.identity
			e.logger.Info("retrying collection load", "identity", ident)
			e.teardown()
			e.start(ident)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// SignOut clears the collection and cancels everything tied to the identity.
func (e *Engine) SignOut(ctx context.Context) error {
	return e.submit(ctx, func() {
		if e.state == StateSignedOut {
			return
		}
		e.teardown()
		e.logger.Info("signed out")
		e.emit()
	})
}

// Add validates in, appends a new record, and queues its persistence. The
// record is visible to later reads at once; persistence is reported through
// the Notifier.
func (e *Engine) Add(ctx context.Context, in domain.WatchInput) (domain.WatchRecord, error) {
	if err := e.validator.Validate(in); err != nil {
		return domain.WatchRecord{}, err
	}
	var rec domain.WatchRecord
	err := e.mutate(ctx, func() error {
		rec = in.Record(e.newID(), e.now())
		e.records = append(e.records, rec)
		e.persist(jobPut, "added", rec)
		e.emit()
		return nil
	})
	if err != nil {
		return domain.WatchRecord{}, err
	}
	return rec.Clone(), nil
}

// Update shallow-merges patch into the record with recordID. An absent ID
// yields NOT_FOUND and changes nothing.
func (e *Engine) Update(ctx context.Context, recordID string, patch domain.WatchPatch) (domain.WatchRecord, error) {
	var out domain.WatchRecord
	err := e.mutate(ctx, func() error {
		i := e.indexOf(recordID)
		if i < 0 {
			return errors.NotFoundf("record %s not found", recordID)
		}
		if patch.IsEmpty() {
			out = e.records[i].Clone()
			return nil
		}
		next := patch.Apply(e.records[i])
		if err := e.validator.Validate(next); err != nil {
			return err
		}
		e.records[i] = next
		out = next.Clone()
		e.persist(jobPut, "updated", next)
		e.emit()
		return nil
	})
	if err != nil {
		return domain.WatchRecord{}, err
	}
	return out, nil
}

// Delete removes the record with recordID. Deleting an absent ID is a no-op.
func (e *Engine) Delete(ctx context.Context, recordID string) error {
	return e.mutate(ctx, func() error {
		i := e.indexOf(recordID)
		if i < 0 {
			return nil
		}
		removed := e.records[i]
		e.records = slices.Delete(e.records, i, i+1)
		e.persist(jobDelete, "deleted", removed)
		e.emit()
		return nil
	})
}

// Reconcile replaces the collection wholesale with an authoritative snapshot.
// It applies only in ModeRemote, where pushes call it implicitly.
func (e *Engine) Reconcile(ctx context.Context, records []domain.WatchRecord) error {
	if e.mode != ModeRemote {
		return errors.Validationf("reconcile does not apply in %s mode", e.mode)
	}
	normalized := make([]domain.WatchRecord, 0, len(records))
	for _, r := range records {
		r = r.Clone()
		r.Date = domain.NormalizeDate(r.Date)
		normalized = append(normalized, r)
	}
	var opErr error
	err := e.submit(ctx, func() {
		if e.state == StateSignedOut {
			opErr = errNotSignedIn
			return
		}
		e.reconcile(normalized)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Snapshot returns the current identity, state, and a copy of the collection.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.submit(ctx, func() {
		snap = e.snapshot()
	})
	return snap, err
}

// AwaitSynced blocks until the active identity's collection is Synced and
// returns its snapshot. It fails with NOT_READY when signed out or when the
// initial load failed.
func (e *Engine) AwaitSynced(ctx context.Context) (Snapshot, error) {
	for {
		var (
			snap    Snapshot
			loadErr error
			wait    chan struct{}
		)
		err := e.submit(ctx, func() {
			snap = e.snapshot()
			loadErr = e.loadErr
			if e.state == StateLoading && loadErr == nil {
				wait = make(chan struct{})
				e.waiters = append(e.waiters, wait)
			}
		})
		if err != nil {
			return Snapshot{}, err
		}

		switch {
		case snap.State == StateSynced:
			return snap, nil
		case snap.State == StateSignedOut:
			return snap, errNotSignedIn
		case loadErr != nil:
			return snap, errors.NotReady("collection failed to load").WithCause(loadErr)
		}

		select {
		case <-wait:
		case <-e.stopped:
			return Snapshot{}, errStopped
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
}

// Flush waits until every write queued so far has finished, then returns the
// most recent write failure since the previous Flush, if any.
func (e *Engine) Flush(ctx context.Context) error {
	var barrier chan struct{}
	err := e.submit(ctx, func() {
		if e.writer == nil {
			return
		}
		b := make(chan struct{})
		if e.writer.enqueue(job{barrier: b}) {
			barrier = b
		}
	})
	if err != nil {
		return err
	}
	if barrier != nil {
		select {
		case <-barrier:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var writeErr error
	err = e.submit(ctx, func() {
		writeErr, e.writeErr = e.writeErr, nil
	})
	if err != nil {
		return err
	}
	return writeErr
}

// submit runs fn on the engine goroutine and waits for it.
func (e *Engine) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.cmds.push(func() {
		fn()
		close(done)
	}) {
		return errStopped
	}
	return e.wait(ctx, done)
}

// mutate runs op once the collection is Synced. Mutations issued while
// Loading are deferred and replayed in issuance order after the initial
// snapshot; they fail if the identity goes away first.
func (e *Engine) mutate(ctx context.Context, op func() error) error {
	done := make(chan struct{})
	var opErr error

	var attempt func()
	attempt = func() {
		switch e.state {
		case StateSignedOut:
			opErr = errNotSignedIn
		case StateLoading:
			if e.loadErr != nil {
				opErr = errors.NotReady("collection failed to load").WithCause(e.loadErr)
				break
			}
			e.deferred = append(e.deferred, attempt)
			return
		case StateSynced:
			opErr = op()
		}
		close(done)
	}

	if !e.cmds.push(attempt) {
		return errStopped
	}
	if err := e.wait(ctx, done); err != nil {
		return err
	}
	return opErr
}

func (e *Engine) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-e.stopped:
		select {
		case <-done:
			return nil
		default:
			return errStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn for the loop, dropping it if the generation has moved on.
func (e *Engine) post(gen uint64, fn func()) {
	e.cmds.push(func() {
		if gen != e.gen {
			e.logger.Debug("dropping stale event", "generation", gen, "current", e.gen)
			return
		}
		fn()
	})
}

// start enters Loading for ident and kicks off the initial load.
func (e *Engine) start(ident string) {
	e.gen++
	gen := e.gen
	e.identity = ident
	e.state = StateLoading
	e.records = []domain.WatchRecord{}
	e.seq = 0

	w := newWriter(ident, gen, e.writeTimeout, func(r jobResult) {
		e.post(gen, func() { e.onWriteResult(r) })
	})
	e.writer = w
	e.background.Go(w.run)

	e.logger.Info("signed in, loading collection", "identity", ident)
	e.emit()

	if e.mode == ModeRemote {
		sub, err := e.docs.Subscribe(e.runCtx, domain.CollectionMemos, docstore.Where(domain.FieldOwnerID, ident),
			func(docs []docstore.Document) {
				e.post(gen, func() { e.onPush(docs) })
			},
			func(err error) {
				e.post(gen, func() { e.onPushError(err) })
			})
		if err != nil {
			e.onPushError(err)
			return
		}
		e.sub = sub
		return
	}

	ctx, cancel := context.WithCancel(e.runCtx)
	e.loadCancel = cancel
	ns := e.namespaceFor(ident)
	e.background.Go(func() {
		data, ok, err := e.cache.Load(ctx, ns)
		e.post(gen, func() { e.onLoaded(data, ok, err) })
	})
}

// teardown cancels everything tied to the active identity and returns to
// SignedOut. Deferred mutations fail.
func (e *Engine) teardown() {
	if e.sub != nil {
		e.sub.Unsubscribe()
		e.sub = nil
	}
	if e.loadCancel != nil {
		e.loadCancel()
		e.loadCancel = nil
	}
	if e.writer != nil {
		// Queued writes for the old identity still run; their results are stale.
		e.writer.close()
		e.writer = nil
	}

	e.gen++
	e.state = StateSignedOut
	e.identity = ""
	e.records = nil
	e.persisted = nil
	e.base = nil
	e.loadErr = nil
	e.writeErr = nil
	e.releaseWaiters()

	pending := e.deferred
	e.deferred = nil
	for _, attempt := range pending {
		attempt()
	}
}

func (e *Engine) onLoaded(data []byte, ok bool, err error) {
	e.loadCancel = nil
	if err != nil {
		e.failLoad(err)
		return
	}
	records := []domain.WatchRecord{}
	if ok {
		records, err = decodeCache(data, e.logger)
		if err != nil {
			e.failLoad(errors.Wrap(err, errors.CodeInternal, "local cache is unreadable"))
			return
		}
	}
	e.persisted = cloneRecords(records)
	e.records = records
	e.synced()
}

func (e *Engine) onPush(docs []docstore.Document) {
	e.logger.Debug("push received", "identity", e.identity, "documents", len(docs))
	e.reconcile(decodeRemote(docs, e.logger))
}

func (e *Engine) onPushError(err error) {
	if e.state == StateLoading {
		e.failLoad(err)
		return
	}
	e.logger.Error("subscription error", "identity", e.identity, "error", err)
	e.notifier.Failure(e.identity, "Lost connection to your records. Showing the last synced state.", err)
}

// reconcile is the full replace applied for every authoritative snapshot.
func (e *Engine) reconcile(records []domain.WatchRecord) {
	e.base = cloneRecords(records)
	e.records = cloneRecords(records)
	if e.state == StateLoading {
		e.synced()
		return
	}
	e.emit()
}

// synced completes Loading and replays deferred mutations.
func (e *Engine) synced() {
	e.loadErr = nil
	e.state = StateSynced
	e.logger.Info("collection synced", "identity", e.identity, "records", len(e.records))
	e.emit()
	e.releaseWaiters()

	pending := e.deferred
	e.deferred = nil
	for _, attempt := range pending {
		attempt()
	}
}

func (e *Engine) failLoad(err error) {
	e.loadErr = err
	e.logger.Error("collection failed to load", "identity", e.identity, "error", err)
	e.notifier.Failure(e.identity, "Couldn't load your records.", err)
	e.releaseWaiters()

	pending := e.deferred
	e.deferred = nil
	for _, attempt := range pending {
		attempt()
	}
}

// persist queues the write for a mutation that has already been applied to
// e.records.
func (e *Engine) persist(kind jobKind, action string, rec domain.WatchRecord) {
	e.seq++
	j := job{seq: e.seq, kind: kind, action: action, recordID: rec.ID}

	switch {
	case e.mode.Local():
		j.kind = jobSave
		j.snapshot = cloneRecords(e.records)
		ns := e.namespaceFor(e.identity)
		snapshot := j.snapshot
		j.run = func(ctx context.Context) error {
			data, err := encodeCache(snapshot)
			if err != nil {
				return err
			}
			return e.cache.Save(ctx, ns, data)
		}
	case kind == jobDelete:
		j.run = func(ctx context.Context) error {
			return e.docs.Delete(ctx, domain.CollectionMemos, rec.ID)
		}
	default:
		fields, err := remoteFields(rec, e.identity)
		j.run = func(ctx context.Context) error {
			if err != nil {
				return err
			}
			return e.docs.Put(ctx, domain.CollectionMemos, rec.ID, fields)
		}
	}

	e.writer.enqueue(j)
}

func (e *Engine) onWriteResult(r jobResult) {
	if r.skipped {
		e.logger.Debug("skipped abandoned write", "seq", r.job.seq, "record_id", r.job.recordID)
		return
	}
	if r.err == nil {
		if e.mode.Local() {
			e.persisted = r.job.snapshot
		}
		e.notifier.Ack(e.identity, "Record "+r.job.action+".")
		return
	}

	// Everything issued after the failed job was built on top of it.
	e.writer.abandon(e.seq)
	e.writeErr = r.err
	if e.mode.Local() {
		e.records = cloneRecords(e.persisted)
	} else {
		e.records = cloneRecords(e.base)
	}
	if e.records == nil {
		e.records = []domain.WatchRecord{}
	}

	e.logger.Warn("write failed, collection rolled back",
		"identity", e.identity,
		"record_id", r.job.recordID,
		"kind", string(r.job.kind),
		"error", r.err,
	)
	e.notifier.Failure(e.identity, "Couldn't save your changes. Please try again.", r.err)
	e.emit()
}

func (e *Engine) releaseWaiters() {
	for _, w := range e.waiters {
		close(w)
	}
	e.waiters = nil
}

func (e *Engine) namespaceFor(ident string) string {
	if e.mode == ModeLocal {
		return e.namespace + "_" + ident
	}
	return e.namespace
}

func (e *Engine) indexOf(recordID string) int {
	return slices.IndexFunc(e.records, func(r domain.WatchRecord) bool { return r.ID == recordID })
}

func (e *Engine) snapshot() Snapshot {
	records := cloneRecords(e.records)
	if records == nil {
		records = []domain.WatchRecord{}
	}
	return Snapshot{Identity: e.identity, State: e.state, Records: records}
}

func (e *Engine) emit() {
	e.listenersMu.Lock()
	keys := make([]int, 0, len(e.listeners))
	for k := range e.listeners {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	fns := make([]func(Snapshot), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, e.listeners[k])
	}
	e.listenersMu.Unlock()

	if len(fns) == 0 {
		return
	}
	snap := e.snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
