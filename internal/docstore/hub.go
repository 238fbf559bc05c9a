package docstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/animemo/memosync/internal/id"
)

// QueryFunc produces the current result set of a subscription.
type QueryFunc func(ctx context.Context) ([]Document, error)

// Hub fans change notifications out to subscriptions. Backends call Notify
// after a committed write and delegate Subscribe to Watch.
//
// Each subscription runs its own goroutine. Notifications coalesce: a burst
// of writes produces at least one re-query after the last write, never one
// per write.
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]map[string]*watcher // collection -> subscription ID
	closed   bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		watchers: make(map[string]map[string]*watcher),
	}
}

type watcher struct {
	id         string
	collection string
	query      QueryFunc
	onNext     func([]Document)
	onError    func(error)

	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	hub    *Hub
}

func (w *watcher) ID() string { return w.id }

func (w *watcher) Unsubscribe() {
	w.once.Do(func() {
		w.cancel()
		w.hub.remove(w)
	})
}

func (w *watcher) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) run() {
	defer w.Unsubscribe()

	for {
		docs, err := w.query(w.ctx)
		if w.ctx.Err() != nil {
			return
		}
		if err != nil {
			w.onError(err)
		} else {
			w.onNext(docs)
		}

		select {
		case <-w.ctx.Done():
			return
		case <-w.signal:
		}
	}
}

// Watch registers a subscription on collection. The first result set is
// delivered as soon as the watcher goroutine starts.
func (h *Hub) Watch(ctx context.Context, collection string, query QueryFunc, onNext func([]Document), onError func(error)) (Subscription, error) {
	if onNext == nil {
		onNext = func([]Document) {}
	}
	if onError == nil {
		onError = func(error) {}
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{
		id:         id.MustGenerate(id.PrefixSubscription),
		collection: collection,
		query:      query,
		onNext:     onNext,
		onError:    onError,
		signal:     make(chan struct{}, 1),
		ctx:        wctx,
		cancel:     cancel,
		hub:        h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, errStoreClosed
	}
	byID, ok := h.watchers[collection]
	if !ok {
		byID = make(map[string]*watcher)
		h.watchers[collection] = byID
	}
	byID[w.id] = w
	h.mu.Unlock()

	h.logger.Debug("subscription started", "subscription_id", w.id, "collection", collection)
	go w.run()
	return w, nil
}

// Notify schedules a re-query for every subscription on collection.
func (h *Hub) Notify(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.watchers[collection] {
		w.notify()
	}
}

// NotifyAll schedules a re-query for every subscription.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, byID := range h.watchers {
		for _, w := range byID {
			w.notify()
		}
	}
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, byID := range h.watchers {
		n += len(byID)
	}
	return n
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*watcher
	for _, byID := range h.watchers {
		for _, w := range byID {
			all = append(all, w)
		}
	}
	h.mu.Unlock()

	for _, w := range all {
		w.Unsubscribe()
	}
}

func (h *Hub) remove(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if byID, ok := h.watchers[w.collection]; ok {
		delete(byID, w.id)
		if len(byID) == 0 {
			delete(h.watchers, w.collection)
		}
	}
	h.logger.Debug("subscription stopped", "subscription_id", w.id, "collection", w.collection)
}
