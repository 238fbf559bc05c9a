package memo

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/animemo/memosync/internal/domain"
)

type jobKind string

const (
	jobSave   jobKind = "save"   // local cache snapshot
	jobPut    jobKind = "put"    // remote document write
	jobDelete jobKind = "delete" // remote document delete
)

// job is one persistence step. Exactly one of run or barrier is set.
type job struct {
	seq      uint64
	kind     jobKind
	action   string
	recordID string
	// snapshot is the collection the job persists (local modes).
	snapshot []domain.WatchRecord
	run      func(ctx context.Context) error
	barrier  chan struct{}
}

type jobResult struct {
	job     job
	err     error
	skipped bool
}

// writer executes persistence jobs for one identity strictly in issuance
// order, one at a time. Results are handed to report, which forwards them
// to the engine loop.
type writer struct {
	identity string
	gen      uint64
	jobs     *queue[job]
	timeout  time.Duration
	report   func(jobResult)

	// skipThrough marks every job with seq <= its value as abandoned.
	skipThrough atomic.Uint64
	done        chan struct{}
}

// newWriter creates a writer. The caller starts run on its own goroutine.
func newWriter(identity string, gen uint64, timeout time.Duration, report func(jobResult)) *writer {
	return &writer{
		identity: identity,
		gen:      gen,
		jobs:     newQueue[job](),
		timeout:  timeout,
		report:   report,
		done:     make(chan struct{}),
	}
}

func (w *writer) enqueue(j job) bool {
	return w.jobs.push(j)
}

// abandon drops every queued job up to and including seq.
func (w *writer) abandon(seq uint64) {
	for {
		cur := w.skipThrough.Load()
		if seq <= cur || w.skipThrough.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// close stops intake. Already queued jobs still run.
func (w *writer) close() {
	w.jobs.close()
}

func (w *writer) run() {
	defer close(w.done)
	for {
		items, closed := w.jobs.drain()
		for _, j := range items {
			w.execute(j)
		}
		if closed && len(items) == 0 {
			return
		}
		if !closed {
			<-w.jobs.signal
		}
	}
}

func (w *writer) execute(j job) {
	if j.barrier != nil {
		close(j.barrier)
		return
	}
	if j.seq <= w.skipThrough.Load() {
		w.report(jobResult{job: j, skipped: true})
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if w.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
	}
	err := j.run(ctx)
	cancel()
	w.report(jobResult{job: j, err: err})
}
