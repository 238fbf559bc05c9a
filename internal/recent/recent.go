// Package recent derives the public "recently watched" summary from a watch
// collection and publishes it to the owner's profile.
package recent

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/animemo/memosync/internal/docstore"
	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/memo"
)

// Derive returns up to domain.MaxRecent distinct trimmed titles, most
// recently dated first. The first occurrence of a title wins and equal dates
// keep the collection's order. Titles compare case-sensitively.
func Derive(records []domain.WatchRecord) []string {
	out := make([]string, 0, domain.MaxRecent)
	for _, r := range memo.ByDateDesc(records) {
		title := strings.TrimSpace(r.Title)
		if title == "" || slices.Contains(out, title) {
			continue
		}
		out = append(out, title)
		if len(out) == domain.MaxRecent {
			break
		}
	}
	return out
}

// PublishedFunc observes a successful publish.
type PublishedFunc func(identity string, titles []string)

// Option configures a Publisher.
type Option func(*Publisher)

// WithPublishedHook registers fn to run after every write.
func WithPublishedHook(fn PublishedFunc) Option {
	return func(p *Publisher) { p.published = fn }
}

// Publisher writes the derived summary to profiles.recentAnimes whenever the
// summary or the owner's visibility flag changes. Identical consecutive
// writes are suppressed. Nothing is written while signed out, or before both
// a synced collection and the visibility flag are known for the identity, so
// a failed or pending load never overwrites the last published summary.
type Publisher struct {
	docs      docstore.Store
	logger    *slog.Logger
	published PublishedFunc

	mu              sync.Mutex
	identity        string
	derived         []string
	derivedKnown    bool
	public          bool
	visibilityKnown bool
	lastIdentity    string
	lastWritten     []string
	written         bool

	publishMu sync.Mutex
	signal    chan struct{}
}

// NewPublisher creates a publisher. Call Run to publish in the background,
// or Flush to publish synchronously.
func NewPublisher(docs docstore.Store, logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		docs:    docs,
		logger:  logger.With("component", "recent"),
		derived: []string{},
		signal:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CollectionChanged recomputes the summary for identity's collection.
func (p *Publisher) CollectionChanged(identity string, records []domain.WatchRecord) {
	derived := Derive(records)

	p.mu.Lock()
	p.switchTo(identity)
	changed := !p.derivedKnown || !slices.Equal(p.derived, derived)
	p.derived = derived
	p.derivedKnown = true
	p.mu.Unlock()

	if changed {
		p.poke()
	}
}

// SetVisibility records identity's isRecentAnimesPublic flag.
func (p *Publisher) SetVisibility(identity string, public bool) {
	p.mu.Lock()
	p.switchTo(identity)
	changed := !p.visibilityKnown || p.public != public
	p.public = public
	p.visibilityKnown = true
	p.mu.Unlock()

	if changed {
		p.poke()
	}
}

// SignedOut forgets the active identity. Nothing is published until the
// next identity's collection and visibility are both known.
func (p *Publisher) SignedOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.switchTo("")
}

// switchTo resets per-identity state when the identity changes. Callers hold mu.
func (p *Publisher) switchTo(identity string) {
	if p.identity == identity {
		return
	}
	p.identity = identity
	p.derived = []string{}
	p.derivedKnown = false
	p.public = false
	p.visibilityKnown = false
	p.written = false
	p.lastIdentity = ""
	p.lastWritten = nil
}

func (p *Publisher) poke() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run publishes after every change until ctx is done. Bursts of changes
// collapse into one write of the latest summary.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.signal:
			if err := p.Flush(ctx); err != nil {
				p.logger.Error("publish recent summary", "error", err)
			}
		}
	}
}

// Flush publishes the current summary now if it differs from the last
// write. It returns the store error, if any.
func (p *Publisher) Flush(ctx context.Context) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	identity := p.identity
	if identity == "" || !p.visibilityKnown || !p.derivedKnown {
		p.mu.Unlock()
		return nil
	}
	target := []string{}
	if p.public {
		target = slices.Clone(p.derived)
	}
	if p.written && p.lastIdentity == identity && slices.Equal(p.lastWritten, target) {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	err := p.docs.Merge(ctx, domain.CollectionUsers, identity, docstore.Fields{
		domain.FieldRecentAnimes: target,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.identity == identity {
		p.lastIdentity = identity
		p.lastWritten = target
		p.written = true
	}
	p.mu.Unlock()

	p.logger.Debug("published recent summary", "identity", identity, "titles", len(target))
	if p.published != nil {
		p.published(identity, slices.Clone(target))
	}
	return nil
}
