package events

import (
	"context"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/id"
)

// Client is a connected event subscriber.
type Client struct {
	ConnectedAt time.Time
	EventChan   chan Event
	Done        chan struct{}
	ID          string
	// Identity filters delivery to events for that user. Empty receives all.
	Identity string
}

// Notice is a failure shown to the user until dismissed.
type Notice struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Retryable bool      `json:"retryable"`
}

// Manager fans events out to clients and retains failure notices. It
// implements memo.Notifier.
type Manager struct {
	clients map[string]*Client
	events  chan Event
	logger  *slog.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex

	// Shutdown state - protected by shutdownMu
	shutdownMu sync.RWMutex
	shutdown   bool

	noticesMu sync.Mutex
	notices   []Notice
}

// NewManager creates a new Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		clients: make(map[string]*Client),
		events:  make(chan Event, 1000),
		logger:  logger.With("component", "events"),
	}
}

// Start runs the broadcast loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	m.logger.Debug("event manager starting")
	for {
		select {
		case event, ok := <-m.events:
			if !ok {
				m.closeAllClients()
				return
			}
			m.broadcast(event)
		case <-ctx.Done():
			m.logger.Debug("event manager stopping")
			m.closeAllClients()
			return
		}
	}
}

// Shutdown stops accepting events, drains queued ones, and waits for Start
// to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownMu.Lock()
	if m.shutdown {
		m.shutdownMu.Unlock()
		return nil
	}
	m.shutdown = true
	close(m.events)
	m.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("event drain timeout, some events may be lost")
		return ctx.Err()
	}
}

func (m *Manager) broadcast(event Event) {
	var delivered, dropped, filtered int

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, client := range m.clients {
		if event.Identity != "" && client.Identity != "" && event.Identity != client.Identity {
			filtered++
			continue
		}

		// Non-blocking send (drop if client is slow/stuck).
		select {
		case client.EventChan <- event:
			delivered++
		default:
			dropped++
			m.logger.Warn("dropped event for slow client",
				slog.String("client_id", client.ID),
				slog.String("event_type", string(event.Type)))
		}
	}

	m.logger.Debug("event broadcast",
		slog.String("event_type", string(event.Type)),
		slog.Group("stats",
			slog.Int("delivered", delivered),
			slog.Int("filtered", filtered),
			slog.Int("dropped", dropped)))
}

// Connect registers a client for identity's events. Empty identity receives
// every event.
func (m *Manager) Connect(identity string) (*Client, error) {
	clientID, err := id.Generate(id.PrefixClient)
	if err != nil {
		return nil, err
	}

	client := &Client{
		ID:          clientID,
		Identity:    identity,
		EventChan:   make(chan Event, 100),
		Done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}

	m.mu.Lock()
	m.clients[client.ID] = client
	total := len(m.clients)
	m.mu.Unlock()

	m.logger.Debug("client connected",
		slog.String("client_id", clientID),
		slog.String("identity", identity),
		slog.Int("total_clients", total))
	return client, nil
}

// Disconnect removes a client and closes its channels.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	client, ok := m.clients[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, clientID)
	total := len(m.clients)
	m.mu.Unlock()

	close(client.Done)
	close(client.EventChan)

	m.logger.Debug("client disconnected",
		slog.String("client_id", clientID),
		slog.Duration("duration", time.Since(client.ConnectedAt)),
		slog.Int("total_clients", total))
}

// Emit queues an event for broadcasting. Events emitted after Shutdown are
// dropped.
func (m *Manager) Emit(event Event) {
	m.shutdownMu.RLock()
	defer m.shutdownMu.RUnlock()

	if m.shutdown {
		return
	}

	select {
	case m.events <- event:
	default:
		m.logger.Error("event channel full, dropping event",
			slog.String("event_type", string(event.Type)))
	}
}

// Ack emits a transient acknowledgment.
func (m *Manager) Ack(identity, message string) {
	m.Emit(NewAckEvent(identity, message))
}

// Failure records a notice that stays pending until dismissed, and emits it.
func (m *Manager) Failure(identity, message string, err error) {
	n := Notice{
		ID:        id.MustGenerate(id.PrefixNotice),
		Identity:  identity,
		Message:   message,
		CreatedAt: time.Now(),
	}
	if err != nil {
		n.Error = err.Error()
		n.Code = string(errors.CodeOf(err))
		n.Retryable = errors.Retryable(err)
	}

	m.noticesMu.Lock()
	m.notices = append(m.notices, n)
	m.noticesMu.Unlock()

	m.Emit(NewFailureEvent(n))
}

// Pending returns identity's undismissed notices, oldest first. Empty
// identity returns all of them.
func (m *Manager) Pending(identity string) []Notice {
	m.noticesMu.Lock()
	defer m.noticesMu.Unlock()

	out := make([]Notice, 0, len(m.notices))
	for _, n := range m.notices {
		if identity == "" || n.Identity == identity {
			out = append(out, n)
		}
	}
	return out
}

// Dismiss removes a pending notice.
func (m *Manager) Dismiss(noticeID string) error {
	m.noticesMu.Lock()
	i := slices.IndexFunc(m.notices, func(n Notice) bool { return n.ID == noticeID })
	if i < 0 {
		m.noticesMu.Unlock()
		return errors.NotFoundf("notice %s not found", noticeID)
	}
	n := m.notices[i]
	m.notices = slices.Delete(m.notices, i, i+1)
	m.noticesMu.Unlock()

	m.Emit(NewNoticeDismissedEvent(n.Identity, n.ID))
	return nil
}

// Clients returns an iterator over all connected clients.
func (m *Manager) Clients() iter.Seq[*Client] {
	return func(yield func(*Client) bool) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		for _, client := range m.clients {
			if !yield(client) {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *Manager) closeAllClients() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, client := range m.clients {
		close(client.Done)
		close(client.EventChan)
	}
	m.clients = make(map[string]*Client)
}
