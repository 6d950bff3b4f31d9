package transport

import (
	"errors"
	"sync"
)

// ErrNotConnected is returned when subscribing before Connect.
var ErrNotConnected = errors.New("transport: not connected")

// MemoryBroker is an in-process broker for tests. Clients created with
// Client receive every Publish whose topic matches one of their filters.
type MemoryBroker struct {
	mu      sync.RWMutex
	clients map[*MemoryTransport]struct{}

	// ConnectErr, when set, makes every Connect fail with it.
	ConnectErr error
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{clients: make(map[*MemoryTransport]struct{})}
}

// Client creates a transport attached to the broker.
func (b *MemoryBroker) Client() *MemoryTransport {
	return &MemoryTransport{
		broker:   b,
		incoming: make(chan Message, 1024),
		lost:     make(chan error, 1),
	}
}

// Publish delivers payload to every connected client subscribed to a
// matching filter. It returns the number of clients reached.
func (b *MemoryBroker) Publish(topic string, payload []byte) int {
	b.mu.RLock()
	clients := make([]*MemoryTransport, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	n := 0
	for _, c := range clients {
		if c.matches(topic) {
			select {
			case c.incoming <- Message{Topic: topic, Payload: append([]byte(nil), payload...)}:
				n++
			default:
			}
		}
	}
	return n
}

// Drop disconnects every client, reporting err on their Lost channel.
func (b *MemoryBroker) Drop(err error) {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[*MemoryTransport]struct{})
	b.mu.Unlock()
	for c := range clients {
		select {
		case c.lost <- err:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (b *MemoryBroker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// MemoryTransport is one client session on a MemoryBroker.
type MemoryTransport struct {
	broker   *MemoryBroker
	incoming chan Message
	lost     chan error

	mu        sync.RWMutex
	connected bool
	filters   []string
}

func (t *MemoryTransport) Connect() error {
	if err := t.broker.ConnectErr; err != nil {
		return err
	}
	t.broker.mu.Lock()
	t.broker.clients[t] = struct{}{}
	t.broker.mu.Unlock()

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Subscribe(filters ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.filters = append(t.filters, filters...)
	return nil
}

// Filters returns the filters subscribed so far.
func (t *MemoryTransport) Filters() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.filters...)
}

func (t *MemoryTransport) matches(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, f := range t.filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

func (t *MemoryTransport) Incoming() <-chan Message { return t.incoming }

func (t *MemoryTransport) Lost() <-chan error { return t.lost }

func (t *MemoryTransport) Close() error {
	t.broker.mu.Lock()
	delete(t.broker.clients, t)
	t.broker.mu.Unlock()

	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}
