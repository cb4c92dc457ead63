package server

import (
	"sync"

	"github.com/sambigeara/msgport/pkg/directory"
	"github.com/sambigeara/msgport/pkg/msgerr"
)

// mailbox is the directory.Sink of one connection. Deliveries queue here
// until the connection's Listen stream forwards them.
type mailbox struct {
	exported map[uint64]struct{}
	ch       chan directory.Delivery
	done     chan struct{}
	maxPorts int
	mu       sync.Mutex
	closed   bool
}

var _ directory.Sink = (*mailbox)(nil)

func newMailbox(queueSize, maxPorts int) *mailbox {
	return &mailbox{
		exported: make(map[uint64]struct{}),
		ch:       make(chan directory.Delivery, queueSize),
		done:     make(chan struct{}),
		maxPorts: maxPorts,
	}
}

func (m *mailbox) Export(p directory.Port) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return msgerr.IOErrorf("connection closed")
	}
	if m.maxPorts > 0 && len(m.exported) >= m.maxPorts {
		return msgerr.OutOfMemoryf("connection already holds %d ports", len(m.exported))
	}
	m.exported[p.ID] = struct{}{}
	return nil
}

func (m *mailbox) Unexport(id uint64) {
	m.mu.Lock()
	delete(m.exported, id)
	m.mu.Unlock()
}

func (m *mailbox) Deliver(d directory.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Teardown unexports every port before closing, so a closed mailbox
	// has no port left to deliver to.
	if _, ok := m.exported[d.Port.ID]; !ok || m.closed {
		return msgerr.NotFoundf("no port found with id '%d'", d.Port.ID)
	}
	select {
	case m.ch <- d:
		return nil
	default:
		return msgerr.IOErrorf("delivery queue of port '%d' is full", d.Port.ID)
	}
}

func (m *mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}
