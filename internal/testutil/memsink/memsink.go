// Package memsink is an in-memory directory.Sink for tests. It records
// exported ports and buffers deliveries on a channel.
package memsink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sambigeara/msgport/pkg/directory"
	"github.com/sambigeara/msgport/pkg/msgerr"
)

const defaultQueueSize = 256

var ErrSinkClosed = errors.New("sink closed")

type Sink struct {
	exported  map[uint64]directory.Port
	recvCh    chan directory.Delivery
	exportErr error
	mu        sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ directory.Sink = (*Sink)(nil)

func New() *Sink {
	return &Sink{
		exported: make(map[uint64]directory.Port),
		recvCh:   make(chan directory.Delivery, defaultQueueSize),
	}
}

// FailExports makes every subsequent Export return err.
func (s *Sink) FailExports(err error) {
	s.mu.Lock()
	s.exportErr = err
	s.mu.Unlock()
}

func (s *Sink) Export(p directory.Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return msgerr.IOErrorf("%v", ErrSinkClosed)
	}
	if s.exportErr != nil {
		return s.exportErr
	}
	s.exported[p.ID] = p
	return nil
}

func (s *Sink) Unexport(id uint64) {
	s.mu.Lock()
	delete(s.exported, id)
	s.mu.Unlock()
}

func (s *Sink) Exported() map[uint64]directory.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]directory.Port, len(s.exported))
	for id, p := range s.exported {
		out[id] = p
	}
	return out
}

func (s *Sink) Deliver(d directory.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return msgerr.IOErrorf("%v", ErrSinkClosed)
	}
	if _, ok := s.exported[d.Port.ID]; !ok {
		return msgerr.NotFoundf("port %d not exported", d.Port.ID)
	}
	select {
	case s.recvCh <- d:
		return nil
	default:
		return msgerr.IOErrorf("queue full")
	}
}

// Recv returns the next delivery without blocking.
func (s *Sink) Recv() (directory.Delivery, error) {
	select {
	case d, ok := <-s.recvCh:
		if !ok {
			return directory.Delivery{}, ErrSinkClosed
		}
		return d, nil
	default:
		return directory.Delivery{}, fmt.Errorf("no pending delivery")
	}
}

// Pending returns the number of buffered deliveries.
func (s *Sink) Pending() int { return len(s.recvCh) }

func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		close(s.recvCh)
		s.mu.Unlock()
	})
}
