// Package subscriber fans invoice updates out to bounded per-subscriber
// queues. Publishing never blocks: a full queue loses its oldest update.
package subscriber

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"xmrgate/internal/invoice"
	"xmrgate/internal/logging"
)

var (
	ErrClosed  = errors.New("subscriber closed")
	ErrEmpty   = errors.New("no update available")
	ErrTimeout = errors.New("timed out waiting for update")
)

const DefaultBuffer = 16

// Registry tracks subscribers by invoice ID.
type Registry struct {
	buffer int

	mu     sync.Mutex
	byID   map[invoice.ID]map[*Subscriber]struct{}
	all    map[*Subscriber]struct{}
	closed bool
}

// NewRegistry creates a registry whose subscribers buffer up to buffer
// updates each.
func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Registry{
		buffer: buffer,
		byID:   make(map[invoice.ID]map[*Subscriber]struct{}),
		all:    make(map[*Subscriber]struct{}),
	}
}

// Subscriber receives snapshots for one invoice, or for every invoice.
type Subscriber struct {
	reg     *Registry
	id      invoice.ID
	all     bool
	ch      chan invoice.Invoice
	closed  bool // guarded by reg.mu
	dropped atomic.Uint64
}

func (r *Registry) newSubscriber(id invoice.ID, all bool) *Subscriber {
	s := &Subscriber{reg: r, id: id, all: all, ch: make(chan invoice.Invoice, r.buffer)}
	if r.closed {
		s.closed = true
		close(s.ch)
	}
	return s
}

// Subscribe returns a subscriber for updates to id. Whether the invoice exists
// is the caller's concern.
func (r *Registry) Subscribe(id invoice.ID) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.newSubscriber(id, false)
	if s.closed {
		return s
	}
	subs, ok := r.byID[id]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		r.byID[id] = subs
	}
	subs[s] = struct{}{}
	return s
}

// SubscribeAll returns a subscriber for updates to every invoice.
func (r *Registry) SubscribeAll() *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.newSubscriber(invoice.ID{}, true)
	if !s.closed {
		r.all[s] = struct{}{}
	}
	return s
}

// Publish delivers a copy of inv to every interested subscriber.
func (r *Registry) Publish(inv *invoice.Invoice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.byID[inv.ID] {
		s.offer(inv)
	}
	for s := range r.all {
		s.offer(inv)
	}
}

// offer must be called with reg.mu held, which makes it the only sender.
func (s *Subscriber) offer(inv *invoice.Invoice) {
	snapshot := *inv.Clone()
	select {
	case s.ch <- snapshot:
		return
	default:
	}

	select {
	case old := <-s.ch:
		s.dropped.Add(1)
		logging.Internal.WithFields(log.Fields{
			"invoice": old.ID.String(),
			"state":   old.State.String(),
		}).Debug("subscriber queue full, dropped oldest update")
	default:
	}
	select {
	case s.ch <- snapshot:
	default:
	}
}

// Unsubscribe removes s and closes its queue. Buffered updates remain
// readable.
func (r *Registry) Unsubscribe(s *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribe(s)
}

func (r *Registry) unsubscribe(s *Subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	if s.all {
		delete(r.all, s)
		return
	}
	if subs, ok := r.byID[s.id]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(r.byID, s.id)
		}
	}
}

// Len returns the number of open subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.all)
	for _, subs := range r.byID {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber. Later subscriptions are returned closed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for s := range r.all {
		r.unsubscribe(s)
	}
	for _, subs := range r.byID {
		for s := range subs {
			r.unsubscribe(s)
		}
	}
}

// ID returns the invoice this subscriber follows. It is the zero ID for
// subscribers created by SubscribeAll.
func (s *Subscriber) ID() invoice.ID {
	return s.id
}

// Dropped counts updates discarded because the queue was full.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// C exposes the queue for use in select statements. It is closed when the
// subscriber is.
func (s *Subscriber) C() <-chan invoice.Invoice {
	return s.ch
}

// Recv blocks until an update arrives, the subscriber is closed and drained,
// or ctx is done.
func (s *Subscriber) Recv(ctx context.Context) (invoice.Invoice, error) {
	select {
	case inv, ok := <-s.ch:
		if !ok {
			return invoice.Invoice{}, ErrClosed
		}
		return inv, nil
	case <-ctx.Done():
		return invoice.Invoice{}, ctx.Err()
	}
}

// TryRecv returns a buffered update without blocking, or ErrEmpty.
func (s *Subscriber) TryRecv() (invoice.Invoice, error) {
	select {
	case inv, ok := <-s.ch:
		if !ok {
			return invoice.Invoice{}, ErrClosed
		}
		return inv, nil
	default:
		return invoice.Invoice{}, ErrEmpty
	}
}

// RecvTimeout waits at most d for an update.
func (s *Subscriber) RecvTimeout(d time.Duration) (invoice.Invoice, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case inv, ok := <-s.ch:
		if !ok {
			return invoice.Invoice{}, ErrClosed
		}
		return inv, nil
	case <-timer.C:
		return invoice.Invoice{}, ErrTimeout
	}
}

// Updates yields updates until ctx is done or the subscriber is closed and
// drained.
func (s *Subscriber) Updates(ctx context.Context) iter.Seq[invoice.Invoice] {
	return func(yield func(invoice.Invoice) bool) {
		for {
			inv, err := s.Recv(ctx)
			if err != nil || !yield(inv) {
				return
			}
		}
	}
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.reg.Unsubscribe(s)
}
