// Package state holds the node's shared state.
//
// Readers get immutable snapshots through an atomic pointer and never
// block. Writers go through Mutate, which runs one transformation at a
// time against a private draft and publishes it only if the
// transformation succeeds. Every published snapshot carries a generation
// one higher than its predecessor.
package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nodecore/pkg/faults"
)

// ErrNoop returned from a Mutate callback to discard the draft without
// bumping the generation. Mutate then returns nil.
var ErrNoop = errors.New("state: no change")

// ErrCounterOverflow reports that a counter update would leave the int64 range
var ErrCounterOverflow = errors.New("counter overflow")

// Store owns the node state
type Store struct {
	mu  sync.Mutex // serializes Mutate
	cur atomic.Pointer[Snapshot]

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

// New creates a store at generation 0
func New(id Identity) *Store {
	s := &Store{subs: make(map[chan struct{}]struct{})}
	s.cur.Store(emptySnapshot(id))
	return s
}

// Read returns the current snapshot. It never blocks.
func (s *Store) Read() *Snapshot {
	return s.cur.Load()
}

// Generation returns the current generation
func (s *Store) Generation() uint64 {
	return s.cur.Load().Generation
}

// Mutate applies fn to a draft of the current state and publishes it as
// the next generation. If fn returns an error or panics the draft is
// discarded and a *faults.StateMutationError is returned; if it returns
// ErrNoop the draft is discarded and the generation stays put.
func (s *Store) Mutate(fn func(*Txn) error) (gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.cur.Load()
	txn := newTxn(base)

	if err := s.apply(fn, txn); err != nil {
		if errors.Is(err, ErrNoop) {
			return base.Generation, nil
		}
		return base.Generation, err
	}

	next := txn.next
	next.Generation = base.Generation + 1
	s.cur.Store(&next)
	s.notify()
	return next.Generation, nil
}

func (s *Store) apply(fn func(*Txn) error, txn *Txn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &faults.StateMutationError{
				Generation: txn.base.Generation,
				Err:        fmt.Errorf("panic: %v", r),
				Panic:      r,
			}
		}
	}()
	if err := fn(txn); err != nil {
		if errors.Is(err, ErrNoop) {
			return err
		}
		return &faults.StateMutationError{Generation: txn.base.Generation, Err: err}
	}
	return nil
}

// Subscribe returns a channel that receives a value after every published
// generation. Notifications coalesce: a slow reader sees one pending
// signal and should call Read to get the latest snapshot. Call cancel to
// unsubscribe.
func (s *Store) Subscribe() (ch <-chan struct{}, cancel func()) {
	c := make(chan struct{}, 1)
	s.subsMu.Lock()
	s.subs[c] = struct{}{}
	s.subsMu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, c)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for c := range s.subs {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}
