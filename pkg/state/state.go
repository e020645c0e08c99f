// Package state owns the local copy of one discussion. Every change runs under a
// single lock and is followed by publishing a snapshot, so observers never see a
// half-applied mutation.
package state

import (
	"errors"
	"sync"

	"lostfound/pkg/models"
	"lostfound/pkg/tree"
)

var ErrClosed = errors.New("discussion closed")

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
)

// Snapshot is a read-only copy of the discussion handed to observers.
type Snapshot struct {
	Comments   []models.Comment `json:"comments"`
	TotalCount int              `json:"total_count"`
	HasMore    bool             `json:"has_more"`
	Page       int              `json:"page"`
	Status     Status           `json:"status"`
	Version    uint64           `json:"version"`
}

// Tx is the mutable view handed to Update and Read callbacks. It must not be
// retained after the callback returns.
type Tx struct {
	Tree    *tree.Store
	Total   int
	HasMore bool
	Page    int
	Status  Status
}

type State struct {
	mu      sync.Mutex
	tx      Tx
	version uint64
	closed  bool
	subs    map[int]chan Snapshot
	nextSub int
}

func New() *State {
	return &State{
		tx:   Tx{Tree: tree.New(), Status: StatusIdle},
		subs: make(map[int]chan Snapshot),
	}
}

// Update runs fn with exclusive access and publishes the result. It returns
// false without running fn once the state is closed.
func (s *State) Update(fn func(tx *Tx)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	fn(&s.tx)
	if s.tx.Total < 0 {
		s.tx.Total = 0
	}
	s.version++
	s.publish(s.snapshot())

	return true
}

// Apply runs fn with exclusive access. When fn returns an error nothing is
// published and the error is returned; fn must not have changed tx in that case.
// Apply returns ErrClosed without running fn once the state is closed.
func (s *State) Apply(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if err := fn(&s.tx); err != nil {
		return err
	}
	if s.tx.Total < 0 {
		s.tx.Total = 0
	}
	s.version++
	s.publish(s.snapshot())

	return nil
}

// Read runs fn with exclusive access without publishing. fn may still change
// bookkeeping it owns but must not change tx.
func (s *State) Read(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.tx)
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshot()
}

// Subscribe returns a channel receiving the latest snapshot after every update.
// Slow readers only miss intermediate snapshots, never the newest one. The
// returned func unsubscribes and closes the channel. Once the state is closed
// the channel carries the final snapshot and is already closed.
func (s *State) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if s.closed {
		ch <- s.snapshot()
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshot()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

// Close stops all further updates and closes subscriber channels.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *State) snapshot() Snapshot {
	return Snapshot{
		Comments:   s.tx.Tree.Nested(),
		TotalCount: s.tx.Total,
		HasMore:    s.tx.HasMore,
		Page:       s.tx.Page,
		Status:     s.tx.Status,
		Version:    s.version,
	}
}

func (s *State) publish(snap Snapshot) {
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot the reader has not taken yet.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
