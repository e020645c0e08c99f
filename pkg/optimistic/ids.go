package optimistic

import (
	"sync"

	"lostfound/pkg/models"
)

// IDSource hands out pending ids. Values only grow, and an id already present
// in the discussion is skipped.
type IDSource struct {
	mu   sync.Mutex
	last int64
}

// Next returns a pending id for which taken reports false. taken may be nil.
func (s *IDSource) Next(taken func(models.ID) bool) models.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		s.last++
		id := models.PendingID(s.last)
		if taken == nil || !taken(id) {
			return id
		}
	}
}

// Action names what a guarded mutation acts on.
type Action string

const (
	// ActionCompose guards a composer: the zero target is the top-level
	// composer, any other target the reply composer of that comment.
	ActionCompose Action = "compose"
	// ActionRecord guards edits and deletes of one record.
	ActionRecord Action = "record"
)

type Key struct {
	Action Action
	Target models.ID
}

// Guard is the set of actions in flight. Two mutations with the same key never
// run at the same time; mutations with different keys do not wait on each other.
type Guard struct {
	mu       sync.Mutex
	inflight map[Key]struct{}
}

func NewGuard() *Guard {
	return &Guard{inflight: make(map[Key]struct{})}
}

// Acquire marks k in flight. It reports false when k already is.
func (g *Guard) Acquire(k Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inflight[k]; busy {
		return false
	}
	g.inflight[k] = struct{}{}

	return true
}

func (g *Guard) Release(k Key) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inflight, k)
}

func (g *Guard) Held(k Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, busy := g.inflight[k]
	return busy
}
