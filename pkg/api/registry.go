package api

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"lostfound/pkg/discussion"
)

// DefaultCapacity is the number of discussions a registry holds at most.
const DefaultCapacity = 1024

// Factory builds the controller of one item's discussion.
type Factory func(itemID string) *discussion.Controller

// Registry keeps one controller per item, created on first access. When full
// the least recently used discussion is closed and dropped; its next request
// loads it again.
type Registry struct {
	mu      sync.Mutex
	items   *lru.Cache[string, *discussion.Controller]
	factory Factory
	// settling counts dropped discussions whose remote calls are still running.
	settling sync.WaitGroup
}

// NewRegistry returns a registry holding at most capacity discussions,
// DefaultCapacity when capacity is not positive.
func NewRegistry(factory Factory, capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	reg := &Registry{factory: factory}
	// Only fails for a non-positive size.
	reg.items, _ = lru.NewWithEvict(capacity, reg.evict)

	return reg
}

func (reg *Registry) Get(itemID string) *discussion.Controller {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	c, ok := reg.items.Get(itemID)
	if !ok {
		c = reg.factory(itemID)
		reg.items.Add(itemID, c)
	}

	return c
}

func (reg *Registry) Len() int {
	return reg.items.Len()
}

// evict runs with reg.mu held, from Add or Purge.
func (reg *Registry) evict(itemID string, c *discussion.Controller) {
	c.Close()
	reg.settling.Add(1)
	go func() {
		defer reg.settling.Done()
		c.Wait()
	}()
	log.Debugf("[registry] discussion of %s dropped", itemID)
}

// Close closes every controller and waits for their remote calls to settle,
// including those of discussions dropped earlier.
func (reg *Registry) Close() {
	reg.mu.Lock()
	reg.items.Purge()
	reg.mu.Unlock()

	reg.settling.Wait()
}
