package lifecycle

import (
	"sync"

	"github.com/google/uuid"
)

// Guard serializes status writers per deployment within a process. Exactly one
// actor may mutate a deployment's status at a time; the queue's unique task per
// deployment id covers the cross-process side.
type Guard struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewGuard() *Guard {
	return &Guard{locks: map[uuid.UUID]*sync.Mutex{}}
}

// Lock acquires the per-deployment mutex, creating it on first use.
func (g *Guard) Lock(id uuid.UUID) {
	g.mu.Lock()
	m, ok := g.locks[id]
	if !ok {
		m = &sync.Mutex{}
		g.locks[id] = m
	}
	g.mu.Unlock()
	m.Lock()
}

// Unlock releases the per-deployment mutex.
func (g *Guard) Unlock(id uuid.UUID) {
	g.mu.Lock()
	m, ok := g.locks[id]
	g.mu.Unlock()
	if ok {
		m.Unlock()
	}
}

// Forget drops the mutex for a deployment that reached a terminal state.
func (g *Guard) Forget(id uuid.UUID) {
	g.mu.Lock()
	delete(g.locks, id)
	g.mu.Unlock()
}
