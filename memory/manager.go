package memory

import (
	"errors"
	"log"
	"sync"
)

// Stats is a point-in-time view of a manager's allocations.
type Stats struct {
	Allocated int64 `json:"allocated"`
	Released  int64 `json:"released"`
	Live      int   `json:"live"`
}

// Manager tracks every tensor created by one owning context (a training
// worker, a preview model). Tensors never move between managers.
type Manager struct {
	name      string
	live      map[uint64]*Tensor
	allocated int64
	released  int64
	mutex     sync.Mutex
	logger    *log.Logger
	pool      *BufferPool
}

// NewManager creates an empty manager. A nil logger discards disposal
// diagnostics to the standard logger.
func NewManager(name string, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		name:   name,
		live:   make(map[uint64]*Tensor),
		logger: logger,
		pool:   NewBufferPool(),
	}
}

// Name returns the owner label of the manager.
func (m *Manager) Name() string {
	return m.name
}

func (m *Manager) track(t *Tensor) {
	m.mutex.Lock()
	m.live[t.generation] = t
	m.allocated++
	m.mutex.Unlock()
}

// forget reports whether t was still live. Only that caller may recycle
// its storage.
func (m *Manager) forget(t *Tensor) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.live[t.generation]; !ok {
		return false
	}
	delete(m.live, t.generation)
	m.released++
	return true
}

// Pool returns the buffer pool backing the manager's tensors.
func (m *Manager) Pool() *BufferPool {
	return m.pool
}

// Live returns the number of tensors that have not been released.
func (m *Manager) Live() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.live)
}

// Stats returns allocation counters.
func (m *Manager) Stats() Stats {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return Stats{Allocated: m.allocated, Released: m.released, Live: len(m.live)}
}

// Dispose releases each tensor once. Nil tensors are skipped and tensors
// that were already released are logged, never reported as failures.
func (m *Manager) Dispose(tensors ...*Tensor) {
	for _, t := range tensors {
		if t == nil {
			continue
		}
		if err := t.Release(); err != nil {
			if errors.Is(err, ErrReleased) {
				m.logger.Printf("[%s] dispose skipped: tensor #%d %v", m.name, t.generation, err)
				continue
			}
			m.logger.Printf("[%s] dispose failed: tensor #%d: %v", m.name, t.generation, err)
		}
	}
}

// ReleaseAll frees every live tensor regardless of its reference count and
// returns how many were freed. Used when the owning context is torn down.
func (m *Manager) ReleaseAll() int {
	m.mutex.Lock()
	pending := make([]*Tensor, 0, len(m.live))
	for _, t := range m.live {
		pending = append(pending, t)
	}
	m.mutex.Unlock()

	for _, t := range pending {
		t.free()
	}
	return len(pending)
}
