package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	key       string
	response  string
	createdAt time.Time
	ttl       time.Duration
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

// Memory is a thread-safe in-memory cache with per-entry TTL and FIFO
// eviction by insertion order.
type Memory struct {
	mu         sync.Mutex
	capacity   int
	ttl        time.Duration
	items      map[string]*list.Element
	insertList *list.List
	now        func() time.Time
}

// Option configures a Memory cache.
type Option func(*Memory)

// WithClock replaces the time source. Tests use it to expire entries
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an in-memory cache holding at most capacity entries.
// Non-positive arguments fall back to DefaultCapacity and DefaultTTL.
func NewMemory(capacity int, ttl time.Duration, opts ...Option) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		capacity:   capacity,
		ttl:        ttl,
		items:      make(map[string]*list.Element),
		insertList: list.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the cached response for message and history, or false if it
// is missing or expired. Expired entries are removed on the way out.
func (m *Memory) Get(message string, history []Turn) (string, bool) {
	key := Key(message, history)

	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return "", false
	}
	entry := elem.Value.(*memoryEntry)
	if entry.expired(m.now()) {
		m.removeElement(elem)
		return "", false
	}
	return entry.response, true
}

// Set stores a response with the cache's default TTL.
func (m *Memory) Set(message, response string, history []Turn) {
	m.SetWithTTL(message, response, history, m.ttl)
}

// SetWithTTL stores a response with an explicit TTL. A new key evicts the
// oldest-inserted entry when the cache is full. Overwriting an existing key
// refreshes its value and timestamp but keeps its place in the insertion
// order.
func (m *Memory) SetWithTTL(message, response string, history []Turn, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	key := Key(message, history)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if elem, ok := m.items[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.response = response
		entry.createdAt = now
		entry.ttl = ttl
		return
	}

	if m.insertList.Len() >= m.capacity {
		m.removeOldest()
	}

	elem := m.insertList.PushBack(&memoryEntry{
		key:       key,
		response:  response,
		createdAt: now,
		ttl:       ttl,
	})
	m.items[key] = elem
}

// Cleanup removes every expired entry and returns how many were removed.
// It snapshots the entries under the lock, filters outside it, and then
// removes each candidate under its own short critical section, re-checking
// expiry in case the key was overwritten in between.
func (m *Memory) Cleanup() int {
	type candidate struct {
		key       string
		createdAt time.Time
		ttl       time.Duration
	}

	m.mu.Lock()
	snapshot := make([]candidate, 0, m.insertList.Len())
	for e := m.insertList.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*memoryEntry)
		snapshot = append(snapshot, candidate{entry.key, entry.createdAt, entry.ttl})
	}
	m.mu.Unlock()

	now := m.now()
	removed := 0
	for _, c := range snapshot {
		if now.Sub(c.createdAt) < c.ttl {
			continue
		}
		m.mu.Lock()
		if elem, ok := m.items[c.key]; ok && elem.Value.(*memoryEntry).expired(now) {
			m.removeElement(elem)
			removed++
		}
		m.mu.Unlock()
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is cancelled. onSweep,
// if non-nil, receives the number of entries removed by each pass.
func (m *Memory) StartCleanup(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := m.Cleanup()
				if onSweep != nil {
					onSweep(n)
				}
			}
		}
	}()
}

// Stats reports the number of entries currently held, expired or not.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Size: m.insertList.Len(), Kind: "memory"}
}

// Capacity returns the configured maximum entry count.
func (m *Memory) Capacity() int { return m.capacity }

func (m *Memory) removeOldest() {
	if elem := m.insertList.Front(); elem != nil {
		m.removeElement(elem)
	}
}

func (m *Memory) removeElement(elem *list.Element) {
	m.insertList.Remove(elem)
	entry := elem.Value.(*memoryEntry)
	delete(m.items, entry.key)
}
