package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryTier is a process-local LRU of decoded values with per-entry expiry.
// Expired entries are never returned and are dropped on access.
type MemoryTier struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	evictList  *list.List
	clock      clockwork.Clock

	evictions uint64
}

// memoryItem represents an item in the eviction list
type memoryItem struct {
	key     string
	value   any
	expires time.Time
}

// NewMemoryTier creates a memory tier holding at most maxEntries values.
// A non-positive maxEntries means unbounded.
func NewMemoryTier(maxEntries int, clock clockwork.Clock) *MemoryTier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryTier{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
		clock:      clock,
	}
}

// Get returns the value stored under key if it has not expired.
func (m *MemoryTier) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false
	}
	item := elem.Value.(*memoryItem)
	if !m.clock.Now().Before(item.expires) {
		m.removeElement(elem)
		return nil, false
	}
	m.evictList.MoveToFront(elem)
	return item.value, true
}

// Set stores value under key until now+ttl.
func (m *MemoryTier) Set(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires := m.clock.Now().Add(ttl)
	if elem, ok := m.items[key]; ok {
		item := elem.Value.(*memoryItem)
		item.value = value
		item.expires = expires
		m.evictList.MoveToFront(elem)
		return
	}

	m.items[key] = m.evictList.PushFront(&memoryItem{key: key, value: value, expires: expires})
	m.evictIfNeeded()
}

// Delete removes key.
func (m *MemoryTier) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if ok {
		m.removeElement(elem)
	}
	return ok
}

// DeletePrefix removes every key starting with prefix and returns the count.
func (m *MemoryTier) DeletePrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, elem := range m.items {
		if strings.HasPrefix(key, prefix) {
			m.removeElement(elem)
			n++
		}
	}
	return n
}

// Clear removes all entries.
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.evictList.Init()
}

// Len returns the number of live entries. Expired entries are purged first.
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for _, elem := range m.items {
		if !now.Before(elem.Value.(*memoryItem).expires) {
			m.removeElement(elem)
		}
	}
	return len(m.items)
}

// Evictions returns how many entries were dropped for capacity.
func (m *MemoryTier) Evictions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

func (m *MemoryTier) removeElement(elem *list.Element) {
	m.evictList.Remove(elem)
	delete(m.items, elem.Value.(*memoryItem).key)
}

func (m *MemoryTier) evictIfNeeded() {
	if m.maxEntries <= 0 {
		return
	}
	for len(m.items) > m.maxEntries {
		oldest := m.evictList.Back()
		if oldest == nil {
			return
		}
		m.removeElement(oldest)
		m.evictions++
	}
}
