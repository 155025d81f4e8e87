package cache

import (
	"container/list"
	"strconv"
	"strings"
	"sync"
	"time"
)

// entry is one stored value in the local mirror. expiresAt.IsZero() means
// the entry never expires.
type entry struct {
	key       string
	value     string
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// localStore is the in-process mirror for one namespace. It keeps entries
// in a doubly linked list (front = newest) plus an index for O(1) lookup.
// Expired entries are dropped lazily on access and in bulk by sweep; there
// is no per-entry timer.
type localStore struct {
	mu         sync.Mutex
	policy     Policy
	maxEntries int
	order      *list.List
	index      map[string]*list.Element
}

func newLocalStore(policy Policy, maxEntries int) *localStore {
	return &localStore{
		policy:     policy,
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
}

// get returns the live value for key. Under PolicyLRU a hit refreshes the
// entry's recency; under PolicyFIFO reads never reorder.
func (s *localStore) get(key string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[key]
	if !ok {
		return "", false
	}

	ent := elem.Value.(*entry)
	if ent.expired(now) {
		s.removeLocked(elem)

		return "", false
	}

	if s.policy == PolicyLRU {
		s.order.MoveToFront(elem)
	}

	return ent.value, true
}

// peek returns the live value without touching recency under any policy.
func (s *localStore) peek(key string, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[key]
	if !ok {
		return "", false
	}

	ent := elem.Value.(*entry)
	if ent.expired(now) {
		s.removeLocked(elem)

		return "", false
	}

	return ent.value, true
}

// set stores key and returns how many entries were evicted to stay within
// maxEntries. Overwriting an existing key counts as a fresh insertion for
// ordering purposes.
func (s *localStore) set(key, value string, now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if elem, ok := s.index[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.expiresAt = expiresAt
		s.order.MoveToFront(elem)

		return 0
	}

	s.index[key] = s.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})

	return s.evictOverCapLocked()
}

// increment adds delta to the numeric value under key, inserting the key
// when absent, and refreshes its TTL. The mutex covers the read-modify-write
// so two local increments cannot race within the process, and insertion
// honors maxEntries exactly like set. Returns the new value and how many
// entries were evicted.
func (s *localStore) increment(key string, delta int64, now time.Time, ttl time.Duration) (int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if elem, ok := s.index[key]; ok {
		ent := elem.Value.(*entry)

		var current int64
		if !ent.expired(now) {
			current, _ = strconv.ParseInt(ent.value, 10, 64)
		}

		current += delta
		ent.value = strconv.FormatInt(current, 10)
		ent.expiresAt = expiresAt
		s.order.MoveToFront(elem)

		return current, 0
	}

	s.index[key] = s.order.PushFront(&entry{
		key:       key,
		value:     strconv.FormatInt(delta, 10),
		expiresAt: expiresAt,
	})

	return delta, s.evictOverCapLocked()
}

func (s *localStore) delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[key]
	if !ok {
		return false
	}

	s.removeLocked(elem)

	return true
}

func (s *localStore) deletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()

		if strings.HasPrefix(elem.Value.(*entry).key, prefix) {
			s.removeLocked(elem)
			removed++
		}

		elem = next
	}

	return removed
}

// snapshotPrefix returns a copy of every live key/value whose key starts
// with prefix, without touching recency.
func (s *localStore) snapshotPrefix(prefix string, now time.Time) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]string)

	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		ent := elem.Value.(*entry)
		if ent.expired(now) || !strings.HasPrefix(ent.key, prefix) {
			continue
		}

		snapshot[ent.key] = ent.value
	}

	return snapshot
}

func (s *localStore) clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.order.Len()
	s.order.Init()
	s.index = make(map[string]*list.Element)

	return removed
}

// sweep drops every expired entry in one pass and returns the count.
func (s *localStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()

		if elem.Value.(*entry).expired(now) {
			s.removeLocked(elem)
			removed++
		}

		elem = next
	}

	return removed
}

func (s *localStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.order.Len()
}

func (s *localStore) removeLocked(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.index, elem.Value.(*entry).key)
}

// evictOverCapLocked drops entries from the back until the store is within
// maxEntries again, returning the count.
func (s *localStore) evictOverCapLocked() int {
	evicted := 0

	for s.maxEntries > 0 && s.order.Len() > s.maxEntries {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}

		s.removeLocked(oldest)
		evicted++
	}

	return evicted
}
