package keyed

import (
	"sort"
	"sync"
)

type slot[V any] struct {
	mu      sync.Mutex
	val     V
	present bool
	refs    int // guarded by Store.mu
}

type Store[K comparable, V any] struct {
	mu    sync.Mutex
	slots map[K]*slot[V]
}

func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{slots: map[K]*slot[V]{}}
}

func (s *Store[K, V]) acquire(k K) *slot[V] {
	s.mu.Lock()
	sl := s.slots[k]
	if sl == nil {
		sl = &slot[V]{}
		s.slots[k] = sl
	}
	sl.refs++
	s.mu.Unlock()
	sl.mu.Lock()
	return sl
}

func (s *Store[K, V]) release(k K, sl *slot[V]) {
	sl.mu.Unlock()
	s.mu.Lock()
	sl.refs--
	if sl.refs == 0 && !sl.present {
		delete(s.slots, k)
	}
	s.mu.Unlock()
}

// Update runs fn while holding the lock for k. v points at the current value
// (the zero value when exists is false). Returning keep=false deletes the
// entry. fn must not call back into the same key.
func (s *Store[K, V]) Update(k K, fn func(v *V, exists bool) (keep bool)) {
	sl := s.acquire(k)
	defer s.release(k, sl)

	v := sl.val
	if !sl.present {
		var zero V
		v = zero
	}
	if fn(&v, sl.present) {
		sl.val = v
		sl.present = true
		return
	}
	var zero V
	sl.val = zero
	sl.present = false
}

// View runs fn under the key lock without allowing mutation.
func (s *Store[K, V]) View(k K, fn func(v V, exists bool)) {
	sl := s.acquire(k)
	defer s.release(k, sl)
	fn(sl.val, sl.present)
}

func (s *Store[K, V]) Get(k K) (V, bool) {
	var (
		out V
		ok  bool
	)
	s.View(k, func(v V, exists bool) {
		out, ok = v, exists
	})
	return out, ok
}

func (s *Store[K, V]) Put(k K, v V) {
	s.Update(k, func(cur *V, _ bool) bool {
		*cur = v
		return true
	})
}

// Take removes and returns the entry for k in one critical section.
func (s *Store[K, V]) Take(k K) (V, bool) {
	var (
		out V
		ok  bool
	)
	s.Update(k, func(v *V, exists bool) bool {
		out, ok = *v, exists
		return false
	})
	return out, ok
}

func (s *Store[K, V]) Delete(k K) bool {
	_, ok := s.Take(k)
	return ok
}

// Keys lists candidate keys; an entry being created or deleted concurrently
// may be included, so read through Get.
func (s *Store[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]K, 0, len(s.slots))
	for k := range s.slots {
		out = append(out, k)
	}
	return out
}

// Snapshot copies every present entry. Each entry is read under its own
// lock, so no record is ever torn; the set as a whole is not a single
// point-in-time view.
func (s *Store[K, V]) Snapshot() map[K]V {
	out := map[K]V{}
	for _, k := range s.Keys() {
		if v, ok := s.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// Replace drops all entries and loads m. Intended for startup restore.
func (s *Store[K, V]) Replace(m map[K]V) {
	for _, k := range s.Keys() {
		s.Delete(k)
	}
	for k, v := range m {
		s.Put(k, v)
	}
}

func (s *Store[K, V]) Len() int {
	return len(s.Snapshot())
}

// SortedKeys is Keys ordered by less; handy for deterministic exports.
func (s *Store[K, V]) SortedKeys(less func(a, b K) bool) []K {
	keys := s.Keys()
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}
