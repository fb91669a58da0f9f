package keyed

import (
	"sync"
	"testing"
)

func TestStore_UpdateCreatesAndDeletes(t *testing.T) {
	s := New[string, int]()
	s.Update("a", func(v *int, exists bool) bool {
		if exists {
			t.Fatalf("expected missing entry")
		}
		*v = 3
		return true
	})
	if v, ok := s.Get("a"); !ok || v != 3 {
		t.Fatalf("expected 3, got %d ok=%v", v, ok)
	}
	s.Update("a", func(v *int, exists bool) bool { return false })
	if _, ok := s.Get("a"); ok {
		t.Fatalf("expected entry removed")
	}
	if s.Len() != 0 || len(s.Keys()) != 0 {
		t.Fatalf("expected empty store, keys=%v", s.Keys())
	}
}

func TestStore_TakeIsExactlyOnce(t *testing.T) {
	s := New[string, int]()
	s.Put("q", 1)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Take("q"); ok {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if taken != 1 {
		t.Fatalf("expected exactly one take, got %d", taken)
	}
}

func TestStore_ConcurrentIncrements(t *testing.T) {
	s := New[int, int]()
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Update(i%4, func(v *int, _ bool) bool {
				*v++
				return true
			})
		}(i)
	}
	wg.Wait()
	snap := s.Snapshot()
	for k := 0; k < 4; k++ {
		if snap[k] != 50 {
			t.Fatalf("key %d: expected 50, got %d", k, snap[k])
		}
	}
}

func TestStore_Replace(t *testing.T) {
	s := New[string, string]()
	s.Put("old", "x")
	s.Replace(map[string]string{"a": "1", "b": "2"})
	if _, ok := s.Get("old"); ok {
		t.Fatalf("expected old key dropped")
	}
	keys := s.SortedKeys(func(a, b string) bool { return a < b })
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
