package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManual_AfterFiresOnceInOrder(t *testing.T) {
	m := NewManual(epoch)
	var order []int
	m.After(2*time.Second, func() { order = append(order, 2) })
	m.After(1*time.Second, func() { order = append(order, 1) })
	m.Advance(500 * time.Millisecond)
	if len(order) != 0 {
		t.Fatalf("nothing should fire yet: %v", order)
	}
	m.Advance(3 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected order %v", order)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending tasks, got %d", m.Pending())
	}
	if got := m.Now(); !got.Equal(epoch.Add(3500 * time.Millisecond)) {
		t.Fatalf("unexpected now %v", got)
	}
}

func TestManual_CancelIsIdempotent(t *testing.T) {
	m := NewManual(epoch)
	fired := false
	task := m.After(time.Second, func() { fired = true })
	if !task.Cancel() {
		t.Fatalf("first cancel should report true")
	}
	if task.Cancel() {
		t.Fatalf("second cancel should be a no-op")
	}
	m.Advance(2 * time.Second)
	if fired {
		t.Fatalf("cancelled task fired")
	}

	done := m.After(time.Second, func() {})
	m.Advance(time.Second)
	if done.Cancel() {
		t.Fatalf("cancelling a fired task should be a no-op")
	}
}

func TestManual_EverySelfCancels(t *testing.T) {
	m := NewManual(epoch)
	n := 0
	m.Every(time.Second, func(self Task) {
		n++
		if n == 3 {
			self.Cancel()
		}
	})
	m.Advance(10 * time.Second)
	if n != 3 {
		t.Fatalf("expected 3 ticks, got %d", n)
	}
}

func TestRealtime_AfterAndCancel(t *testing.T) {
	rt := NewRealtime()
	var fired atomic.Int32
	task := rt.After(time.Hour, func() { fired.Add(1) })
	if !task.Cancel() || task.Cancel() {
		t.Fatalf("cancel should succeed exactly once")
	}

	ch := make(chan struct{})
	rt.After(time.Millisecond, func() { close(ch) })
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for After")
	}

	ticks := make(chan struct{}, 8)
	p := rt.Every(time.Millisecond, func(self Task) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for tick")
	}
	if !p.Cancel() || p.Cancel() {
		t.Fatalf("periodic cancel should succeed exactly once")
	}
	if fired.Load() != 0 {
		t.Fatalf("cancelled task fired")
	}
}
