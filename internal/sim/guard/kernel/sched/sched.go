package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

type Task interface {
	// Cancel stops future runs. It reports whether this call did the stopping.
	Cancel() bool
}

type Scheduler interface {
	Now() time.Time
	// After runs fn once, d from now.
	After(d time.Duration, fn func()) Task
	// Every runs fn each period until the task is cancelled. fn receives its
	// own task so a tick can stop itself.
	Every(period time.Duration, fn func(self Task)) Task
}

// Realtime is the wall-clock scheduler used in production.
type Realtime struct{}

func NewRealtime() Realtime { return Realtime{} }

func (Realtime) Now() time.Time { return time.Now() }

const (
	statePending int32 = iota
	stateDone
)

type onceTask struct {
	state atomic.Int32
	timer *time.Timer
}

func (t *onceTask) Cancel() bool {
	if !t.state.CompareAndSwap(statePending, stateDone) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

func (Realtime) After(d time.Duration, fn func()) Task {
	if d < 0 {
		d = 0
	}
	t := &onceTask{}
	t.timer = time.AfterFunc(d, func() {
		if t.state.CompareAndSwap(statePending, stateDone) {
			fn()
		}
	})
	return t
}

type periodicTask struct {
	stop chan struct{}
	once sync.Once
}

func (t *periodicTask) Cancel() bool {
	did := false
	t.once.Do(func() {
		close(t.stop)
		did = true
	})
	return did
}

func (t *periodicTask) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (Realtime) Every(period time.Duration, fn func(self Task)) Task {
	if period <= 0 {
		period = time.Second
	}
	t := &periodicTask{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if t.stopped() {
					return
				}
				fn(t)
			}
		}
	}()
	return t
}

// Nop is a Task that was never scheduled.
type Nop struct{}

func (Nop) Cancel() bool { return false }
