package sched

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic scheduler: time only moves on Advance, and due
// callbacks run synchronously on the caller's goroutine in time order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks map[uint64]*manualTask
}

type manualTask struct {
	m      *Manual
	id     uint64
	at     time.Time
	period time.Duration
	once   func()
	tick   func(self Task)
	done   bool
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: map[uint64]*manualTask{}}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration, fn func()) Task {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{m: m, id: m.seq, at: m.now.Add(d), once: fn}
	m.tasks[t.id] = t
	return t
}

func (m *Manual) Every(period time.Duration, fn func(self Task)) Task {
	if period <= 0 {
		period = time.Second
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{m: m, id: m.seq, at: m.now.Add(period), period: period, tick: fn}
	m.tasks[t.id] = t
	return t
}

func (t *manualTask) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	delete(t.m.tasks, t.id)
	return true
}

// Pending reports how many tasks are still scheduled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Advance moves the clock forward by d, firing everything that falls due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = next.at
		var run func()
		if next.period > 0 {
			next.at = next.at.Add(next.period)
			tick := next.tick
			run = func() { tick(next) }
		} else {
			next.done = true
			delete(m.tasks, next.id)
			run = next.once
		}
		m.mu.Unlock()
		run()
	}
}

func (m *Manual) nextDueLocked(target time.Time) *manualTask {
	due := make([]*manualTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !t.at.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].id < due[j].id
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}
