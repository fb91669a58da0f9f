package search

import (
	"sync/atomic"
	"time"

	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/keyed"
	"guardwatch.ai/internal/sim/guard/kernel/sched"
)

type Session struct {
	Guard     ids.ActorID `json:"guard"`
	Target    ids.ActorID `json:"target"`
	StartedAt time.Time   `json:"started_at"`
}

type Outcome struct {
	Session   Session
	Completed bool
	Reason    string
}

// Validator returns a non-empty reason to abort the session.
type Validator func(guard, target ids.ActorID) string

type Options struct {
	Duration time.Duration
	Tick     time.Duration
	Validate Validator
	OnDone   func(Outcome)
}

type entry struct {
	s     Session
	gen   uint64
	watch sched.Task
}

type Manager struct {
	sessions *keyed.Store[ids.ActorID, entry]
	sched    sched.Scheduler
	opts     Options
	gen      atomic.Uint64
}

func New(s sched.Scheduler, opts Options) *Manager {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Duration <= 0 {
		opts.Duration = 5 * time.Second
	}
	return &Manager{sessions: keyed.New[ids.ActorID, entry](), sched: s, opts: opts}
}

func (m *Manager) Start(guard, target ids.ActorID) (Session, error) {
	if guard == target {
		return Session{}, errs.E(errs.InvalidArgument, "cannot search yourself")
	}
	var (
		out Session
		err error
	)
	gen := m.gen.Add(1)
	m.sessions.Update(target, func(e *entry, exists bool) bool {
		if exists {
			err = errs.E(errs.PreconditionFailed, "target is already mid-search")
			return true
		}
		out = Session{Guard: guard, Target: target, StartedAt: m.sched.Now()}
		*e = entry{s: out, gen: gen}
		e.watch = m.sched.Every(m.opts.Tick, func(self sched.Task) { m.tick(self, target, gen) })
		return true
	})
	return out, err
}

func (m *Manager) Active(target ids.ActorID) (Session, bool) {
	e, ok := m.sessions.Get(target)
	return e.s, ok
}

// Cancel aborts target's session; reason is reported to OnDone.
func (m *Manager) Cancel(target ids.ActorID, reason string) bool {
	return m.finish(target, 0, false, reason)
}

// CancelInvolving aborts sessions where actor is the target or the guard.
func (m *Manager) CancelInvolving(actor ids.ActorID, reason string) int {
	n := 0
	for _, target := range m.sessions.Keys() {
		e, ok := m.sessions.Get(target)
		if !ok || (e.s.Target != actor && e.s.Guard != actor) {
			continue
		}
		if m.finish(target, e.gen, false, reason) {
			n++
		}
	}
	return n
}

func (m *Manager) tick(self sched.Task, target ids.ActorID, gen uint64) {
	e, ok := m.sessions.Get(target)
	if !ok || e.gen != gen {
		self.Cancel()
		return
	}
	if m.opts.Validate != nil {
		if reason := m.opts.Validate(e.s.Guard, target); reason != "" {
			m.finish(target, gen, false, reason)
			return
		}
	}
	if m.sched.Now().Sub(e.s.StartedAt) >= m.opts.Duration {
		m.finish(target, gen, true, "")
	}
}

// finish removes the session when gen matches (0 matches any).
func (m *Manager) finish(target ids.ActorID, gen uint64, completed bool, reason string) bool {
	var (
		done  entry
		found bool
	)
	m.sessions.Update(target, func(e *entry, exists bool) bool {
		if !exists || (gen != 0 && e.gen != gen) {
			return exists
		}
		done, found = *e, true
		return false
	})
	if !found {
		return false
	}
	if done.watch != nil {
		done.watch.Cancel()
	}
	if m.opts.OnDone != nil {
		m.opts.OnDone(Outcome{Session: done.s, Completed: completed, Reason: reason})
	}
	return true
}
