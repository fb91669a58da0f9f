package chase

import (
	"sort"
	"sync/atomic"
	"time"

	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/keyed"
	"guardwatch.ai/internal/sim/guard/kernel/sched"
)

type Reason string

const (
	ReasonNone     Reason = ""
	ReasonStopped  Reason = "STOPPED"
	ReasonEscaped  Reason = "ESCAPED"
	ReasonLogout   Reason = "LOGOUT"
	ReasonDetained Reason = "DETAINED"
	ReasonTimeout  Reason = "TIMEOUT"
	ReasonDeath    Reason = "DEATH"
)

type Record struct {
	Pursuer   ids.ActorID `json:"pursuer"`
	Target    ids.ActorID `json:"target"`
	StartedAt time.Time   `json:"started_at"`
}

type Ended struct {
	Record  Record
	Reason  Reason
	Success bool
}

// Validator is consulted on every watch tick. Returning a non-empty reason
// ends the chase with that reason.
type Validator func(pursuer, target ids.ActorID) Reason

type Options struct {
	Tick        time.Duration
	MaxDuration time.Duration // 0 disables the limit
	Validate    Validator
	// Blocked rejects new chases on a target, e.g. one already detained. It
	// runs under the target's chase lock.
	Blocked func(target ids.ActorID) bool
	OnEnd   func(Ended)
}

type entry struct {
	rec   Record
	gen   uint64
	watch sched.Task
}

type Manager struct {
	byTarget  *keyed.Store[ids.ActorID, entry]
	byPursuer *keyed.Store[ids.ActorID, ids.ActorID]
	sched     sched.Scheduler
	opts      Options
	gen       atomic.Uint64
}

func New(s sched.Scheduler, opts Options) *Manager {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Manager{
		byTarget:  keyed.New[ids.ActorID, entry](),
		byPursuer: keyed.New[ids.ActorID, ids.ActorID](),
		sched:     s,
		opts:      opts,
	}
}

// Start opens a chase. It fails with PRECONDITION_FAILED when the target is
// already chased or blocked, or when the pursuer is already chasing anyone.
func (m *Manager) Start(pursuer, target ids.ActorID) error {
	if ids.IsNil(pursuer) || ids.IsNil(target) {
		return errs.E(errs.InvalidArgument, "missing actor id")
	}
	if pursuer == target {
		return errs.E(errs.InvalidArgument, "cannot chase yourself")
	}

	var err error
	m.byPursuer.Update(pursuer, func(cur *ids.ActorID, exists bool) bool {
		if exists {
			if *cur == target {
				err = errs.E(errs.PreconditionFailed, "already chasing this target")
			} else {
				err = errs.E(errs.PreconditionFailed, "already chasing another target")
			}
			return true
		}
		*cur = target
		return true
	})
	if err != nil {
		return err
	}

	gen := m.gen.Add(1)
	m.byTarget.Update(target, func(e *entry, exists bool) bool {
		if exists {
			err = errs.E(errs.PreconditionFailed, "target is already being chased")
			return true
		}
		if m.opts.Blocked != nil && m.opts.Blocked(target) {
			err = errs.E(errs.PreconditionFailed, "target is detained")
			return false
		}
		e.rec = Record{Pursuer: pursuer, Target: target, StartedAt: m.sched.Now()}
		e.gen = gen
		e.watch = m.sched.Every(m.opts.Tick, func(self sched.Task) {
			m.tick(self, target, gen)
		})
		return true
	})
	if err != nil {
		m.releasePursuer(pursuer, target)
		return err
	}
	return nil
}

func (m *Manager) IsBeingChased(target ids.ActorID) bool {
	_, ok := m.byTarget.Get(target)
	return ok
}

func (m *Manager) Get(target ids.ActorID) (Record, bool) {
	e, ok := m.byTarget.Get(target)
	return e.rec, ok
}

// TargetOf reports who pursuer is chasing, if anyone.
func (m *Manager) TargetOf(pursuer ids.ActorID) (ids.ActorID, bool) {
	t, ok := m.byPursuer.Get(pursuer)
	if !ok {
		return ids.Nil, false
	}
	e, ok := m.byTarget.Get(t)
	if !ok || e.rec.Pursuer != pursuer {
		return ids.Nil, false
	}
	return t, true
}

// End removes target's chase, if any. success is passed through to OnEnd.
func (m *Manager) End(target ids.ActorID, success bool, reason Reason) bool {
	if reason == ReasonNone {
		reason = ReasonStopped
	}
	return m.endWhere(target, func(entry) bool { return true }, success, reason)
}

// ForceEnd ends target's chase only when pursuer is the one running it.
func (m *Manager) ForceEnd(pursuer, target ids.ActorID) error {
	var err error
	m.byTarget.View(target, func(e entry, exists bool) {
		switch {
		case !exists:
			err = errs.E(errs.NotFound, "no active chase on target")
		case e.rec.Pursuer != pursuer:
			err = errs.E(errs.Forbidden, "chase belongs to another pursuer")
		}
	})
	if err != nil {
		return err
	}
	if !m.endWhere(target, func(e entry) bool { return e.rec.Pursuer == pursuer }, false, ReasonStopped) {
		return errs.E(errs.NotFound, "no active chase on target")
	}
	return nil
}

// Supersede ends any chase on target and runs then while still holding the
// target's chase lock, so no Start can slip in between the two. then runs
// whether or not a chase existed.
func (m *Manager) Supersede(target ids.ActorID, success bool, then func()) bool {
	var (
		ended entry
		found bool
	)
	m.byTarget.Update(target, func(e *entry, exists bool) bool {
		if exists {
			ended, found = *e, true
		}
		if then != nil {
			then()
		}
		return false
	})
	if found {
		m.finish(ended, success, ReasonDetained)
	}
	return found
}

// EndInvolving ends the chase where actor is the target and the one where
// actor is the pursuer.
func (m *Manager) EndInvolving(actor ids.ActorID, reason Reason) int {
	n := 0
	if m.End(actor, false, reason) {
		n++
	}
	if t, ok := m.byPursuer.Get(actor); ok {
		if m.endWhere(t, func(e entry) bool { return e.rec.Pursuer == actor }, false, reason) {
			n++
		}
	}
	return n
}

// Active lists current chases ordered by start time.
func (m *Manager) Active() []Record {
	snap := m.byTarget.Snapshot()
	out := make([]Record, 0, len(snap))
	for _, e := range snap {
		out = append(out, e.rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Target.String() < out[j].Target.String()
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) tick(self sched.Task, target ids.ActorID, gen uint64) {
	e, ok := m.byTarget.Get(target)
	if !ok || e.gen != gen {
		self.Cancel()
		return
	}
	same := func(cur entry) bool { return cur.gen == gen }
	if m.opts.MaxDuration > 0 && m.sched.Now().Sub(e.rec.StartedAt) >= m.opts.MaxDuration {
		m.endWhere(target, same, false, ReasonTimeout)
		return
	}
	if m.opts.Validate == nil {
		return
	}
	if reason := m.opts.Validate(e.rec.Pursuer, target); reason != ReasonNone {
		m.endWhere(target, same, false, reason)
	}
}

func (m *Manager) endWhere(target ids.ActorID, match func(entry) bool, success bool, reason Reason) bool {
	var (
		ended entry
		found bool
	)
	m.byTarget.Update(target, func(e *entry, exists bool) bool {
		if !exists || !match(*e) {
			return exists
		}
		ended, found = *e, true
		return false
	})
	if found {
		m.finish(ended, success, reason)
	}
	return found
}

func (m *Manager) finish(e entry, success bool, reason Reason) {
	if e.watch != nil {
		e.watch.Cancel()
	}
	m.releasePursuer(e.rec.Pursuer, e.rec.Target)
	if m.opts.OnEnd != nil {
		m.opts.OnEnd(Ended{Record: e.rec, Reason: reason, Success: success})
	}
}

func (m *Manager) releasePursuer(pursuer, target ids.ActorID) {
	m.byPursuer.Update(pursuer, func(cur *ids.ActorID, exists bool) bool {
		return exists && *cur != target
	})
}
