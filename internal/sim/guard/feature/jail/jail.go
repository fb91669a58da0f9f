package jail

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/keyed"
	"guardwatch.ai/internal/sim/guard/kernel/sched"
)

type Detention struct {
	Target    ids.ActorID `json:"target"`
	IssuedBy  ids.ActorID `json:"issued_by"`
	Minutes   float64     `json:"minutes"`
	Reason    string      `json:"reason"`
	StartedAt time.Time   `json:"started_at"`
	ReleaseAt time.Time   `json:"release_at"`
}

// Pending is a detention waiting for its target to connect.
type Pending struct {
	Target   ids.ActorID `json:"target"`
	Minutes  float64     `json:"minutes"`
	Reason   string      `json:"reason"`
	IssuedBy ids.ActorID `json:"issued_by"`
	IssuedAt time.Time   `json:"issued_at"`
}

type Presence interface {
	Online(id ids.ActorID) bool
}

// Restraint performs the physical side of a detention.
type Restraint interface {
	Apply(target ids.ActorID, minutes float64) error
	Release(target ids.ActorID) error
}

// Chases is the slice of the chase manager detention needs.
type Chases interface {
	Supersede(target ids.ActorID, success bool, then func()) bool
}

type Released struct {
	Detention Detention
	Early     bool
	// Deferred is set when the target was offline; the restraint release
	// runs on its next connection.
	Deferred bool
}

type Options struct {
	Presence  Presence
	Restraint Restraint
	Chases    Chases
	OnRelease func(Released)
	OnError   func(op string, target ids.ActorID, err error)
}

type entry struct {
	det   Detention
	gen   uint64
	timer sched.Task
}

type Manager struct {
	active   *keyed.Store[ids.ActorID, entry]
	pending  *keyed.Store[ids.ActorID, Pending]
	deferred *keyed.Store[ids.ActorID, time.Time]
	sched    sched.Scheduler
	opts     Options
	gen      atomic.Uint64
}

func New(s sched.Scheduler, opts Options) *Manager {
	return &Manager{
		active:   keyed.New[ids.ActorID, entry](),
		pending:  keyed.New[ids.ActorID, Pending](),
		deferred: keyed.New[ids.ActorID, time.Time](),
		sched:    s,
		opts:     opts,
	}
}

func validMinutes(minutes float64) error {
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes <= 0 {
		return errs.E(errs.InvalidArgument, "duration must be > 0 minutes, got %v", minutes)
	}
	return nil
}

func minutesToDuration(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute))
}

// Jail detains a reachable target now. Any chase on the target ends first,
// and the detention is recorded under the same chase lock.
func (m *Manager) Jail(target ids.ActorID, minutes float64, reason string, issuer ids.ActorID) (Detention, error) {
	if err := validMinutes(minutes); err != nil {
		return Detention{}, err
	}
	if ids.IsNil(target) {
		return Detention{}, errs.E(errs.InvalidArgument, "missing target")
	}
	if m.opts.Presence != nil && !m.opts.Presence.Online(target) {
		return Detention{}, errs.E(errs.PreconditionFailed, "target is offline")
	}
	return m.detain(target, minutes, reason, issuer, false)
}

// JailIfFree is Jail that refuses targets already serving a detention, so
// two concurrent captures cannot both succeed.
func (m *Manager) JailIfFree(target ids.ActorID, minutes float64, reason string, issuer ids.ActorID) (Detention, error) {
	if err := validMinutes(minutes); err != nil {
		return Detention{}, err
	}
	if m.opts.Presence != nil && !m.opts.Presence.Online(target) {
		return Detention{}, errs.E(errs.PreconditionFailed, "target is offline")
	}
	return m.detain(target, minutes, reason, issuer, true)
}

func (m *Manager) detain(target ids.ActorID, minutes float64, reason string, issuer ids.ActorID, exclusive bool) (Detention, error) {
	now := m.sched.Now()
	det := Detention{
		Target:    target,
		IssuedBy:  issuer,
		Minutes:   minutes,
		Reason:    reason,
		StartedAt: now,
		ReleaseAt: now.Add(minutesToDuration(minutes)),
	}
	gen := m.gen.Add(1)
	var (
		err  error
		prev *entry
	)
	record := func() {
		m.active.Update(target, func(e *entry, exists bool) bool {
			if exists && exclusive {
				err = errs.E(errs.PreconditionFailed, "target is already detained")
				return true
			}
			if exists {
				if e.timer != nil {
					e.timer.Cancel()
				}
				old := *e
				prev = &old
			}
			*e = entry{det: det, gen: gen}
			e.timer = m.sched.After(minutesToDuration(minutes), func() { m.expire(target, gen) })
			return true
		})
	}
	if m.opts.Chases != nil {
		m.opts.Chases.Supersede(target, false, record)
	} else {
		record()
	}
	if err != nil {
		return Detention{}, err
	}

	if m.opts.Restraint != nil {
		if err := m.opts.Restraint.Apply(target, minutes); err != nil {
			m.drop(target, gen, prev)
			return Detention{}, errs.E(errs.Internal, "apply restraint: %v", err)
		}
	}
	// A fresh detention supersedes any release still owed from an older one.
	m.deferred.Delete(target)
	return det, nil
}

// drop undoes a detention whose restraint could not be applied. A detention
// it replaced is put back with a timer for its original release time.
func (m *Manager) drop(target ids.ActorID, gen uint64, prev *entry) {
	m.active.Update(target, func(e *entry, exists bool) bool {
		if !exists || e.gen != gen {
			return exists
		}
		if e.timer != nil {
			e.timer.Cancel()
		}
		if prev == nil {
			return false
		}
		*e = m.arm(target, prev.det)
		return true
	})
}

// arm builds an entry for det with a fresh generation and a release timer
// against det.ReleaseAt.
func (m *Manager) arm(target ids.ActorID, det Detention) entry {
	gen := m.gen.Add(1)
	wait := det.ReleaseAt.Sub(m.sched.Now())
	if wait < 0 {
		wait = 0
	}
	e := entry{det: det, gen: gen}
	e.timer = m.sched.After(wait, func() { m.expire(target, gen) })
	return e
}

// QueueOffline stores a detention for an offline target; a later call for
// the same target replaces it.
func (m *Manager) QueueOffline(target ids.ActorID, minutes float64, reason string, issuer ids.ActorID) (Pending, error) {
	if err := validMinutes(minutes); err != nil {
		return Pending{}, err
	}
	if ids.IsNil(target) {
		return Pending{}, errs.E(errs.InvalidArgument, "missing target")
	}
	if m.opts.Presence != nil && m.opts.Presence.Online(target) {
		return Pending{}, errs.E(errs.PreconditionFailed, "TargetCurrentlyOnline")
	}
	p := Pending{Target: target, Minutes: minutes, Reason: reason, IssuedBy: issuer, IssuedAt: m.sched.Now()}
	m.pending.Put(target, p)

	// The target may have connected between the presence check and the put.
	if m.opts.Presence != nil && m.opts.Presence.Online(target) {
		if _, err := m.OnConnect(target); err != nil {
			return p, err
		}
	}
	return p, nil
}

type ConnectResult struct {
	Applied         *Detention
	Resumed         *Detention
	ReleasedPending bool
}

// OnConnect settles what a connecting target is owed: a release that came
// due while it was away, a queued detention (applied exactly once), or the
// restraint for a detention still running.
func (m *Manager) OnConnect(target ids.ActorID) (ConnectResult, error) {
	var out ConnectResult
	if _, ok := m.deferred.Take(target); ok {
		out.ReleasedPending = true
		if m.opts.Restraint != nil {
			if err := m.opts.Restraint.Release(target); err != nil {
				m.reportErr("release", target, err)
			}
		}
	}
	if p, ok := m.pending.Take(target); ok {
		det, err := m.detain(target, p.Minutes, p.Reason, p.IssuedBy, false)
		if err != nil {
			m.pending.Update(target, func(cur *Pending, exists bool) bool {
				if !exists {
					*cur = p
				}
				return true
			})
			return out, err
		}
		out.Applied = &det
		return out, nil
	}
	if e, ok := m.active.Get(target); ok {
		left := e.det.ReleaseAt.Sub(m.sched.Now())
		if left > 0 && m.opts.Restraint != nil {
			if err := m.opts.Restraint.Apply(target, left.Minutes()); err != nil {
				m.reportErr("apply", target, err)
			}
		}
		det := e.det
		out.Resumed = &det
	}
	return out, nil
}

// Release ends target's detention before its timer.
func (m *Manager) Release(target ids.ActorID) (Detention, error) {
	e, ok := m.active.Take(target)
	if !ok {
		return Detention{}, errs.E(errs.NotFound, "target is not detained")
	}
	if e.timer != nil {
		e.timer.Cancel()
	}
	m.finish(e.det, true)
	return e.det, nil
}

func (m *Manager) expire(target ids.ActorID, gen uint64) {
	var (
		det   Detention
		found bool
	)
	m.active.Update(target, func(e *entry, exists bool) bool {
		if !exists || e.gen != gen {
			return exists
		}
		det, found = e.det, true
		return false
	})
	if found {
		m.finish(det, false)
	}
}

func (m *Manager) finish(det Detention, early bool) {
	rel := Released{Detention: det, Early: early}
	online := m.opts.Presence == nil || m.opts.Presence.Online(det.Target)
	if online {
		if m.opts.Restraint != nil {
			if err := m.opts.Restraint.Release(det.Target); err != nil {
				m.reportErr("release", det.Target, err)
			}
		}
	} else {
		m.deferred.Put(det.Target, m.sched.Now())
		rel.Deferred = true
	}
	if m.opts.OnRelease != nil {
		m.opts.OnRelease(rel)
	}
}

func (m *Manager) reportErr(op string, target ids.ActorID, err error) {
	if m.opts.OnError != nil {
		m.opts.OnError(op, target, err)
	}
}

func (m *Manager) IsJailed(target ids.ActorID) bool {
	_, ok := m.active.Get(target)
	return ok
}

func (m *Manager) Get(target ids.ActorID) (Detention, bool) {
	e, ok := m.active.Get(target)
	return e.det, ok
}

func (m *Manager) Remaining(target ids.ActorID) time.Duration {
	e, ok := m.active.Get(target)
	if !ok {
		return 0
	}
	left := e.det.ReleaseAt.Sub(m.sched.Now())
	if left < 0 {
		return 0
	}
	return left
}

func (m *Manager) PendingFor(target ids.ActorID) (Pending, bool) {
	return m.pending.Get(target)
}

func (m *Manager) Active() []Detention {
	snap := m.active.Snapshot()
	out := make([]Detention, 0, len(snap))
	for _, e := range snap {
		out = append(out, e.det)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReleaseAt.Before(out[j].ReleaseAt) })
	return out
}

type State struct {
	Detentions map[ids.ActorID]Detention `json:"detentions"`
	Pending    map[ids.ActorID]Pending   `json:"pending"`
	// Deferred holds targets owed a release on their next connection.
	Deferred map[ids.ActorID]time.Time `json:"deferred"`
}

func (m *Manager) Snapshot() State {
	st := State{
		Detentions: map[ids.ActorID]Detention{},
		Pending:    m.pending.Snapshot(),
		Deferred:   m.deferred.Snapshot(),
	}
	for id, e := range m.active.Snapshot() {
		st.Detentions[id] = e.det
	}
	return st
}

// Restore loads state and re-arms every detention timer against its
// absolute release time; overdue ones fire on the scheduler's next pass.
// Rows that cannot be served are skipped and reported through OnError.
func (m *Manager) Restore(st State) {
	pending := map[ids.ActorID]Pending{}
	for id, p := range st.Pending {
		if validMinutes(p.Minutes) != nil || ids.IsNil(id) {
			m.reportErr("restore pending", id, fmt.Errorf("skipped: bad duration %v", p.Minutes))
			continue
		}
		p.Target = id
		pending[id] = p
	}

	for _, e := range m.active.Snapshot() {
		if e.timer != nil {
			e.timer.Cancel()
		}
	}
	m.active.Replace(nil)
	m.pending.Replace(pending)
	m.deferred.Replace(st.Deferred)

	for id, det := range st.Detentions {
		if validMinutes(det.Minutes) != nil || det.ReleaseAt.IsZero() || ids.IsNil(id) {
			m.reportErr("restore detention", id, fmt.Errorf("skipped: minutes=%v release_at=%v", det.Minutes, det.ReleaseAt))
			continue
		}
		det.Target = id
		target := id
		m.active.Update(target, func(e *entry, _ bool) bool {
			*e = m.arm(target, det)
			return true
		})
	}
}
