package cooldown

import (
	"time"

	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/keyed"
)

type Timers struct {
	name    string
	expires *keyed.Store[ids.ActorID, time.Time]
	now     func() time.Time
}

// New returns an empty store. name shows up in error messages ("loot", "penalty").
func New(name string, now func() time.Time) *Timers {
	if now == nil {
		now = time.Now
	}
	return &Timers{name: name, expires: keyed.New[ids.ActorID, time.Time](), now: now}
}

func (t *Timers) Name() string { return t.name }

// Start (re)arms id's timer for d. A zero duration clears it.
func (t *Timers) Start(id ids.ActorID, d time.Duration) error {
	if d < 0 {
		return errs.E(errs.InvalidArgument, "%s duration must be >= 0", t.name)
	}
	if d == 0 {
		t.expires.Delete(id)
		return nil
	}
	t.expires.Put(id, t.now().Add(d))
	return nil
}

// Remaining never goes negative; expired entries are dropped on the way out.
func (t *Timers) Remaining(id ids.ActorID) time.Duration {
	now := t.now()
	var left time.Duration
	t.expires.Update(id, func(at *time.Time, exists bool) bool {
		if !exists {
			return false
		}
		left = at.Sub(now)
		if left <= 0 {
			left = 0
			return false
		}
		return true
	})
	return left
}

// RemainingSeconds rounds up, so an active timer never reports 0.
func (t *Timers) RemainingSeconds(id ids.ActorID) int {
	left := t.Remaining(id)
	if left <= 0 {
		return 0
	}
	secs := int(left / time.Second)
	if left%time.Second != 0 {
		secs++
	}
	return secs
}

func (t *Timers) Active(id ids.ActorID) bool {
	return t.Remaining(id) > 0
}

func (t *Timers) Clear(id ids.ActorID) {
	t.expires.Delete(id)
}

// Snapshot returns unexpired deadlines.
func (t *Timers) Snapshot() map[ids.ActorID]time.Time {
	now := t.now()
	out := map[ids.ActorID]time.Time{}
	for id, at := range t.expires.Snapshot() {
		if at.After(now) {
			out[id] = at
		}
	}
	return out
}

func (t *Timers) Restore(m map[ids.ActorID]time.Time) {
	now := t.now()
	clean := make(map[ids.ActorID]time.Time, len(m))
	for id, at := range m {
		if at.After(now) {
			clean[id] = at
		}
	}
	t.expires.Replace(clean)
}
