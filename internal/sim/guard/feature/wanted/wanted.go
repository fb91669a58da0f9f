package wanted

import (
	"fmt"
	"time"

	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/keyed"
)

const (
	MinLevel = 0
	MaxLevel = 5
)

// Record is the stored form. A zero Level always has a nil MarkedBy.
type Record struct {
	Level    int         `json:"level"`
	MarkedBy ids.ActorID `json:"marked_by"`
	MarkedAt time.Time   `json:"marked_at"`
}

type Manager struct {
	records      *keyed.Store[ids.ActorID, Record]
	jailMinutes  []float64
	markCooldown time.Duration
	now          func() time.Time
}

// New builds a manager. jailMinutes is indexed by level and must hold
// MaxLevel+1 non-decreasing entries.
func New(jailMinutes []float64, markCooldown time.Duration, now func() time.Time) (*Manager, error) {
	if len(jailMinutes) != MaxLevel+1 {
		return nil, fmt.Errorf("jail table needs %d entries, got %d", MaxLevel+1, len(jailMinutes))
	}
	for i := 1; i < len(jailMinutes); i++ {
		if jailMinutes[i] < jailMinutes[i-1] {
			return nil, fmt.Errorf("jail table decreases at level %d", i)
		}
	}
	if now == nil {
		now = time.Now
	}
	table := append([]float64(nil), jailMinutes...)
	return &Manager{
		records:      keyed.New[ids.ActorID, Record](),
		jailMinutes:  table,
		markCooldown: markCooldown,
		now:          now,
	}, nil
}

func (m *Manager) Level(id ids.ActorID) int {
	r, _ := m.records.Get(id)
	return r.Level
}

func (m *Manager) Get(id ids.ActorID) Record {
	r, _ := m.records.Get(id)
	return r
}

// Mark records marker as the latest provenance for target. It is rejected
// when target has no wanted level, or when the same marker marked target
// within the cooldown window.
func (m *Manager) Mark(marker, target ids.ActorID) bool {
	if ids.IsNil(marker) {
		return false
	}
	now := m.now()
	ok := false
	m.records.Update(target, func(r *Record, exists bool) bool {
		if !exists || r.Level == 0 {
			return exists
		}
		if r.MarkedBy == marker && now.Sub(r.MarkedAt) < m.markCooldown {
			return true
		}
		r.MarkedBy = marker
		r.MarkedAt = now
		ok = true
		return true
	})
	return ok
}

// Set stores level for id. Out-of-range levels fail and leave state untouched.
func (m *Manager) Set(id ids.ActorID, level int) error {
	if level < MinLevel || level > MaxLevel {
		return errs.E(errs.InvalidArgument, "wanted level %d out of range [%d,%d]", level, MinLevel, MaxLevel)
	}
	m.records.Update(id, func(r *Record, _ bool) bool {
		if level == 0 {
			return false
		}
		r.Level = level
		return true
	})
	return nil
}

func (m *Manager) Clear(id ids.ActorID) {
	m.records.Delete(id)
}

// Raise adds steps to id's level, clamped to MaxLevel, and records by
// as the marker. Returns the new level.
func (m *Manager) Raise(id, by ids.ActorID, steps int) int {
	if steps <= 0 {
		return m.Level(id)
	}
	now := m.now()
	out := 0
	m.records.Update(id, func(r *Record, _ bool) bool {
		r.Level += steps
		if r.Level > MaxLevel {
			r.Level = MaxLevel
		}
		if !ids.IsNil(by) {
			r.MarkedBy = by
			r.MarkedAt = now
		}
		out = r.Level
		return true
	})
	return out
}

// JailMinutes maps a level to a detention length. Levels outside the range
// are clamped, so level 0 still yields the table's minimum.
func (m *Manager) JailMinutes(level int) float64 {
	if level < MinLevel {
		level = MinLevel
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return m.jailMinutes[level]
}

func (m *Manager) Snapshot() map[ids.ActorID]Record {
	return m.records.Snapshot()
}

// Restore loads records, dropping entries that would break the level/marker
// pairing.
func (m *Manager) Restore(in map[ids.ActorID]Record) {
	clean := make(map[ids.ActorID]Record, len(in))
	for id, r := range in {
		if r.Level <= 0 {
			continue
		}
		if r.Level > MaxLevel {
			r.Level = MaxLevel
		}
		clean[id] = r
	}
	m.records.Replace(clean)
}
