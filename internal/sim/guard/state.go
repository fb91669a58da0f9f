package guard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"guardwatch.ai/internal/sim/guard/feature/duty"
	"guardwatch.ai/internal/sim/guard/feature/jail"
	"guardwatch.ai/internal/sim/guard/feature/wanted"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
)

const StateVersion = 1

// State is everything that survives a restart. Chases and searches are
// session-scoped and are not persisted.
type State struct {
	Version         int                           `json:"version"`
	SavedAt         time.Time                     `json:"saved_at"`
	Duty            map[ids.ActorID]duty.Record   `json:"duty"`
	Wanted          map[ids.ActorID]wanted.Record `json:"wanted"`
	Tokens          map[ids.ActorID]int64         `json:"tokens"`
	Jail            jail.State                    `json:"jail"`
	Loot            map[ids.ActorID]time.Time     `json:"loot"`
	Penalty         map[ids.ActorID]time.Time     `json:"penalty"`
	RankMultipliers map[string]float64            `json:"rank_multipliers"`
}

func EmptyState() State {
	return State{
		Version:         StateVersion,
		Duty:            map[ids.ActorID]duty.Record{},
		Wanted:          map[ids.ActorID]wanted.Record{},
		Tokens:          map[ids.ActorID]int64{},
		Jail:            jail.State{Detentions: map[ids.ActorID]jail.Detention{}, Pending: map[ids.ActorID]jail.Pending{}, Deferred: map[ids.ActorID]time.Time{}},
		Loot:            map[ids.ActorID]time.Time{},
		Penalty:         map[ids.ActorID]time.Time{},
		RankMultipliers: map[string]float64{},
	}
}

type StateStore interface {
	SaveState(ctx context.Context, st State) error
}

type StateLoader interface {
	LoadState(ctx context.Context) (State, error)
}

// Snapshot copies every record. Each record is read under its own lock, so
// none is torn.
func (e *Engine) Snapshot() State {
	return State{
		Version:         StateVersion,
		SavedAt:         e.sched.Now().UTC(),
		Duty:            e.duty.Snapshot(),
		Wanted:          e.wanted.Snapshot(),
		Tokens:          e.tokens.Snapshot(),
		Jail:            e.jail.Snapshot(),
		Loot:            e.loot.Snapshot(),
		Penalty:         e.penalty.Snapshot(),
		RankMultipliers: e.duty.RankMultipliers(),
	}
}

// Restore replaces engine state. Call it before serving traffic. Records
// that cannot be served are repaired or skipped by their managers.
func (e *Engine) Restore(st State) error {
	if st.Version != StateVersion {
		return fmt.Errorf("unsupported state version %d", st.Version)
	}
	e.jail.Restore(st.Jail)
	e.duty.Restore(st.Duty)
	e.wanted.Restore(st.Wanted)
	e.tokens.Restore(st.Tokens)
	e.loot.Restore(st.Loot)
	e.penalty.Restore(st.Penalty)
	for rank, err := range e.duty.RestoreRanks(st.RankMultipliers) {
		e.logf("WARN: restore rank %q skipped: %v", rank, err)
	}
	e.storeHeld.Store(false)
	return nil
}

// Load restores from src. A missing state starts empty. An unreadable one
// also starts empty, but writes to the store stay held until a later
// Restore succeeds, so the records it still has are not overwritten.
func (e *Engine) Load(ctx context.Context, src StateLoader) bool {
	if src == nil {
		return false
	}
	st, err := src.LoadState(ctx)
	if errors.Is(err, fs.ErrNotExist) {
		e.logf("no saved state (starting empty)")
		return false
	}
	if err == nil {
		err = e.Restore(st)
	}
	if err != nil {
		e.logf("WARN: load state: %v (starting empty, store writes held)", err)
		_ = e.Restore(EmptyState())
		e.storeHeld.Store(true)
		return false
	}
	return true
}
