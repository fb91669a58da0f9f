package guard

import (
	"time"

	"guardwatch.ai/internal/sim/guard/feature/jail"
	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
)

// Admin mutations validate first and leave state untouched on failure.

func (e *Engine) AddDutyMinutes(admin, actor ids.ActorID, minutes int) (int, error) {
	bal, err := e.duty.AddMinutes(actor, minutes)
	if err != nil {
		return bal, err
	}
	e.audit(admin, "ADMIN_ADD_MINUTES", actor, "", map[string]any{"minutes": minutes, "balance": bal})
	e.markDirty()
	return bal, nil
}

func (e *Engine) SetDutyMinutes(admin, actor ids.ActorID, minutes int) error {
	if err := e.duty.SetMinutes(actor, minutes); err != nil {
		return err
	}
	e.audit(admin, "ADMIN_SET_MINUTES", actor, "", map[string]any{"minutes": minutes})
	e.markDirty()
	return nil
}

func (e *Engine) AddTokens(admin, actor ids.ActorID, n int64) (int64, error) {
	bal, err := e.tokens.Credit(actor, n)
	if err != nil {
		return bal, err
	}
	e.audit(admin, "ADMIN_ADD_TOKENS", actor, "", map[string]any{"tokens": n, "balance": bal})
	e.markDirty()
	return bal, nil
}

func (e *Engine) SetTokens(admin, actor ids.ActorID, n int64) error {
	if err := e.tokens.Set(actor, n); err != nil {
		return err
	}
	e.audit(admin, "ADMIN_SET_TOKENS", actor, "", map[string]any{"tokens": n})
	e.markDirty()
	return nil
}

// SpendTokens debits exactly n tokens or fails with INSUFFICIENT_BALANCE.
func (e *Engine) SpendTokens(actor ids.ActorID, n int64, reason string) (int64, error) {
	bal, err := e.tokens.Debit(actor, n)
	if err != nil {
		return bal, err
	}
	e.audit(actor, "SPEND_TOKENS", ids.Nil, reason, map[string]any{"tokens": n, "balance": bal})
	e.markDirty()
	return bal, nil
}

func (e *Engine) SetWanted(admin, actor ids.ActorID, level int) error {
	if err := e.wanted.Set(actor, level); err != nil {
		return err
	}
	e.audit(admin, "ADMIN_SET_WANTED", actor, "", map[string]any{"level": level})
	e.publish(Event{Kind: EventWantedChanged, Actor: admin, Target: actor, Level: level, Reason: "admin"})
	e.markDirty()
	return nil
}

func (e *Engine) ClearWanted(admin, actor ids.ActorID) {
	e.wanted.Clear(actor)
	e.audit(admin, "ADMIN_CLEAR_WANTED", actor, "", nil)
	e.publish(Event{Kind: EventWantedChanged, Actor: admin, Target: actor, Level: 0, Reason: "admin"})
	e.markDirty()
}

func (e *Engine) SetRankMultiplier(admin ids.ActorID, rank string, mult float64) error {
	if err := e.duty.SetRankMultiplier(rank, mult); err != nil {
		return err
	}
	e.audit(admin, "ADMIN_SET_RANK", ids.Nil, rank, map[string]any{"multiplier": mult})
	e.markDirty()
	return nil
}

// Release ends a detention early.
func (e *Engine) Release(admin, target ids.ActorID) (jail.Detention, error) {
	det, err := e.jail.Release(target)
	if err != nil {
		return det, err
	}
	e.audit(admin, "ADMIN_RELEASE", target, "", nil)
	return det, nil
}

// StartCooldown arms a named cooldown ("loot" or "penalty") by hand.
func (e *Engine) StartCooldown(admin, actor ids.ActorID, name string, d time.Duration) error {
	var err error
	switch name {
	case "loot":
		err = e.loot.Start(actor, d)
	case "penalty":
		err = e.penalty.Start(actor, d)
	default:
		return errs.E(errs.InvalidArgument, "unknown cooldown %q", name)
	}
	if err != nil {
		return err
	}
	e.audit(admin, "ADMIN_COOLDOWN", actor, name, map[string]any{"seconds": int(d / time.Second)})
	e.markDirty()
	return nil
}

type Status struct {
	Actor            ids.ActorID     `json:"actor"`
	OnDuty           bool            `json:"on_duty"`
	SessionStartedAt *time.Time      `json:"session_started_at,omitempty"`
	OffDutyMinutes   int             `json:"off_duty_minutes"`
	Tokens           int64           `json:"tokens"`
	WantedLevel      int             `json:"wanted_level"`
	MarkedBy         string          `json:"marked_by,omitempty"`
	ChasedBy         string          `json:"chased_by,omitempty"`
	Chasing          string          `json:"chasing,omitempty"`
	Detention        *jail.Detention `json:"detention,omitempty"`
	Pending          *jail.Pending   `json:"pending,omitempty"`
	LootSeconds      int             `json:"loot_cooldown_seconds"`
	PenaltySeconds   int             `json:"penalty_seconds"`
}

// Status gathers one actor's view across managers. Each field is read
// under its own key lock; the whole is not a single atomic snapshot.
func (e *Engine) Status(actor ids.ActorID) Status {
	d := e.duty.Get(actor)
	w := e.wanted.Get(actor)
	st := Status{
		Actor:          actor,
		OnDuty:         d.OnDuty,
		OffDutyMinutes: d.BalanceMinutes,
		Tokens:         e.tokens.Balance(actor),
		WantedLevel:    w.Level,
		MarkedBy:       actorString(w.MarkedBy),
		LootSeconds:    e.loot.RemainingSeconds(actor),
		PenaltySeconds: e.penalty.RemainingSeconds(actor),
	}
	if d.OnDuty {
		at := d.SessionStartedAt
		st.SessionStartedAt = &at
	}
	if rec, ok := e.chases.Get(actor); ok {
		st.ChasedBy = rec.Pursuer.String()
	}
	if t, ok := e.chases.TargetOf(actor); ok {
		st.Chasing = t.String()
	}
	if det, ok := e.jail.Get(actor); ok {
		st.Detention = &det
	}
	if p, ok := e.jail.PendingFor(actor); ok {
		st.Pending = &p
	}
	return st
}

func (e *Engine) IsOnDuty(actor ids.ActorID) bool { return e.duty.IsOnDuty(actor) }

func (e *Engine) SessionStart(actor ids.ActorID) time.Time { return e.duty.SessionStart(actor) }

func (e *Engine) RemainingOffDutyMinutes(actor ids.ActorID) int { return e.duty.Remaining(actor) }

func (e *Engine) Tokens(actor ids.ActorID) int64 { return e.tokens.Balance(actor) }

func (e *Engine) WantedLevel(actor ids.ActorID) int { return e.wanted.Level(actor) }

func (e *Engine) JailMinutes(level int) float64 { return e.wanted.JailMinutes(level) }

func (e *Engine) IsJailed(actor ids.ActorID) bool { return e.jail.IsJailed(actor) }

func (e *Engine) LootRemaining(actor ids.ActorID) int { return e.loot.RemainingSeconds(actor) }

func (e *Engine) PenaltyRemaining(actor ids.ActorID) int { return e.penalty.RemainingSeconds(actor) }
