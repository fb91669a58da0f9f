package guard

import (
	"math"

	"guardwatch.ai/internal/sim/guard/feature/chase"
	"guardwatch.ai/internal/sim/guard/feature/duty"
	"guardwatch.ai/internal/sim/guard/feature/jail"
	"guardwatch.ai/internal/sim/guard/feature/search"
	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
)

// ToggleDuty flips actor's duty state. Going on duty requires standing in a
// duty area; leaving never does.
func (e *Engine) ToggleDuty(actor ids.ActorID) (duty.Transition, error) {
	pos, online := e.locator.Locate(actor)
	inArea := online && e.area(pos)
	tr, err := e.duty.Toggle(actor, inArea)
	if err != nil {
		return tr, err
	}
	e.dutyChanged(actor, tr, "toggle")
	return tr, nil
}

func (e *Engine) dutyChanged(actor ids.ActorID, tr duty.Transition, reason string) {
	if !tr.Changed {
		return
	}
	e.audit(actor, "DUTY", ids.Nil, reason, map[string]any{
		"on_duty":         tr.OnDuty,
		"elapsed_minutes": tr.ElapsedMinutes,
		"reward_minutes":  tr.RewardMinutes,
		"balance":         tr.Balance,
	})
	e.publish(Event{
		Kind:    EventDutyChanged,
		Actor:   actor,
		OnDuty:  tr.OnDuty,
		Success: tr.Rewarded,
		Minutes: float64(tr.RewardMinutes),
		Reason:  reason,
	})
	e.markDirty()
}

// Convert exchanges off-duty minutes for tokens.
func (e *Engine) Convert(actor ids.ActorID, minutes int) (duty.Conversion, error) {
	c, err := e.duty.Convert(actor, minutes)
	if err != nil {
		return c, err
	}
	e.audit(actor, "CONVERT", ids.Nil, "", map[string]any{"minutes": c.Minutes, "tokens": c.Tokens, "balance": c.Balance})
	e.publish(Event{Kind: EventConverted, Actor: actor, Minutes: float64(c.Minutes), Tokens: c.Tokens})
	e.markDirty()
	return c, nil
}

func (e *Engine) requireActiveGuard(guard ids.ActorID) error {
	if !e.duty.IsOnDuty(guard) {
		return errs.E(errs.Forbidden, "not on duty")
	}
	if left := e.penalty.RemainingSeconds(guard); left > 0 {
		return errs.E(errs.Forbidden, "penalty lock active for %ds", left)
	}
	return nil
}

// within locates both actors and checks they are at most maxDist apart.
func (e *Engine) within(guard, target ids.ActorID, maxDist float64) error {
	gp, ok := e.locator.Locate(guard)
	if !ok {
		return errs.E(errs.PreconditionFailed, "you are not in the world")
	}
	tp, ok := e.locator.Locate(target)
	if !ok {
		if e.presence.Online(target) {
			return errs.E(errs.PreconditionFailed, "target has not reported a position yet")
		}
		return errs.E(errs.NotFound, "target is not online")
	}
	if d := gp.Distance(tp); d > maxDist {
		if math.IsInf(d, 1) {
			return errs.E(errs.PreconditionFailed, "target is in another world")
		}
		return errs.E(errs.PreconditionFailed, "target is %.1f blocks away (max %.1f)", d, maxDist)
	}
	return nil
}

func (e *Engine) MarkPlayer(marker, target ids.ActorID) error {
	if marker == target {
		return errs.E(errs.InvalidArgument, "cannot mark yourself")
	}
	if err := e.requireActiveGuard(marker); err != nil {
		return err
	}
	if !e.wanted.Mark(marker, target) {
		if e.wanted.Level(target) == 0 {
			return errs.E(errs.PreconditionFailed, "target is not wanted")
		}
		return errs.E(errs.PreconditionFailed, "you marked this target recently")
	}
	e.audit(marker, "MARK", target, "", map[string]any{"level": e.wanted.Level(target)})
	e.publish(Event{Kind: EventMarked, Actor: marker, Target: target, Level: e.wanted.Level(target)})
	e.markDirty()
	return nil
}

type CaptureResult struct {
	Detention jail.Detention
	// Level is the wanted level read before the detention started.
	Level       int
	TokensDelta int64
	Balance     int64
}

// Capture detains target on behalf of an on-duty guard. The reward is
// priced from one wanted snapshot taken before the detention; a target
// with no wanted level costs the guard the innocent-capture penalty.
func (e *Engine) Capture(guard, target ids.ActorID) (CaptureResult, error) {
	if guard == target {
		return CaptureResult{}, errs.E(errs.InvalidArgument, "cannot capture yourself")
	}
	if err := e.requireActiveGuard(guard); err != nil {
		return CaptureResult{}, err
	}
	if e.jail.IsJailed(target) {
		return CaptureResult{}, errs.E(errs.PreconditionFailed, "target is already detained")
	}
	if err := e.within(guard, target, e.tune.Jail.MaxDistance); err != nil {
		return CaptureResult{}, err
	}

	snap := e.wanted.Get(target)
	minutes := e.wanted.JailMinutes(snap.Level)
	det, err := e.jail.JailIfFree(target, minutes, "capture", guard)
	if err != nil {
		return CaptureResult{}, err
	}
	out := CaptureResult{Detention: det, Level: snap.Level}

	if snap.Level > 0 {
		if reward := e.tune.Rewards.CaptureTokens[snap.Level]; reward > 0 {
			bal, err := e.tokens.Credit(guard, reward)
			if err != nil {
				e.logf("capture reward for %s: %v", guard, err)
			} else {
				out.TokensDelta = reward
			}
			out.Balance = bal
		} else {
			out.Balance = e.tokens.Balance(guard)
		}
	} else {
		taken, bal := e.tokens.Take(guard, e.tune.Rewards.InnocentCapturePenalty)
		out.TokensDelta = -taken
		out.Balance = bal
	}
	if e.tune.Wanted.ClearOnJail {
		e.wanted.Clear(target)
	}

	e.audit(guard, "CAPTURE", target, "", map[string]any{
		"level":   snap.Level,
		"minutes": minutes,
		"tokens":  out.TokensDelta,
	})
	e.publish(Event{Kind: EventDetained, Actor: guard, Target: target, Level: snap.Level, Minutes: minutes, Tokens: out.TokensDelta, Reason: "capture"})
	e.markDirty()
	return out, nil
}

type JailResult struct {
	Detention *jail.Detention
	Queued    *jail.Pending
}

// ManualJail detains target by command. minutes <= 0 means "derive it":
// from the wanted level for online targets, or the offline default for
// targets that have to be queued.
func (e *Engine) ManualJail(issuer, target ids.ActorID, minutes float64, reason string) (JailResult, error) {
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes < 0 {
		return JailResult{}, errs.E(errs.InvalidArgument, "bad duration %v", minutes)
	}
	if ids.IsNil(target) {
		return JailResult{}, errs.E(errs.InvalidArgument, "missing target")
	}
	if !e.presence.Online(target) {
		if minutes == 0 {
			minutes = e.tune.Jail.OfflineDefaultMinutes
		}
		p, err := e.jail.QueueOffline(target, minutes, reason, issuer)
		if err != nil {
			return JailResult{}, err
		}
		e.audit(issuer, "JAIL_QUEUED", target, reason, map[string]any{"minutes": minutes})
		e.publish(Event{Kind: EventQueued, Actor: issuer, Target: target, Minutes: minutes, Reason: reason})
		e.markDirty()
		return JailResult{Queued: &p}, nil
	}

	// Issuers standing in the world must be close; console issuers are not located.
	if _, located := e.locator.Locate(issuer); located && !ids.IsNil(issuer) {
		if err := e.within(issuer, target, e.tune.Jail.MaxDistance); err != nil {
			return JailResult{}, err
		}
	}
	level := e.wanted.Level(target)
	if minutes == 0 {
		minutes = e.wanted.JailMinutes(level)
	}
	det, err := e.jail.Jail(target, minutes, reason, issuer)
	if err != nil {
		return JailResult{}, err
	}
	if e.tune.Wanted.ClearOnJail {
		e.wanted.Clear(target)
	}
	e.audit(issuer, "JAIL", target, reason, map[string]any{"minutes": minutes, "level": level})
	e.publish(Event{Kind: EventDetained, Actor: issuer, Target: target, Level: level, Minutes: minutes, Reason: reason})
	e.markDirty()
	return JailResult{Detention: &det}, nil
}

func (e *Engine) StartChase(guard, target ids.ActorID) error {
	if err := e.requireActiveGuard(guard); err != nil {
		return err
	}
	if e.wanted.Level(target) < 1 {
		return errs.E(errs.PreconditionFailed, "target is not wanted")
	}
	if err := e.within(guard, target, e.tune.Chase.MaxDistance); err != nil {
		return err
	}
	if err := e.chases.Start(guard, target); err != nil {
		return err
	}
	e.audit(guard, "CHASE_START", target, "", nil)
	e.publish(Event{Kind: EventChaseStarted, Actor: guard, Target: target, Level: e.wanted.Level(target)})
	return nil
}

// StopChase ends a chase the guard is running.
func (e *Engine) StopChase(guard, target ids.ActorID) error {
	return e.chases.ForceEnd(guard, target)
}

func (e *Engine) IsBeingChased(target ids.ActorID) bool {
	return e.chases.IsBeingChased(target)
}

func (e *Engine) validateChase(pursuer, target ids.ActorID) chase.Reason {
	pp, ok := e.locator.Locate(pursuer)
	if !ok {
		return chase.ReasonLogout
	}
	tp, ok := e.locator.Locate(target)
	if !ok {
		return chase.ReasonLogout
	}
	if pp.Distance(tp) > e.tune.Chase.MaxDistance {
		return chase.ReasonEscaped
	}
	return chase.ReasonNone
}

func (e *Engine) chaseEnded(ev chase.Ended) {
	e.audit(ev.Record.Pursuer, "CHASE_END", ev.Record.Target, string(ev.Reason), nil)
	e.publish(Event{
		Kind:    EventChaseEnded,
		Actor:   ev.Record.Pursuer,
		Target:  ev.Record.Target,
		Reason:  string(ev.Reason),
		Success: ev.Success,
	})
}

func (e *Engine) StartSearch(guard, target ids.ActorID) error {
	if guard == target {
		return errs.E(errs.InvalidArgument, "cannot search yourself")
	}
	if err := e.requireActiveGuard(guard); err != nil {
		return err
	}
	if err := e.within(guard, target, e.tune.Search.MaxDistance); err != nil {
		return err
	}
	if _, err := e.search.Start(guard, target); err != nil {
		return err
	}
	e.publish(Event{Kind: EventSearchStarted, Actor: guard, Target: target})
	return nil
}

func (e *Engine) validateSearch(guard, target ids.ActorID) string {
	gp, ok := e.locator.Locate(guard)
	if !ok {
		return "guard left"
	}
	tp, ok := e.locator.Locate(target)
	if !ok {
		return "target left"
	}
	if gp.Distance(tp) > e.tune.Search.MaxDistance {
		return "target moved away"
	}
	return ""
}

func (e *Engine) searchDone(o search.Outcome) {
	e.audit(o.Session.Guard, "SEARCH", o.Session.Target, o.Reason, map[string]any{"completed": o.Completed})
	e.publish(Event{
		Kind:    EventSearchFinished,
		Actor:   o.Session.Guard,
		Target:  o.Session.Target,
		Success: o.Completed,
		Reason:  o.Reason,
	})
}

func (e *Engine) released(r jail.Released) {
	reason := "served"
	if r.Early {
		reason = "early"
	}
	if r.Deferred {
		reason += ",deferred"
	}
	e.audit(ids.Nil, "RELEASE", r.Detention.Target, reason, map[string]any{"minutes": r.Detention.Minutes})
	e.publish(Event{Kind: EventReleased, Target: r.Detention.Target, Reason: reason, Success: !r.Deferred})
	e.markDirty()
}

// OnConnect settles detention business for a connecting actor. Call it once
// the actor is visible to the Locator.
func (e *Engine) OnConnect(actor ids.ActorID) (jail.ConnectResult, error) {
	res, err := e.jail.OnConnect(actor)
	if err != nil {
		return res, err
	}
	if res.Applied != nil {
		e.audit(res.Applied.IssuedBy, "JAIL", actor, res.Applied.Reason, map[string]any{"minutes": res.Applied.Minutes, "queued": true})
		e.publish(Event{Kind: EventDetained, Actor: res.Applied.IssuedBy, Target: actor, Minutes: res.Applied.Minutes, Reason: res.Applied.Reason})
	}
	if res.Applied != nil || res.ReleasedPending {
		e.markDirty()
	}
	return res, nil
}

// OnDisconnect ends every chase and search involving actor. Call it after
// the actor is gone from the Locator.
func (e *Engine) OnDisconnect(actor ids.ActorID) {
	e.chases.EndInvolving(actor, chase.ReasonLogout)
	e.search.CancelInvolving(actor, "logout")
	if e.tune.Duty.OffDutyOnLogout {
		tr, err := e.duty.SetOnDuty(actor, false, true)
		if err == nil {
			e.dutyChanged(actor, tr, "logout")
		}
	}
}

type DeathResult struct {
	LootCooldownSeconds int
	PenaltySeconds      int
	KillerLevel         int
}

// OnDeath applies death side effects. killer is the nil id for
// environmental deaths.
func (e *Engine) OnDeath(victim, killer ids.ActorID) DeathResult {
	var out DeathResult
	e.chases.EndInvolving(victim, chase.ReasonDeath)
	e.search.CancelInvolving(victim, "death")
	if !e.duty.IsOnDuty(victim) {
		return out
	}

	_ = e.loot.Start(victim, seconds(e.tune.Cooldown.LootSeconds))
	_ = e.penalty.Start(victim, seconds(e.tune.Cooldown.PenaltySeconds))
	out.LootCooldownSeconds = e.loot.RemainingSeconds(victim)
	out.PenaltySeconds = e.penalty.RemainingSeconds(victim)
	e.audit(victim, "GUARD_DEATH", killer, "", map[string]any{"loot_s": out.LootCooldownSeconds, "penalty_s": out.PenaltySeconds})
	e.publish(Event{Kind: EventPenalized, Actor: victim, Target: killer, Minutes: float64(out.PenaltySeconds) / 60})

	if !ids.IsNil(killer) && killer != victim && e.tune.Wanted.OnGuardKill > 0 {
		out.KillerLevel = e.wanted.Raise(killer, victim, e.tune.Wanted.OnGuardKill)
		e.audit(victim, "WANTED_RAISE", killer, "guard killed", map[string]any{"level": out.KillerLevel})
		e.publish(Event{Kind: EventWantedChanged, Actor: victim, Target: killer, Level: out.KillerLevel, Reason: "guard killed"})
	}
	e.markDirty()
	return out
}

// RequestKit re-issues guard equipment once the loot cooldown has passed.
func (e *Engine) RequestKit(guard ids.ActorID) error {
	if !e.duty.IsOnDuty(guard) {
		return errs.E(errs.Forbidden, "not on duty")
	}
	if left := e.loot.RemainingSeconds(guard); left > 0 {
		return errs.E(errs.PreconditionFailed, "kit available in %ds", left)
	}
	e.audit(guard, "KIT", ids.Nil, "", nil)
	e.publish(Event{Kind: EventKitIssued, Actor: guard})
	return nil
}
