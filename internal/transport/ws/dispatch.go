package ws

import (
	"time"

	"guardwatch.ai/internal/protocol"
	"guardwatch.ai/internal/sim/guard"
	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
)

func parseTarget(raw string) (ids.ActorID, error) {
	id, err := ids.Parse(raw)
	if err != nil || ids.IsNil(id) {
		return ids.Nil, errs.E(errs.InvalidArgument, "bad target %q", raw)
	}
	return id, nil
}

// dispatch runs one player command and returns the ACK result payload.
func dispatch(eng *guard.Engine, actor ids.ActorID, cmd protocol.CmdMsg) (any, error) {
	switch cmd.Op {
	case protocol.OpToggleDuty:
		tr, err := eng.ToggleDuty(actor)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"on_duty":         tr.OnDuty,
			"rewarded":        tr.Rewarded,
			"reward_minutes":  tr.RewardMinutes,
			"elapsed_minutes": tr.ElapsedMinutes,
			"balance_minutes": tr.Balance,
		}, nil

	case protocol.OpConvert:
		c, err := eng.Convert(actor, cmd.Amount)
		if err != nil {
			return nil, err
		}
		return map[string]any{"minutes": c.Minutes, "tokens": c.Tokens, "balance_minutes": c.Balance}, nil

	case protocol.OpStatus:
		if cmd.Target != "" {
			t, err := parseTarget(cmd.Target)
			if err != nil {
				return nil, err
			}
			return eng.Status(t), nil
		}
		return eng.Status(actor), nil

	case protocol.OpKit:
		return nil, eng.RequestKit(actor)
	}

	target, err := parseTarget(cmd.Target)
	if err != nil {
		return nil, err
	}
	switch cmd.Op {
	case protocol.OpMark:
		if err := eng.MarkPlayer(actor, target); err != nil {
			return nil, err
		}
		return map[string]any{"level": eng.WantedLevel(target)}, nil

	case protocol.OpCapture:
		res, err := eng.Capture(actor, target)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"level":      res.Level,
			"minutes":    res.Detention.Minutes,
			"release_at": res.Detention.ReleaseAt.UTC().Format(time.RFC3339),
			"tokens":     res.TokensDelta,
			"balance":    res.Balance,
		}, nil

	case protocol.OpJail:
		// Players may only jail while on duty; consoles use the admin API.
		if !eng.IsOnDuty(actor) {
			return nil, errs.E(errs.Forbidden, "not on duty")
		}
		res, err := eng.ManualJail(actor, target, cmd.Minutes, cmd.Reason)
		if err != nil {
			return nil, err
		}
		if res.Queued != nil {
			return map[string]any{"queued": true, "minutes": res.Queued.Minutes}, nil
		}
		return map[string]any{"queued": false, "minutes": res.Detention.Minutes}, nil

	case protocol.OpChase:
		return nil, eng.StartChase(actor, target)

	case protocol.OpStopChase:
		return nil, eng.StopChase(actor, target)

	case protocol.OpSearch:
		return nil, eng.StartSearch(actor, target)
	}
	return nil, errs.E(errs.InvalidArgument, "unknown op %q", cmd.Op)
}
