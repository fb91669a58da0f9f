package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"guardwatch.ai/internal/sim/guard"
	"guardwatch.ai/internal/sim/guard/feature/duty"
	"guardwatch.ai/internal/sim/guard/feature/jail"
	"guardwatch.ai/internal/sim/guard/feature/wanted"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
)

var stateTables = []string{
	"duty", "wanted", "tokens", "detentions", "pending_detentions",
	"deferred_releases", "cooldowns", "rank_multipliers",
}

// SaveState replaces the stored state in one transaction, so a reader
// never sees half of a save.
func (s *DB) SaveState(ctx context.Context, st guard.State) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range stateTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("clear %s: %w", t, err)
		}
	}

	exec := func(table, q string, args ...any) error {
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
		return nil
	}
	for id, r := range st.Duty {
		if err := exec("duty", `INSERT INTO duty(actor,on_duty,session_started_at,balance_minutes) VALUES(?,?,?,?)`,
			id.String(), boolInt(r.OnDuty), formatTime(r.SessionStartedAt), r.BalanceMinutes); err != nil {
			return err
		}
	}
	for id, r := range st.Wanted {
		if r.Level <= 0 {
			continue
		}
		if err := exec("wanted", `INSERT INTO wanted(actor,level,marked_by,marked_at) VALUES(?,?,?,?)`,
			id.String(), r.Level, idString(r.MarkedBy), formatTime(r.MarkedAt)); err != nil {
			return err
		}
	}
	for id, bal := range st.Tokens {
		if err := exec("tokens", `INSERT INTO tokens(actor,balance) VALUES(?,?)`, id.String(), bal); err != nil {
			return err
		}
	}
	for id, d := range st.Jail.Detentions {
		if err := exec("detentions", `INSERT INTO detentions(target,issued_by,minutes,reason,started_at,release_at) VALUES(?,?,?,?,?,?)`,
			id.String(), idString(d.IssuedBy), d.Minutes, d.Reason, formatTime(d.StartedAt), formatTime(d.ReleaseAt)); err != nil {
			return err
		}
	}
	for id, p := range st.Jail.Pending {
		if err := exec("pending_detentions", `INSERT INTO pending_detentions(target,minutes,reason,issued_by,issued_at) VALUES(?,?,?,?,?)`,
			id.String(), p.Minutes, p.Reason, idString(p.IssuedBy), formatTime(p.IssuedAt)); err != nil {
			return err
		}
	}
	for id, at := range st.Jail.Deferred {
		if err := exec("deferred_releases", `INSERT INTO deferred_releases(target,due_at) VALUES(?,?)`, id.String(), formatTime(at)); err != nil {
			return err
		}
	}
	for kind, m := range map[string]map[ids.ActorID]time.Time{"loot": st.Loot, "penalty": st.Penalty} {
		for id, at := range m {
			if err := exec("cooldowns", `INSERT INTO cooldowns(kind,actor,expires_at) VALUES(?,?,?)`, kind, id.String(), formatTime(at)); err != nil {
				return err
			}
		}
	}
	for rank, mult := range st.RankMultipliers {
		if err := exec("rank_multipliers", `INSERT INTO rank_multipliers(rank,multiplier) VALUES(?,?)`, rank, mult); err != nil {
			return err
		}
	}
	if err := exec("meta", `INSERT OR REPLACE INTO meta(key,value) VALUES('saved_at',?)`, formatTime(st.SavedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadState reads the stored state. An empty database yields empty state;
// an unparseable row is an error.
func (s *DB) LoadState(ctx context.Context) (guard.State, error) {
	st := guard.EmptyState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, fmt.Errorf("load state: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var savedAt string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='saved_at'`).Scan(&savedAt); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("load meta: %w", err)
	}
	if st.SavedAt, err = parseTime(savedAt); err != nil {
		return st, fmt.Errorf("meta saved_at: %w", err)
	}

	if err := scanRows(ctx, tx, "duty", `SELECT actor,on_duty,session_started_at,balance_minutes FROM duty`, func(rows *sql.Rows) error {
		var (
			actor, started string
			on, bal        int
		)
		if err := rows.Scan(&actor, &on, &started, &bal); err != nil {
			return err
		}
		id, err := ids.Parse(actor)
		if err != nil {
			return err
		}
		at, err := parseTime(started)
		if err != nil {
			return err
		}
		st.Duty[id] = duty.Record{OnDuty: on != 0, SessionStartedAt: at, BalanceMinutes: bal}
		return nil
	}); err != nil {
		return st, err
	}

	if err := scanRows(ctx, tx, "wanted", `SELECT actor,level,marked_by,marked_at FROM wanted`, func(rows *sql.Rows) error {
		var (
			actor, by, at string
			level         int
		)
		if err := rows.Scan(&actor, &level, &by, &at); err != nil {
			return err
		}
		id, err := ids.Parse(actor)
		if err != nil {
			return err
		}
		rec := wanted.Record{Level: level}
		if rec.MarkedBy, err = parseOptionalID(by); err != nil {
			return err
		}
		if rec.MarkedAt, err = parseTime(at); err != nil {
			return err
		}
		st.Wanted[id] = rec
		return nil
	}); err != nil {
		return st, err
	}

	if err := scanRows(ctx, tx, "tokens", `SELECT actor,balance FROM tokens`, func(rows *sql.Rows) error {
		var (
			actor string
			bal   int64
		)
		if err := rows.Scan(&actor, &bal); err != nil {
			return err
		}
		id, err := ids.Parse(actor)
		if err != nil {
			return err
		}
		st.Tokens[id] = bal
		return nil
	}); err != nil {
		return st, err
	}

	if err := scanRows(ctx, tx, "detentions", `SELECT target,issued_by,minutes,reason,started_at,release_at FROM detentions`, func(rows *sql.Rows) error {
		var (
			target, by, reason, started, release string
			minutes                              float64
		)
		if err := rows.Scan(&target, &by, &minutes, &reason, &started, &release); err != nil {
			return err
		}
		id, err := ids.Parse(target)
		if err != nil {
			return err
		}
		d := jail.Detention{Target: id, Minutes: minutes, Reason: reason}
		if d.IssuedBy, err = parseOptionalID(by); err != nil {
			return err
		}
		if d.StartedAt, err = parseTime(started); err != nil {
			return err
		}
		if d.ReleaseAt, err = parseTime(release); err != nil {
			return err
		}
		st.Jail.Detentions[id] = d
		return nil
	}); err != nil {
		return st, err
	}

	if err := scanRows(ctx, tx, "pending_detentions", `SELECT target,minutes,reason,issued_by,issued_at FROM pending_detentions`, func(rows *sql.Rows) error {
		var (
			target, reason, by, issued string
			minutes                    float64
		)
		if err := rows.Scan(&target, &minutes, &reason, &by, &issued); err != nil {
			return err
		}
		id, err := ids.Parse(target)
		if err != nil {
			return err
		}
		p := jail.Pending{Target: id, Minutes: minutes, Reason: reason}
		if p.IssuedBy, err = parseOptionalID(by); err != nil {
			return err
		}
		if p.IssuedAt, err = parseTime(issued); err != nil {
			return err
		}
		st.Jail.Pending[id] = p
		return nil
	}); err != nil {
		return st, err
	}

	if err := scanRows(ctx, tx, "deferred_releases", `SELECT target,due_at FROM deferred_releases`, func(rows *sql.Rows) error {
		var target, due string
		if err := rows.Scan(&target, &due); err != nil {
			return err
		}
		id, err := ids.Parse(target)
		if err != nil {
			return err
		}
		at, err := parseTime(due)
		if err != nil {
			return err
		}
		st.Jail.Deferred[id] = at
		return nil
	}); err != nil {
		return st, err
	}

	if err := scanRows(ctx, tx, "cooldowns", `SELECT kind,actor,expires_at FROM cooldowns`, func(rows *sql.Rows) error {
		var kind, actor, exp string
		if err := rows.Scan(&kind, &actor, &exp); err != nil {
			return err
		}
		id, err := ids.Parse(actor)
		if err != nil {
			return err
		}
		at, err := parseTime(exp)
		if err != nil {
			return err
		}
		switch kind {
		case "loot":
			st.Loot[id] = at
		case "penalty":
			st.Penalty[id] = at
		default:
			return fmt.Errorf("unknown cooldown kind %q", kind)
		}
		return nil
	}); err != nil {
		return st, err
	}

	if err := scanRows(ctx, tx, "rank_multipliers", `SELECT rank,multiplier FROM rank_multipliers`, func(rows *sql.Rows) error {
		var (
			rank string
			mult float64
		)
		if err := rows.Scan(&rank, &mult); err != nil {
			return err
		}
		st.RankMultipliers[rank] = mult
		return nil
	}); err != nil {
		return st, err
	}
	return st, nil
}

func scanRows(ctx context.Context, tx *sql.Tx, table, q string, fn func(*sql.Rows) error) error {
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("load %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return fmt.Errorf("load %s: %w", table, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load %s: %w", table, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func idString(id ids.ActorID) string {
	if ids.IsNil(id) {
		return ""
	}
	return id.String()
}

func parseOptionalID(s string) (ids.ActorID, error) {
	if s == "" {
		return ids.Nil, nil
	}
	return ids.Parse(s)
}
