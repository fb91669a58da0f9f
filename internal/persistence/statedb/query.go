package statedb

import (
	"context"
	"fmt"
)

type AuditRow struct {
	Seq    int64  `json:"seq"`
	At     string `json:"at"`
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
	Raw    string `json:"-"`
}

// Audits lists the newest audit rows touching actor (as actor or target),
// or all rows when actor is empty.
func (s *DB) Audits(ctx context.Context, actor string, limit int) ([]AuditRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT seq,at,actor,action,target,COALESCE(reason,''),raw_json FROM audits`
	args := []any{}
	if actor != "" {
		q += ` WHERE actor=? OR target=?`
		args = append(args, actor, actor)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audits: %w", err)
	}
	defer rows.Close()
	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.Seq, &r.At, &r.Actor, &r.Action, &r.Target, &r.Reason, &r.Raw); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type TokenRow struct {
	Actor   string `json:"actor"`
	Balance int64  `json:"balance"`
}

// TopTokens ranks actors by token balance.
func (s *DB) TopTokens(ctx context.Context, limit int) ([]TokenRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT actor,balance FROM tokens ORDER BY balance DESC, actor ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()
	var out []TokenRow
	for rows.Next() {
		var r TokenRow
		if err := rows.Scan(&r.Actor, &r.Balance); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *DB) Snapshots(ctx context.Context, limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT saved_at,path,actors,detentions,pending FROM snapshots ORDER BY saved_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var (
			r  SnapshotRow
			at string
		)
		if err := rows.Scan(&at, &r.Path, &r.Actors, &r.Detentions, &r.Pending); err != nil {
			return nil, err
		}
		if r.SavedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
