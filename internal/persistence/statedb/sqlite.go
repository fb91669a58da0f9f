package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"guardwatch.ai/internal/sim/guard"
)

const schemaVersion = "1"

type DB struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqSnapshot
	reqSync
)

type req struct {
	kind     reqKind
	audit    guard.AuditEntry
	snapshot SnapshotRow
	ack      chan struct{}
}

type SnapshotRow struct {
	SavedAt    time.Time
	Path       string
	Actors     int
	Detentions int
	Pending    int
}

func OpenSQLite(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &DB{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS duty (
			actor TEXT PRIMARY KEY,
			on_duty INTEGER NOT NULL,
			session_started_at TEXT NOT NULL,
			balance_minutes INTEGER NOT NULL CHECK (balance_minutes >= 0)
		);`,
		`CREATE TABLE IF NOT EXISTS wanted (
			actor TEXT PRIMARY KEY,
			level INTEGER NOT NULL CHECK (level BETWEEN 1 AND 5),
			marked_by TEXT NOT NULL,
			marked_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			actor TEXT PRIMARY KEY,
			balance INTEGER NOT NULL CHECK (balance >= 0)
		);`,
		`CREATE TABLE IF NOT EXISTS detentions (
			target TEXT PRIMARY KEY,
			issued_by TEXT NOT NULL,
			minutes REAL NOT NULL,
			reason TEXT NOT NULL,
			started_at TEXT NOT NULL,
			release_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pending_detentions (
			target TEXT PRIMARY KEY,
			minutes REAL NOT NULL,
			reason TEXT NOT NULL,
			issued_by TEXT NOT NULL,
			issued_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS deferred_releases (
			target TEXT PRIMARY KEY,
			due_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			kind TEXT NOT NULL,
			actor TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			PRIMARY KEY (kind, actor)
		);`,
		`CREATE TABLE IF NOT EXISTS rank_multipliers (
			rank TEXT PRIMARY KEY,
			multiplier REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audits (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor ON audits(actor, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_target ON audits(target, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			saved_at TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			actors INTEGER NOT NULL,
			detentions INTEGER NOT NULL,
			pending INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped counts audit/snapshot rows discarded because the writer fell behind.
func (s *DB) Dropped() uint64 { return s.dropped.Load() }

// WriteAudit queues an audit row. It never blocks; the JSONL audit log
// stays the source of truth when the index falls behind.
func (s *DB) WriteAudit(entry guard.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *DB) RecordSnapshot(r SnapshotRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropped.Add(1)
	}
}

func (s *DB) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT INTO audits(at,actor,action,target,reason,raw_json) VALUES(?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(saved_at,path,actors,detentions,pending) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertAudit != nil {
			_ = insertAudit.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.ack)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			raw, _ := json.Marshal(a)
			if insertAudit != nil {
				if _, err := tx.Stmt(insertAudit).Exec(
					formatTime(a.At),
					a.Actor,
					a.Action,
					a.Target,
					a.Reason,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					formatTime(sn.SavedAt),
					sn.Path,
					sn.Actors,
					sn.Detentions,
					sn.Pending,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		// Batch while the queue is busy; never hold the connection while idle.
		if opCount >= commitEvery || len(s.ch) == 0 || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}

// Sync waits until every row queued before the call is committed.
func (s *DB) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	ack := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
