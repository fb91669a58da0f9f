package main

import (
	"path/filepath"

	"guardwatch.ai/internal/persistence/snapshot"
	"guardwatch.ai/internal/persistence/statedb"
	"guardwatch.ai/internal/sim/guard"
)

type stateBackend interface {
	guard.StateStore
	guard.StateLoader
}

// openStateBackend picks where engine state lives: the SQLite state db, or
// a single snapshot file when the db is disabled. db is nil in the latter
// case.
func openStateBackend(dataDir string, disableDB bool) (stateBackend, *statedb.DB, error) {
	if disableDB {
		return snapshot.FileStore{Path: filepath.Join(dataDir, "state", "state.snap.zst")}, nil, nil
	}
	db, err := statedb.OpenSQLite(filepath.Join(dataDir, "state", "guard.sqlite"))
	if err != nil {
		return nil, nil, err
	}
	return db, db, nil
}

// multiSink fans engine events out to every non-nil sink.
type multiSink []guard.Sink

func (m multiSink) Publish(ev guard.Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}
