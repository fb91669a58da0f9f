package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"guardwatch.ai/internal/persistence/snapshot"
	"guardwatch.ai/internal/persistence/statedb"
	"guardwatch.ai/internal/sim/guard"
)

type snapshotter struct {
	dir    string
	keep   int
	engine *guard.Engine
	db     *statedb.DB
	log    *log.Logger
}

// write saves the engine state under <dir>/<unix-nanos>.snap.zst.
func (s *snapshotter) write(_ context.Context) (string, error) {
	snap := snapshot.FromState(s.engine.Snapshot())
	path := filepath.Join(s.dir, fmt.Sprintf("%d.snap.zst", snap.Header.SavedAt.UnixNano()))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if s.db != nil {
		s.db.RecordSnapshot(statedb.SnapshotRow{
			SavedAt:    snap.Header.SavedAt,
			Path:       path,
			Actors:     snap.Header.Actors,
			Detentions: snap.Header.Detentions,
			Pending:    snap.Header.Pending,
		})
	}
	if files := snapshotFiles(s.dir); s.keep > 0 && len(files) > s.keep {
		for _, old := range files[s.keep:] {
			if err := os.Remove(old); err != nil && s.log != nil {
				s.log.Printf("prune snapshot %s: %v", old, err)
			}
		}
	}
	return path, nil
}

func (s *snapshotter) run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			path, err := s.write(ctx)
			if err != nil {
				s.log.Printf("snapshot write: %v", err)
				continue
			}
			s.log.Printf("snapshot %s", filepath.Base(path))
		}
	}
}

// snapshotFiles lists snapshots in dir, newest first.
func snapshotFiles(dir string) []string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type entry struct {
		path  string
		stamp int64
	}
	var found []entry
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		stamp, err := strconv.ParseInt(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		found = append(found, entry{path: filepath.Join(dir, name), stamp: stamp})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].stamp > found[j].stamp })
	out := make([]string, len(found))
	for i, e := range found {
		out[i] = e.path
	}
	return out
}

func latestSnapshot(dir string) string {
	files := snapshotFiles(dir)
	if len(files) == 0 {
		return ""
	}
	return files[0]
}
