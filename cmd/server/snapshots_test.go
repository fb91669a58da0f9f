package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"guardwatch.ai/internal/persistence/snapshot"
	"guardwatch.ai/internal/sim/guard"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/sched"
	"guardwatch.ai/internal/sim/tuning"
)

type nowhere struct{}

func (nowhere) Locate(ids.ActorID) (guard.Position, bool) { return guard.Position{}, false }

func TestLatestSnapshotPicksNewest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"100.snap.zst", "300.snap.zst", "200.snap.zst", "junk.snap.zst", "400.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := latestSnapshot(dir); filepath.Base(got) != "300.snap.zst" {
		t.Fatalf("latest=%q", got)
	}
	if got := latestSnapshot(filepath.Join(dir, "missing")); got != "" {
		t.Fatalf("missing dir latest=%q", got)
	}
}

func TestSnapshotterWritesAndPrunes(t *testing.T) {
	clock := sched.NewManual(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	eng, err := guard.New(guard.Config{Tuning: tuning.Defaults(), Scheduler: clock, Locator: nowhere{}})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer eng.Close()
	x := ids.New()
	if _, err := eng.AddTokens(ids.Nil, x, 7); err != nil {
		t.Fatalf("add: %v", err)
	}

	s := &snapshotter{dir: t.TempDir(), keep: 2, engine: eng}
	var last string
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		p, err := s.write(context.Background())
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		last = p
	}
	if files := snapshotFiles(s.dir); len(files) != 2 || files[0] != last {
		t.Fatalf("files=%v last=%s", files, last)
	}

	snap, err := snapshot.ReadSnapshot(last)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	st, err := snapshot.ToState(snap)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Tokens[x] != 7 {
		t.Fatalf("tokens=%d", st.Tokens[x])
	}
}

func TestMultiSinkSkipsNil(t *testing.T) {
	var got []guard.EventKind
	m := multiSink{nil, guard.SinkFunc(func(ev guard.Event) { got = append(got, ev.Kind) })}
	m.Publish(guard.Event{Kind: guard.EventReleased})
	if len(got) != 1 || got[0] != guard.EventReleased {
		t.Fatalf("got %v", got)
	}
}
