package chase

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/sched"
)

type recorder struct {
	mu    sync.Mutex
	ended []Ended
}

func (r *recorder) onEnd(e Ended) {
	r.mu.Lock()
	r.ended = append(r.ended, e)
	r.mu.Unlock()
}

func (r *recorder) last(t *testing.T) Ended {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ended) == 0 {
		t.Fatalf("no chase ended")
	}
	return r.ended[len(r.ended)-1]
}

func TestSecondPursuerRejected(t *testing.T) {
	clk := sched.NewManual(time.Unix(0, 0))
	m := New(clk, Options{})
	a, b, c := ids.New(), ids.New(), ids.New()

	if err := m.Start(a, b); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(c, b); !errs.Is(err, errs.PreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	rec, ok := m.Get(b)
	if !ok || rec.Pursuer != a {
		t.Fatalf("original chase disturbed: %+v ok=%v", rec, ok)
	}
	if _, ok := m.TargetOf(c); ok {
		t.Fatalf("rejected pursuer left a reservation")
	}
	if err := m.Start(c, ids.New()); err != nil {
		t.Fatalf("rejected pursuer should be free to chase someone else: %v", err)
	}
}

func TestOnePursuitPerPursuer(t *testing.T) {
	clk := sched.NewManual(time.Unix(0, 0))
	m := New(clk, Options{})
	a, b, c := ids.New(), ids.New(), ids.New()
	if err := m.Start(a, b); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(a, b); err == nil {
		t.Fatalf("duplicate start accepted")
	}
	if err := m.Start(a, c); err == nil {
		t.Fatalf("second target accepted")
	}
	if m.IsBeingChased(c) {
		t.Fatalf("c must not be chased")
	}
	m.End(b, false, ReasonStopped)
	if err := m.Start(a, c); err != nil {
		t.Fatalf("start after end: %v", err)
	}
}

func TestForceEndOnlyByPursuer(t *testing.T) {
	clk := sched.NewManual(time.Unix(0, 0))
	rec := &recorder{}
	m := New(clk, Options{OnEnd: rec.onEnd})
	a, b, c := ids.New(), ids.New(), ids.New()
	_ = m.Start(a, b)

	if err := m.ForceEnd(c, b); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if !m.IsBeingChased(b) {
		t.Fatalf("third party ended the chase")
	}
	if err := m.ForceEnd(a, b); err != nil {
		t.Fatalf("force end: %v", err)
	}
	if m.IsBeingChased(b) {
		t.Fatalf("still chased")
	}
	if err := m.ForceEnd(a, b); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := rec.last(t); got.Reason != ReasonStopped || got.Record.Pursuer != a {
		t.Fatalf("unexpected end event %+v", got)
	}
	if clk.Pending() != 0 {
		t.Fatalf("watch task not cancelled: %d pending", clk.Pending())
	}
}

func TestWatchEndsOnEscape(t *testing.T) {
	clk := sched.NewManual(time.Unix(0, 0))
	rec := &recorder{}
	var escaped atomic.Bool
	m := New(clk, Options{
		Tick:  time.Second,
		OnEnd: rec.onEnd,
		Validate: func(_, _ ids.ActorID) Reason {
			if escaped.Load() {
				return ReasonEscaped
			}
			return ReasonNone
		},
	})
	a, b := ids.New(), ids.New()
	_ = m.Start(a, b)

	clk.Advance(3 * time.Second)
	if !m.IsBeingChased(b) {
		t.Fatalf("chase ended early")
	}
	escaped.Store(true)
	clk.Advance(time.Second)
	if m.IsBeingChased(b) {
		t.Fatalf("escape not detected")
	}
	if got := rec.last(t); got.Reason != ReasonEscaped {
		t.Fatalf("reason=%s", got.Reason)
	}
	if clk.Pending() != 0 {
		t.Fatalf("watch still scheduled")
	}
}

func TestWatchEndsOnMaxDuration(t *testing.T) {
	clk := sched.NewManual(time.Unix(0, 0))
	rec := &recorder{}
	m := New(clk, Options{Tick: time.Second, MaxDuration: 10 * time.Second, OnEnd: rec.onEnd})
	a, b := ids.New(), ids.New()
	_ = m.Start(a, b)
	clk.Advance(9 * time.Second)
	if !m.IsBeingChased(b) {
		t.Fatalf("ended before limit")
	}
	clk.Advance(time.Second)
	if m.IsBeingChased(b) || rec.last(t).Reason != ReasonTimeout {
		t.Fatalf("expected timeout end")
	}
}

func TestSupersedeRunsUnderLockAndBlocksRestart(t *testing.T) {
	clk := sched.NewManual(time.Unix(0, 0))
	var detained atomic.Bool
	m := New(clk, Options{Blocked: func(ids.ActorID) bool { return detained.Load() }})
	a, b := ids.New(), ids.New()
	_ = m.Start(a, b)

	found := m.Supersede(b, true, func() { detained.Store(true) })
	if !found || m.IsBeingChased(b) {
		t.Fatalf("supersede did not end chase")
	}
	if err := m.Start(a, b); !errs.Is(err, errs.PreconditionFailed) {
		t.Fatalf("detained target must not be chased: %v", err)
	}
	if _, ok := m.TargetOf(a); ok {
		t.Fatalf("pursuer reservation leaked")
	}
}

func TestSupersedeRacesWithEnd(t *testing.T) {
	for i := 0; i < 200; i++ {
		clk := sched.NewManual(time.Unix(0, 0))
		var ends atomic.Int32
		m := New(clk, Options{OnEnd: func(Ended) { ends.Add(1) }})
		a, b := ids.New(), ids.New()
		_ = m.Start(a, b)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); m.End(b, false, ReasonStopped) }()
		go func() { defer wg.Done(); m.Supersede(b, true, nil) }()
		wg.Wait()

		if m.IsBeingChased(b) {
			t.Fatalf("iteration %d: target still chased", i)
		}
		if n := ends.Load(); n != 1 {
			t.Fatalf("iteration %d: chase ended %d times", i, n)
		}
	}
}

func TestEndInvolving(t *testing.T) {
	clk := sched.NewManual(time.Unix(0, 0))
	m := New(clk, Options{})
	a, b, c := ids.New(), ids.New(), ids.New()
	_ = m.Start(a, b)
	_ = m.Start(b, c)
	if n := m.EndInvolving(b, ReasonLogout); n != 2 {
		t.Fatalf("ended %d chases, want 2", n)
	}
	if len(m.Active()) != 0 {
		t.Fatalf("chases remain: %+v", m.Active())
	}
}
