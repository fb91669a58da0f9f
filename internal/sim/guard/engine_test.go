package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"guardwatch.ai/internal/sim/guard/feature/duty"
	"guardwatch.ai/internal/sim/guard/feature/jail"
	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/sched"
	"guardwatch.ai/internal/sim/tuning"
)

type world struct {
	mu  sync.Mutex
	pos map[ids.ActorID]Position
}

func (w *world) Locate(id ids.ActorID) (Position, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pos[id]
	return p, ok
}

func (w *world) put(id ids.ActorID, x float64) {
	w.mu.Lock()
	w.pos[id] = Position{World: "overworld", X: x, Y: 64}
	w.mu.Unlock()
}

func (w *world) drop(id ids.ActorID) {
	w.mu.Lock()
	delete(w.pos, id)
	w.mu.Unlock()
}

type cuffs struct {
	mu       sync.Mutex
	applied  map[ids.ActorID]int
	released map[ids.ActorID]int
}

func (c *cuffs) Apply(id ids.ActorID, _ float64) error {
	c.mu.Lock()
	c.applied[id]++
	c.mu.Unlock()
	return nil
}

func (c *cuffs) Release(id ids.ActorID) error {
	c.mu.Lock()
	c.released[id]++
	c.mu.Unlock()
	return nil
}

type events struct {
	mu  sync.Mutex
	evs []Event
}

func (s *events) Publish(ev Event) {
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
}

func (s *events) count(kind EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *memAudit) WriteAudit(e AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

type harness struct {
	clk    *sched.Manual
	world  *world
	cuffs  *cuffs
	events *events
	audit  *memAudit
	eng    *Engine
}

func testTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.Duty.Areas = []tuning.Area{{ID: "hq", World: "overworld", X: 0, Y: 64, Z: 0, Radius: 10}}
	return t
}

func newHarness(t *testing.T, tune tuning.Tuning, store StateStore) *harness {
	t.Helper()
	h := &harness{
		clk:    sched.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
		world:  &world{pos: map[ids.ActorID]Position{}},
		cuffs:  &cuffs{applied: map[ids.ActorID]int{}, released: map[ids.ActorID]int{}},
		events: &events{},
		audit:  &memAudit{},
	}
	eng, err := New(Config{
		Tuning:    tune,
		Scheduler: h.clk,
		Locator:   h.world,
		Restraint: h.cuffs,
		Sink:      h.events,
		Auditor:   h.audit,
		Store:     store,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	h.eng = eng
	return h
}

// onDutyGuard returns a guard standing at x that has gone on duty.
func (h *harness) onDutyGuard(t *testing.T, x float64) ids.ActorID {
	t.Helper()
	g := ids.New()
	h.world.put(g, 0)
	if _, err := h.eng.ToggleDuty(g); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	h.world.put(g, x)
	return g
}

func TestDutyRewardAndConversionScenario(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	g := h.onDutyGuard(t, 0)

	h.clk.Advance(65 * time.Minute)
	tr, err := h.eng.ToggleDuty(g)
	if err != nil || tr.OnDuty || !tr.Rewarded {
		t.Fatalf("toggle off: %+v %v", tr, err)
	}
	if got := h.eng.RemainingOffDutyMinutes(g); got != 30 {
		t.Fatalf("balance=%d want 30", got)
	}
	if _, err := h.eng.Convert(g, 10); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if h.eng.RemainingOffDutyMinutes(g) != 20 || h.eng.Tokens(g) != 20 {
		t.Fatalf("balance=%d tokens=%d", h.eng.RemainingOffDutyMinutes(g), h.eng.Tokens(g))
	}
}

func TestToggleOutsideAreaRejected(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	g := ids.New()
	h.world.put(g, 50)
	if _, err := h.eng.ToggleDuty(g); !errs.Is(err, errs.PreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if h.eng.IsOnDuty(g) {
		t.Fatalf("went on duty outside the area")
	}
}

func TestCaptureUsesDerivedJailTimeAndRewards(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	g := h.onDutyGuard(t, 0)
	x := ids.New()
	h.world.put(x, 2)
	if err := h.eng.SetWanted(ids.Nil, x, 3); err != nil {
		t.Fatalf("set wanted: %v", err)
	}
	if err := h.eng.StartChase(g, x); err != nil {
		t.Fatalf("start chase: %v", err)
	}

	res, err := h.eng.Capture(g, x)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if res.Level != 3 || res.Detention.Minutes != 12.5 {
		t.Fatalf("unexpected capture %+v", res)
	}
	if res.TokensDelta != 20 || h.eng.Tokens(g) != 20 {
		t.Fatalf("reward=%d tokens=%d", res.TokensDelta, h.eng.Tokens(g))
	}
	if h.eng.IsBeingChased(x) {
		t.Fatalf("target still chased after capture")
	}
	if h.eng.WantedLevel(x) != 0 {
		t.Fatalf("wanted level not cleared")
	}
	if h.events.count(EventChaseEnded) != 1 || h.events.count(EventDetained) != 1 {
		t.Fatalf("unexpected events %+v", h.events.evs)
	}
	if _, err := h.eng.Capture(g, x); !errs.Is(err, errs.PreconditionFailed) {
		t.Fatalf("double capture: %v", err)
	}
}

func TestCaptureInnocentCostsTokens(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	g := h.onDutyGuard(t, 0)
	_ = h.eng.SetTokens(ids.Nil, g, 4)
	x := ids.New()
	h.world.put(x, 1)

	res, err := h.eng.Capture(g, x)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if res.Detention.Minutes != 2.5 {
		t.Fatalf("level 0 detention minutes=%v", res.Detention.Minutes)
	}
	if res.TokensDelta != -4 || h.eng.Tokens(g) != 0 {
		t.Fatalf("penalty=%d tokens=%d", res.TokensDelta, h.eng.Tokens(g))
	}
}

func TestCapturePreconditions(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	g := ids.New()
	x := ids.New()
	h.world.put(g, 0)
	if _, err := h.eng.Capture(g, x); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("off duty: %v", err)
	}
	g = h.onDutyGuard(t, 0)
	if _, err := h.eng.Capture(g, x); !errs.Is(err, errs.NotFound) {
		t.Fatalf("offline target: %v", err)
	}
	h.world.put(x, 20)
	if _, err := h.eng.Capture(g, x); !errs.Is(err, errs.PreconditionFailed) {
		t.Fatalf("far target: %v", err)
	}
	if h.eng.IsJailed(x) {
		t.Fatalf("failed capture detained the target")
	}
}

func TestManualJailOfflineQueueThenConnect(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	x := ids.New()

	if _, err := h.eng.ManualJail(ids.Nil, x, 5, "first"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	res, err := h.eng.ManualJail(ids.Nil, x, 0, "second")
	if err != nil || res.Queued == nil {
		t.Fatalf("queue: %+v %v", res, err)
	}
	if res.Queued.Minutes != h.eng.Tuning().Jail.OfflineDefaultMinutes {
		t.Fatalf("offline default not used: %v", res.Queued.Minutes)
	}

	h.world.put(x, 0)
	cr, err := h.eng.OnConnect(x)
	if err != nil || cr.Applied == nil || cr.Applied.Reason != "second" {
		t.Fatalf("connect: %+v %v", cr, err)
	}
	cr, _ = h.eng.OnConnect(x)
	if cr.Applied != nil {
		t.Fatalf("queued detention applied twice")
	}
	if h.events.count(EventDetained) != 1 {
		t.Fatalf("detained events=%d", h.events.count(EventDetained))
	}
}

func TestManualJailDerivesFromWantedLevel(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	x := ids.New()
	h.world.put(x, 0)
	_ = h.eng.SetWanted(ids.Nil, x, 3)
	res, err := h.eng.ManualJail(ids.Nil, x, 0, "")
	if err != nil || res.Detention == nil || res.Detention.Minutes != 12.5 {
		t.Fatalf("manual jail: %+v %v", res, err)
	}
	if _, err := h.eng.ManualJail(ids.Nil, x, -1, ""); !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("negative minutes: %v", err)
	}
}

func TestChaseEscapeAndLogout(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	g := h.onDutyGuard(t, 0)
	x, y := ids.New(), ids.New()
	h.world.put(x, 5)
	h.world.put(y, 6)
	_ = h.eng.SetWanted(ids.Nil, x, 1)

	if err := h.eng.StartChase(g, y); !errs.Is(err, errs.PreconditionFailed) {
		t.Fatalf("chasing an unwanted target: %v", err)
	}
	if err := h.eng.StartChase(g, x); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.world.put(x, 100)
	h.clk.Advance(time.Second)
	if h.eng.IsBeingChased(x) {
		t.Fatalf("escape not detected")
	}

	h.world.put(x, 5)
	if err := h.eng.StartChase(g, x); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.world.drop(x)
	h.eng.OnDisconnect(x)
	if h.eng.IsBeingChased(x) {
		t.Fatalf("logout did not end chase")
	}
}

func TestGuardDeathEffects(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	g := h.onDutyGuard(t, 0)
	killer := ids.New()
	h.world.put(killer, 1)

	res := h.eng.OnDeath(g, killer)
	if res.LootCooldownSeconds != 300 || res.PenaltySeconds != 120 || res.KillerLevel != 1 {
		t.Fatalf("unexpected death result %+v", res)
	}
	if err := h.eng.RequestKit(g); !errs.Is(err, errs.PreconditionFailed) {
		t.Fatalf("kit during cooldown: %v", err)
	}
	if _, err := h.eng.Capture(g, killer); !errs.Is(err, errs.Forbidden) {
		t.Fatalf("capture under penalty: %v", err)
	}
	h.clk.Advance(5 * time.Minute)
	if err := h.eng.RequestKit(g); err != nil {
		t.Fatalf("kit after cooldown: %v", err)
	}
	if h.eng.LootRemaining(g) != 0 || h.eng.PenaltyRemaining(g) != 0 {
		t.Fatalf("timers still running")
	}
}

func TestReleaseAfterDetention(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	x := ids.New()
	h.world.put(x, 0)
	if _, err := h.eng.ManualJail(ids.Nil, x, 1, ""); err != nil {
		t.Fatalf("jail: %v", err)
	}
	h.clk.Advance(time.Minute)
	if h.eng.IsJailed(x) || h.cuffs.released[x] != 1 {
		t.Fatalf("not released")
	}
	if h.events.count(EventReleased) != 1 {
		t.Fatalf("release event missing")
	}
}

func TestAdminMutationsValidate(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	a := ids.New()
	if err := h.eng.SetWanted(ids.Nil, a, 9); !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("set wanted 9: %v", err)
	}
	if _, err := h.eng.AddTokens(ids.Nil, a, -5); !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("add tokens -5: %v", err)
	}
	if err := h.eng.SetDutyMinutes(ids.Nil, a, -1); !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("set minutes -1: %v", err)
	}
	if err := h.eng.SetRankMultiplier(ids.Nil, "warden", -2); !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("rank -2: %v", err)
	}
	st := h.eng.Status(a)
	if st.WantedLevel != 0 || st.Tokens != 0 || st.OffDutyMinutes != 0 {
		t.Fatalf("state changed on validation failure: %+v", st)
	}
	if len(h.audit.entries) != 0 {
		t.Fatalf("failed mutations were audited")
	}
}

type memStore struct {
	mu    sync.Mutex
	saved []State
}

func (s *memStore) SaveState(_ context.Context, st State) error {
	s.mu.Lock()
	s.saved = append(s.saved, st)
	s.mu.Unlock()
	return nil
}

func (s *memStore) LoadState(context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return State{}, errors.New("no state")
	}
	return s.saved[len(s.saved)-1], nil
}

func (s *memStore) latest() (State, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return State{}, 0
	}
	return s.saved[len(s.saved)-1], len(s.saved)
}

func TestFlushAndRestoreRoundTrip(t *testing.T) {
	store := &memStore{}
	h := newHarness(t, testTuning(), store)
	g := ids.New()
	x := ids.New()
	_ = h.eng.SetDutyMinutes(ids.Nil, g, 42)
	_ = h.eng.SetTokens(ids.Nil, g, 7)
	_ = h.eng.SetWanted(ids.Nil, x, 2)
	h.world.put(x, 0)
	_, _ = h.eng.ManualJail(ids.Nil, x, 10, "")
	if err := h.eng.FlushState(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	h2 := newHarness(t, testTuning(), nil)
	h2.clk.Advance(4 * time.Minute)
	if !h2.eng.Load(context.Background(), store) {
		t.Fatalf("load failed")
	}
	if h2.eng.RemainingOffDutyMinutes(g) != 42 || h2.eng.Tokens(g) != 7 {
		t.Fatalf("restored balances wrong: %+v", h2.eng.Status(g))
	}
	if !h2.eng.IsJailed(x) {
		t.Fatalf("detention not restored")
	}
	h2.clk.Advance(6 * time.Minute)
	if h2.eng.IsJailed(x) {
		t.Fatalf("restored detention did not release on its original schedule")
	}
}

func TestLoadFailureStartsEmpty(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	if h.eng.Load(context.Background(), &memStore{}) {
		t.Fatalf("load of empty store reported success")
	}
	if len(h.eng.Snapshot().Tokens) != 0 {
		t.Fatalf("expected empty state")
	}
}

func TestConcurrentCaptureRewardsOnce(t *testing.T) {
	h := newHarness(t, testTuning(), nil)
	x := ids.New()
	h.world.put(x, 1)
	_ = h.eng.SetWanted(ids.Nil, x, 5)
	guards := make([]ids.ActorID, 8)
	for i := range guards {
		guards[i] = h.onDutyGuard(t, 0)
	}

	var wg sync.WaitGroup
	for _, g := range guards {
		wg.Add(1)
		go func(g ids.ActorID) {
			defer wg.Done()
			_, _ = h.eng.Capture(g, x)
		}(g)
	}
	wg.Wait()

	var total int64
	for _, g := range guards {
		total += h.eng.Tokens(g)
	}
	if total != 50 {
		t.Fatalf("capture paid %d tokens in total, want 50", total)
	}
}

func TestLoadSkipsBadPendingRowAndKeepsBalances(t *testing.T) {
	a, x := ids.New(), ids.New()
	st := EmptyState()
	st.Tokens[a] = 100
	st.Duty[a] = duty.Record{BalanceMinutes: 500}
	st.Jail.Pending[x] = jail.Pending{Target: x, Minutes: 0}
	store := &memStore{saved: []State{st}}

	h := newHarness(t, testTuning(), store)
	if !h.eng.Load(context.Background(), store) {
		t.Fatalf("load rejected the whole state over one pending row")
	}
	if h.eng.Tokens(a) != 100 || h.eng.RemainingOffDutyMinutes(a) != 500 {
		t.Fatalf("balances lost: %+v", h.eng.Status(a))
	}
	if _, err := h.eng.AddTokens(ids.Nil, ids.New(), 5); err != nil {
		t.Fatalf("add tokens: %v", err)
	}
	if err := h.eng.FlushState(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	saved, _ := store.latest()
	if saved.Tokens[a] != 100 || saved.Duty[a].BalanceMinutes != 500 {
		t.Fatalf("flush dropped stored balances: tokens=%d duty=%+v", saved.Tokens[a], saved.Duty[a])
	}
	if _, ok := saved.Jail.Pending[x]; ok {
		t.Fatalf("bad pending row written back")
	}
}

func TestFailedLoadHoldsStoreWrites(t *testing.T) {
	a := ids.New()
	st := EmptyState()
	st.Version = StateVersion + 1
	st.Tokens[a] = 100
	store := &memStore{saved: []State{st}}

	h := newHarness(t, testTuning(), store)
	if err := h.eng.duty.SetRankMultiplier("sergeant", 4); err != nil {
		t.Fatalf("rank: %v", err)
	}
	if h.eng.Load(context.Background(), store) {
		t.Fatalf("load of unsupported version reported success")
	}
	if _, ok := h.eng.Snapshot().RankMultipliers["sergeant"]; ok {
		t.Fatalf("rank multipliers survived the empty fallback")
	}
	_, _ = h.eng.AddTokens(ids.Nil, ids.New(), 5)
	if err := h.eng.FlushState(context.Background()); !errors.Is(err, errStoreHeld) {
		t.Fatalf("flush after failed load: %v", err)
	}
	if saved, n := store.latest(); n != 1 || saved.Tokens[a] != 100 {
		t.Fatalf("store overwritten after failed load: n=%d tokens=%d", n, saved.Tokens[a])
	}

	if err := h.eng.Restore(EmptyState()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := h.eng.FlushState(context.Background()); err != nil {
		t.Fatalf("flush after restore: %v", err)
	}
	if _, n := store.latest(); n < 2 {
		t.Fatalf("writes still held after restore: n=%d", n)
	}
}

type connected struct {
	w     *world
	extra map[ids.ActorID]bool
}

func (c connected) Online(id ids.ActorID) bool {
	if _, ok := c.w.Locate(id); ok {
		return true
	}
	return c.extra[id]
}

func TestUnpositionedTargetIsNotReportedOffline(t *testing.T) {
	clk := sched.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	w := &world{pos: map[ids.ActorID]Position{}}
	issuer, target := ids.New(), ids.New()
	eng, err := New(Config{
		Tuning:    testTuning(),
		Scheduler: clk,
		Locator:   w,
		Presence:  connected{w: w, extra: map[ids.ActorID]bool{target: true}},
		Restraint: &cuffs{applied: map[ids.ActorID]int{}, released: map[ids.ActorID]int{}},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	w.put(issuer, 0)

	_, err = eng.ManualJail(issuer, target, 5, "")
	if !errs.Is(err, errs.PreconditionFailed) {
		t.Fatalf("jail of unpositioned target: %v", err)
	}
	if eng.IsJailed(target) {
		t.Fatalf("target jailed without a position")
	}
}
