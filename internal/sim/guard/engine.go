package guard

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"guardwatch.ai/internal/sim/guard/feature/chase"
	"guardwatch.ai/internal/sim/guard/feature/cooldown"
	"guardwatch.ai/internal/sim/guard/feature/duty"
	"guardwatch.ai/internal/sim/guard/feature/jail"
	"guardwatch.ai/internal/sim/guard/feature/ledger"
	"guardwatch.ai/internal/sim/guard/feature/search"
	"guardwatch.ai/internal/sim/guard/feature/wanted"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/sched"
	"guardwatch.ai/internal/sim/tuning"
)

// Locator reports where an online actor is. ok is false for offline or
// unknown actors.
type Locator interface {
	Locate(id ids.ActorID) (pos Position, ok bool)
}

type Presence interface {
	Online(id ids.ActorID) bool
}

type RestraintExecutor = jail.Restraint

type RankLookup = duty.RankLookup

type Config struct {
	Tuning    tuning.Tuning
	Scheduler sched.Scheduler
	Locator   Locator
	// Presence defaults to "Locator knows the actor".
	Presence  Presence
	Restraint RestraintExecutor
	// Area defaults to the tuning's duty areas.
	Area AreaCheck
	// Ranks defaults to the tuning's static rank table.
	Ranks   RankLookup
	Sink    Sink
	Auditor Auditor
	Store   StateStore
	Logger  *log.Logger
}

type Engine struct {
	tune      tuning.Tuning
	sched     sched.Scheduler
	locator   Locator
	presence  Presence
	area      AreaCheck
	sink      Sink
	auditor   Auditor
	logger    *log.Logger
	restraint RestraintExecutor

	tokens  *ledger.Ledger
	wanted  *wanted.Manager
	duty    *duty.Manager
	chases  *chase.Manager
	jail    *jail.Manager
	search  *search.Manager
	loot    *cooldown.Timers
	penalty *cooldown.Timers

	store           StateStore
	persistDebounce time.Duration
	persistCh       chan struct{}
	persistFlush    chan chan error
	persistStop     chan struct{}
	persistWG       sync.WaitGroup
	closeOnce       sync.Once
	// storeHeld is set after a failed load so the empty fallback state is
	// never written over what the store still holds.
	storeHeld atomic.Bool
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = sched.NewRealtime()
	}
	if cfg.Locator == nil {
		return nil, fmt.Errorf("guard: locator is required")
	}
	t := cfg.Tuning
	e := &Engine{
		tune:      t,
		sched:     cfg.Scheduler,
		locator:   cfg.Locator,
		presence:  cfg.Presence,
		area:      cfg.Area,
		sink:      cfg.Sink,
		auditor:   cfg.Auditor,
		logger:    cfg.Logger,
		restraint: cfg.Restraint,
		store:     cfg.Store,
	}
	if e.presence == nil {
		e.presence = locatorPresence{cfg.Locator}
	}
	if e.area == nil {
		e.area = Areas(t.Duty.Areas)
	}
	ranks := cfg.Ranks
	if ranks == nil {
		ranks = StaticRanks(t.Ranks)
	}

	now := e.sched.Now
	e.tokens = ledger.New()
	wm, err := wanted.New(t.Wanted.JailMinutes, seconds(t.Wanted.MarkCooldownSeconds), now)
	if err != nil {
		return nil, fmt.Errorf("wanted: %w", err)
	}
	e.wanted = wm
	e.duty = duty.New(duty.Config{
		ThresholdMinutes: t.Duty.ThresholdMinutes,
		RewardMinutes:    t.Duty.RewardMinutes,
		TokensPerMinute:  t.Conversion.TokensPerMinute,
		MinConvert:       t.Conversion.MinMinutes,
		RankMultipliers:  t.Duty.RankMultipliers,
	}, e.tokens, ranks, now)
	e.chases = chase.New(e.sched, chase.Options{
		Tick:        millis(t.Chase.TickMillis),
		MaxDuration: seconds(t.Chase.MaxSeconds),
		Validate:    e.validateChase,
		Blocked:     func(target ids.ActorID) bool { return e.jail.IsJailed(target) },
		OnEnd:       e.chaseEnded,
	})
	e.jail = jail.New(e.sched, jail.Options{
		Presence:  e.presence,
		Restraint: cfg.Restraint,
		Chases:    e.chases,
		OnRelease: e.released,
		OnError: func(op string, target ids.ActorID, err error) {
			e.logf("restraint %s %s: %v", op, target, err)
		},
	})
	e.search = search.New(e.sched, search.Options{
		Duration: seconds(t.Search.Seconds),
		Tick:     millis(t.Search.TickMillis),
		Validate: e.validateSearch,
		OnDone:   e.searchDone,
	})
	e.loot = cooldown.New("loot", now)
	e.penalty = cooldown.New("penalty", now)

	if e.store != nil {
		e.persistDebounce = millis(t.Persist.DebounceMillis)
		e.persistCh = make(chan struct{}, 1)
		e.persistFlush = make(chan chan error, 8)
		e.persistStop = make(chan struct{})
		e.persistWG.Add(1)
		go e.persistLoop()
	}
	return e, nil
}

func (e *Engine) Tuning() tuning.Tuning { return e.tune }

func (e *Engine) Now() time.Time { return e.sched.Now() }

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

type locatorPresence struct{ l Locator }

func (p locatorPresence) Online(id ids.ActorID) bool {
	_, ok := p.l.Locate(id)
	return ok
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
