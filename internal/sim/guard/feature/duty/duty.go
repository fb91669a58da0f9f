package duty

import (
	"math"
	"strings"
	"time"

	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/keyed"
)

// Record invariant: SessionStartedAt is non-zero iff OnDuty.
type Record struct {
	OnDuty           bool      `json:"on_duty"`
	SessionStartedAt time.Time `json:"session_started_at"`
	BalanceMinutes   int       `json:"balance_minutes"`
}

type TokenCredit interface {
	Credit(id ids.ActorID, n int64) (int64, error)
}

type RankLookup func(id ids.ActorID) (rank string, ok bool)

type Config struct {
	ThresholdMinutes int
	RewardMinutes    int
	TokensPerMinute  int
	MinConvert       int
	RankMultipliers  map[string]float64
}

type Manager struct {
	records *keyed.Store[ids.ActorID, Record]
	ranks   *keyed.Store[string, float64]
	cfg     Config
	tokens  TokenCredit
	rankOf  RankLookup
	now     func() time.Time
}

func New(cfg Config, tokens TokenCredit, rankOf RankLookup, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		records: keyed.New[ids.ActorID, Record](),
		ranks:   keyed.New[string, float64](),
		cfg:     cfg,
		tokens:  tokens,
		rankOf:  rankOf,
		now:     now,
	}
	for rank, mult := range cfg.RankMultipliers {
		_ = m.SetRankMultiplier(rank, mult)
	}
	return m
}

type Transition struct {
	OnDuty         bool
	Changed        bool
	Rewarded       bool
	RewardMinutes  int
	ElapsedMinutes int
	Balance        int
}

// Toggle flips actor's duty state. Going on duty requires inArea.
func (m *Manager) Toggle(actor ids.ActorID, inArea bool) (Transition, error) {
	return m.transition(actor, nil, inArea)
}

// SetOnDuty moves actor to the requested state. Asking for the current state
// is a no-op with Changed=false.
func (m *Manager) SetOnDuty(actor ids.ActorID, on bool, inArea bool) (Transition, error) {
	return m.transition(actor, &on, inArea)
}

func (m *Manager) transition(actor ids.ActorID, want *bool, inArea bool) (Transition, error) {
	var (
		out Transition
		err error
	)
	reward := m.scaledReward(actor)
	now := m.now()
	m.records.Update(actor, func(r *Record, exists bool) bool {
		target := !r.OnDuty
		if want != nil {
			target = *want
		}
		out.OnDuty = r.OnDuty
		out.Balance = r.BalanceMinutes
		if target == r.OnDuty {
			return exists
		}
		if target {
			if !inArea {
				err = errs.E(errs.PreconditionFailed, "not inside a duty area")
				return exists
			}
			r.OnDuty = true
			r.SessionStartedAt = now
		} else {
			elapsed := now.Sub(r.SessionStartedAt)
			if elapsed < 0 {
				elapsed = 0
			}
			out.ElapsedMinutes = int(elapsed / time.Minute)
			if out.ElapsedMinutes >= m.cfg.ThresholdMinutes && reward > 0 {
				r.BalanceMinutes = addClamped(r.BalanceMinutes, reward)
				out.Rewarded = true
				out.RewardMinutes = reward
			}
			r.OnDuty = false
			r.SessionStartedAt = time.Time{}
		}
		out.OnDuty = r.OnDuty
		out.Changed = true
		out.Balance = r.BalanceMinutes
		return true
	})
	return out, err
}

func (m *Manager) scaledReward(actor ids.ActorID) int {
	reward := m.cfg.RewardMinutes
	if m.rankOf == nil || reward <= 0 {
		return reward
	}
	rank, ok := m.rankOf(actor)
	if !ok {
		return reward
	}
	mult, ok := m.ranks.Get(normRank(rank))
	if !ok {
		return reward
	}
	return int(math.Round(float64(reward) * mult))
}

func (m *Manager) IsOnDuty(actor ids.ActorID) bool {
	r, _ := m.records.Get(actor)
	return r.OnDuty
}

// SessionStart is the zero time when actor is off duty.
func (m *Manager) SessionStart(actor ids.ActorID) time.Time {
	r, _ := m.records.Get(actor)
	return r.SessionStartedAt
}

func (m *Manager) Remaining(actor ids.ActorID) int {
	r, _ := m.records.Get(actor)
	return r.BalanceMinutes
}

func (m *Manager) Get(actor ids.ActorID) Record {
	r, _ := m.records.Get(actor)
	return r
}

func (m *Manager) AddMinutes(actor ids.ActorID, minutes int) (int, error) {
	if minutes <= 0 {
		return m.Remaining(actor), errs.E(errs.InvalidArgument, "minutes must be > 0, got %d", minutes)
	}
	out := 0
	m.records.Update(actor, func(r *Record, _ bool) bool {
		r.BalanceMinutes = addClamped(r.BalanceMinutes, minutes)
		out = r.BalanceMinutes
		return true
	})
	return out, nil
}

func (m *Manager) SetMinutes(actor ids.ActorID, minutes int) error {
	if minutes < 0 {
		return errs.E(errs.InvalidArgument, "minutes must be >= 0, got %d", minutes)
	}
	m.records.Update(actor, func(r *Record, _ bool) bool {
		r.BalanceMinutes = minutes
		return true
	})
	return nil
}

type Conversion struct {
	Minutes int
	Tokens  int64
	Balance int
}

// Convert exchanges off-duty minutes for tokens. The minute debit and the
// token credit both happen or neither does.
func (m *Manager) Convert(actor ids.ActorID, minutes int) (Conversion, error) {
	if minutes < m.cfg.MinConvert || minutes <= 0 {
		return Conversion{Balance: m.Remaining(actor)}, errs.E(errs.InsufficientBalance, "must convert at least %d minutes", max(m.cfg.MinConvert, 1))
	}
	if m.tokens == nil {
		return Conversion{}, errs.E(errs.Internal, "no token ledger")
	}
	rate := int64(m.cfg.TokensPerMinute)
	if rate > 0 && int64(minutes) > math.MaxInt64/rate {
		return Conversion{Balance: m.Remaining(actor)}, errs.E(errs.InvalidArgument, "converting %d minutes at %d tokens/minute overflows the token balance", minutes, rate)
	}
	tokens := int64(minutes) * rate
	var (
		out Conversion
		err error
	)
	m.records.Update(actor, func(r *Record, exists bool) bool {
		out.Balance = r.BalanceMinutes
		if minutes > r.BalanceMinutes {
			err = errs.E(errs.InsufficientBalance, "balance %d < %d minutes", r.BalanceMinutes, minutes)
			return exists
		}
		if _, cerr := m.tokens.Credit(actor, tokens); cerr != nil {
			err = cerr
			return exists
		}
		r.BalanceMinutes -= minutes
		out = Conversion{Minutes: minutes, Tokens: tokens, Balance: r.BalanceMinutes}
		return true
	})
	return out, err
}

func (m *Manager) SetRankMultiplier(rank string, mult float64) error {
	rank = normRank(rank)
	if rank == "" {
		return errs.E(errs.InvalidArgument, "rank is required")
	}
	if mult <= 0 || math.IsNaN(mult) || math.IsInf(mult, 0) {
		return errs.E(errs.InvalidArgument, "multiplier must be > 0")
	}
	m.ranks.Put(rank, mult)
	return nil
}

// RestoreRanks resets the rank table to the configured one and applies in
// over it. Invalid entries are skipped and returned.
func (m *Manager) RestoreRanks(in map[string]float64) map[string]error {
	m.ranks.Replace(nil)
	for rank, mult := range m.cfg.RankMultipliers {
		_ = m.SetRankMultiplier(rank, mult)
	}
	var bad map[string]error
	for rank, mult := range in {
		if err := m.SetRankMultiplier(rank, mult); err != nil {
			if bad == nil {
				bad = map[string]error{}
			}
			bad[rank] = err
		}
	}
	return bad
}

func (m *Manager) RankMultipliers() map[string]float64 {
	return m.ranks.Snapshot()
}

func (m *Manager) Snapshot() map[ids.ActorID]Record {
	return m.records.Snapshot()
}

// Restore loads records and repairs any that break the session invariant.
func (m *Manager) Restore(in map[ids.ActorID]Record) {
	clean := make(map[ids.ActorID]Record, len(in))
	for id, r := range in {
		if r.BalanceMinutes < 0 {
			r.BalanceMinutes = 0
		}
		if r.OnDuty && r.SessionStartedAt.IsZero() {
			r.OnDuty = false
		}
		if !r.OnDuty {
			r.SessionStartedAt = time.Time{}
		}
		clean[id] = r
	}
	m.records.Replace(clean)
}

func normRank(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func addClamped(a, b int) int {
	if b > 0 && a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}
