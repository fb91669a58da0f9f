package tuning

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const MaxWantedLevel = 5

type Tuning struct {
	Duty       Duty       `yaml:"duty" json:"duty"`
	Conversion Conversion `yaml:"conversion" json:"conversion"`
	Wanted     Wanted     `yaml:"wanted" json:"wanted"`
	Jail       Jail       `yaml:"jail" json:"jail"`
	Chase      Chase      `yaml:"chase" json:"chase"`
	Search     Search     `yaml:"search" json:"search"`
	Rewards    Rewards    `yaml:"rewards" json:"rewards"`
	Cooldown   Cooldown   `yaml:"cooldown" json:"cooldown"`
	Persist    Persist    `yaml:"persist" json:"persist"`

	// Ranks maps actor id (string form) to a rank name. Stands in for an
	// external rank provider when none is wired.
	Ranks map[string]string `yaml:"ranks,omitempty" json:"ranks,omitempty"`
}

type Duty struct {
	ThresholdMinutes int                `yaml:"threshold_minutes" json:"threshold_minutes"`
	RewardMinutes    int                `yaml:"reward_minutes" json:"reward_minutes"`
	OffDutyOnLogout  bool               `yaml:"off_duty_on_logout" json:"off_duty_on_logout"`
	RankMultipliers  map[string]float64 `yaml:"rank_multipliers,omitempty" json:"rank_multipliers,omitempty"`
	Areas            []Area             `yaml:"areas" json:"areas"`
}

type Area struct {
	ID     string  `yaml:"id" json:"id"`
	World  string  `yaml:"world" json:"world"`
	X      float64 `yaml:"x" json:"x"`
	Y      float64 `yaml:"y" json:"y"`
	Z      float64 `yaml:"z" json:"z"`
	Radius float64 `yaml:"radius" json:"radius"`
}

type Conversion struct {
	TokensPerMinute int `yaml:"tokens_per_minute" json:"tokens_per_minute"`
	MinMinutes      int `yaml:"min_minutes" json:"min_minutes"`
}

type Wanted struct {
	// JailMinutes is indexed by wanted level 0..5.
	JailMinutes         []float64 `yaml:"jail_minutes" json:"jail_minutes"`
	MarkCooldownSeconds int       `yaml:"mark_cooldown_seconds" json:"mark_cooldown_seconds"`
	OnGuardKill         int       `yaml:"on_guard_kill" json:"on_guard_kill"`
	ClearOnJail         bool      `yaml:"clear_on_jail" json:"clear_on_jail"`
}

type Jail struct {
	MaxDistance           float64 `yaml:"max_distance" json:"max_distance"`
	OfflineDefaultMinutes float64 `yaml:"offline_default_minutes" json:"offline_default_minutes"`
}

type Chase struct {
	MaxDistance float64 `yaml:"max_distance" json:"max_distance"`
	TickMillis  int     `yaml:"tick_millis" json:"tick_millis"`
	MaxSeconds  int     `yaml:"max_seconds" json:"max_seconds"`
}

type Search struct {
	Seconds     int     `yaml:"seconds" json:"seconds"`
	MaxDistance float64 `yaml:"max_distance" json:"max_distance"`
	TickMillis  int     `yaml:"tick_millis" json:"tick_millis"`
}

type Rewards struct {
	// CaptureTokens is indexed by the target's wanted level 0..5.
	CaptureTokens          []int64 `yaml:"capture_tokens" json:"capture_tokens"`
	InnocentCapturePenalty int64   `yaml:"innocent_capture_penalty" json:"innocent_capture_penalty"`
}

type Cooldown struct {
	LootSeconds    int `yaml:"loot_seconds" json:"loot_seconds"`
	PenaltySeconds int `yaml:"penalty_seconds" json:"penalty_seconds"`
}

type Persist struct {
	DebounceMillis int `yaml:"debounce_millis" json:"debounce_millis"`
}

func Defaults() Tuning {
	return Tuning{
		Duty: Duty{
			ThresholdMinutes: 60,
			RewardMinutes:    30,
			RankMultipliers:  map[string]float64{},
		},
		Conversion: Conversion{
			TokensPerMinute: 2,
			MinMinutes:      5,
		},
		Wanted: Wanted{
			JailMinutes:         []float64{2.5, 5, 7.5, 12.5, 17.5, 25},
			MarkCooldownSeconds: 60,
			OnGuardKill:         1,
			ClearOnJail:         true,
		},
		Jail: Jail{
			MaxDistance:           4,
			OfflineDefaultMinutes: 5,
		},
		Chase: Chase{
			MaxDistance: 32,
			TickMillis:  1000,
			MaxSeconds:  300,
		},
		Search: Search{
			Seconds:     5,
			MaxDistance: 4,
			TickMillis:  1000,
		},
		Rewards: Rewards{
			CaptureTokens:          []int64{0, 5, 10, 20, 35, 50},
			InnocentCapturePenalty: 10,
		},
		Cooldown: Cooldown{
			LootSeconds:    300,
			PenaltySeconds: 120,
		},
		Persist: Persist{
			DebounceMillis: 500,
		},
	}
}

// Load reads path over Defaults(); keys absent from the file keep their
// default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.Duty.ThresholdMinutes < 0 {
		return fmt.Errorf("duty.threshold_minutes must be >= 0")
	}
	if t.Duty.RewardMinutes < 0 {
		return fmt.Errorf("duty.reward_minutes must be >= 0")
	}
	for rank, m := range t.Duty.RankMultipliers {
		if strings.TrimSpace(rank) == "" {
			return fmt.Errorf("duty.rank_multipliers: empty rank name")
		}
		if m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			return fmt.Errorf("duty.rank_multipliers[%s] must be > 0", rank)
		}
	}
	for i, a := range t.Duty.Areas {
		if a.Radius <= 0 {
			return fmt.Errorf("duty.areas[%d].radius must be > 0", i)
		}
	}
	if t.Conversion.TokensPerMinute <= 0 {
		return fmt.Errorf("conversion.tokens_per_minute must be > 0")
	}
	if t.Conversion.MinMinutes < 1 {
		return fmt.Errorf("conversion.min_minutes must be >= 1")
	}
	if len(t.Wanted.JailMinutes) != MaxWantedLevel+1 {
		return fmt.Errorf("wanted.jail_minutes needs %d entries, got %d", MaxWantedLevel+1, len(t.Wanted.JailMinutes))
	}
	for i, m := range t.Wanted.JailMinutes {
		if m <= 0 {
			return fmt.Errorf("wanted.jail_minutes[%d] must be > 0", i)
		}
		if i > 0 && m < t.Wanted.JailMinutes[i-1] {
			return fmt.Errorf("wanted.jail_minutes must be non-decreasing (level %d)", i)
		}
	}
	if t.Wanted.MarkCooldownSeconds < 0 || t.Wanted.OnGuardKill < 0 {
		return fmt.Errorf("wanted: negative cooldown or escalation")
	}
	if t.Jail.MaxDistance <= 0 || t.Jail.OfflineDefaultMinutes <= 0 {
		return fmt.Errorf("jail.max_distance and jail.offline_default_minutes must be > 0")
	}
	if t.Chase.MaxDistance <= 0 || t.Chase.TickMillis <= 0 || t.Chase.MaxSeconds < 0 {
		return fmt.Errorf("chase: invalid distance/tick/max_seconds")
	}
	if t.Search.Seconds <= 0 || t.Search.MaxDistance <= 0 || t.Search.TickMillis <= 0 {
		return fmt.Errorf("search: seconds, max_distance and tick_millis must be > 0")
	}
	if len(t.Rewards.CaptureTokens) != MaxWantedLevel+1 {
		return fmt.Errorf("rewards.capture_tokens needs %d entries", MaxWantedLevel+1)
	}
	for i, n := range t.Rewards.CaptureTokens {
		if n < 0 {
			return fmt.Errorf("rewards.capture_tokens[%d] must be >= 0", i)
		}
	}
	if t.Rewards.InnocentCapturePenalty < 0 {
		return fmt.Errorf("rewards.innocent_capture_penalty must be >= 0")
	}
	if t.Cooldown.LootSeconds < 0 || t.Cooldown.PenaltySeconds < 0 {
		return fmt.Errorf("cooldown: negative duration")
	}
	return nil
}
