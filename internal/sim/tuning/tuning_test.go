package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if got := Defaults().Wanted.JailMinutes[3]; got != 12.5 {
		t.Fatalf("expected level 3 => 12.5, got %v", got)
	}
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	raw := `
duty:
  threshold_minutes: 45
  rank_multipliers:
    sergeant: 1.5
  areas:
    - {id: hq, world: overworld, x: 0, y: 64, z: 0, radius: 30}
conversion:
  tokens_per_minute: 3
`
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tune, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tune.Duty.ThresholdMinutes != 45 || tune.Duty.RewardMinutes != 30 {
		t.Fatalf("unexpected duty tuning: %+v", tune.Duty)
	}
	if tune.Conversion.TokensPerMinute != 3 || tune.Conversion.MinMinutes != 5 {
		t.Fatalf("unexpected conversion tuning: %+v", tune.Conversion)
	}
	if len(tune.Duty.Areas) != 1 || tune.Duty.Areas[0].ID != "hq" {
		t.Fatalf("unexpected areas: %+v", tune.Duty.Areas)
	}
	if tune.Duty.RankMultipliers["sergeant"] != 1.5 {
		t.Fatalf("unexpected rank multipliers: %+v", tune.Duty.RankMultipliers)
	}
}

func TestLoad_RejectsDecreasingJailTable(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	raw := "wanted:\n  jail_minutes: [5, 4, 6, 7, 8, 9]\n"
	if err := os.WriteFile(p, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected validation error")
	}
}
