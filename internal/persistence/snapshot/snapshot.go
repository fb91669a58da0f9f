package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"guardwatch.ai/internal/sim/guard"
	"guardwatch.ai/internal/sim/guard/feature/duty"
	"guardwatch.ai/internal/sim/guard/feature/jail"
	"guardwatch.ai/internal/sim/guard/feature/wanted"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
)

const Version = 1

type Header struct {
	Version    int       `json:"version"`
	SavedAt    time.Time `json:"saved_at"`
	Actors     int       `json:"actors"`
	Detentions int       `json:"detentions"`
	Pending    int       `json:"pending"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Duty       []DutyV1      `json:"duty"`
	Wanted     []WantedV1    `json:"wanted"`
	Tokens     []TokenV1     `json:"tokens"`
	Detentions []DetentionV1 `json:"detentions"`
	Pending    []PendingV1   `json:"pending"`
	Deferred   []DeferredV1  `json:"deferred"`
	Cooldowns  []CooldownV1  `json:"cooldowns"`
	Ranks      []RankV1      `json:"ranks"`
}

type DutyV1 struct {
	Actor            string    `json:"actor"`
	OnDuty           bool      `json:"on_duty"`
	SessionStartedAt time.Time `json:"session_started_at"`
	BalanceMinutes   int       `json:"balance_minutes"`
}

type WantedV1 struct {
	Actor    string    `json:"actor"`
	Level    int       `json:"level"`
	MarkedBy string    `json:"marked_by,omitempty"`
	MarkedAt time.Time `json:"marked_at"`
}

type TokenV1 struct {
	Actor   string `json:"actor"`
	Balance int64  `json:"balance"`
}

type DetentionV1 struct {
	Target    string    `json:"target"`
	IssuedBy  string    `json:"issued_by,omitempty"`
	Minutes   float64   `json:"minutes"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	ReleaseAt time.Time `json:"release_at"`
}

type PendingV1 struct {
	Target   string    `json:"target"`
	Minutes  float64   `json:"minutes"`
	Reason   string    `json:"reason,omitempty"`
	IssuedBy string    `json:"issued_by,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

type DeferredV1 struct {
	Target string    `json:"target"`
	DueAt  time.Time `json:"due_at"`
}

type CooldownV1 struct {
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RankV1 struct {
	Rank       string  `json:"rank"`
	Multiplier float64 `json:"multiplier"`
}

// FromState flattens engine state into sorted rows so equal states encode
// to equal files.
func FromState(st guard.State) SnapshotV1 {
	snap := SnapshotV1{}
	actors := map[ids.ActorID]struct{}{}
	for id, r := range st.Duty {
		actors[id] = struct{}{}
		snap.Duty = append(snap.Duty, DutyV1{Actor: id.String(), OnDuty: r.OnDuty, SessionStartedAt: r.SessionStartedAt, BalanceMinutes: r.BalanceMinutes})
	}
	for id, r := range st.Wanted {
		actors[id] = struct{}{}
		snap.Wanted = append(snap.Wanted, WantedV1{Actor: id.String(), Level: r.Level, MarkedBy: optID(r.MarkedBy), MarkedAt: r.MarkedAt})
	}
	for id, bal := range st.Tokens {
		actors[id] = struct{}{}
		snap.Tokens = append(snap.Tokens, TokenV1{Actor: id.String(), Balance: bal})
	}
	for id, d := range st.Jail.Detentions {
		snap.Detentions = append(snap.Detentions, DetentionV1{Target: id.String(), IssuedBy: optID(d.IssuedBy), Minutes: d.Minutes, Reason: d.Reason, StartedAt: d.StartedAt, ReleaseAt: d.ReleaseAt})
	}
	for id, p := range st.Jail.Pending {
		snap.Pending = append(snap.Pending, PendingV1{Target: id.String(), Minutes: p.Minutes, Reason: p.Reason, IssuedBy: optID(p.IssuedBy), IssuedAt: p.IssuedAt})
	}
	for id, at := range st.Jail.Deferred {
		snap.Deferred = append(snap.Deferred, DeferredV1{Target: id.String(), DueAt: at})
	}
	for id, at := range st.Loot {
		snap.Cooldowns = append(snap.Cooldowns, CooldownV1{Kind: "loot", Actor: id.String(), ExpiresAt: at})
	}
	for id, at := range st.Penalty {
		snap.Cooldowns = append(snap.Cooldowns, CooldownV1{Kind: "penalty", Actor: id.String(), ExpiresAt: at})
	}
	for rank, m := range st.RankMultipliers {
		snap.Ranks = append(snap.Ranks, RankV1{Rank: rank, Multiplier: m})
	}

	sort.Slice(snap.Duty, func(i, j int) bool { return snap.Duty[i].Actor < snap.Duty[j].Actor })
	sort.Slice(snap.Wanted, func(i, j int) bool { return snap.Wanted[i].Actor < snap.Wanted[j].Actor })
	sort.Slice(snap.Tokens, func(i, j int) bool { return snap.Tokens[i].Actor < snap.Tokens[j].Actor })
	sort.Slice(snap.Detentions, func(i, j int) bool { return snap.Detentions[i].Target < snap.Detentions[j].Target })
	sort.Slice(snap.Pending, func(i, j int) bool { return snap.Pending[i].Target < snap.Pending[j].Target })
	sort.Slice(snap.Deferred, func(i, j int) bool { return snap.Deferred[i].Target < snap.Deferred[j].Target })
	sort.Slice(snap.Cooldowns, func(i, j int) bool {
		if snap.Cooldowns[i].Kind != snap.Cooldowns[j].Kind {
			return snap.Cooldowns[i].Kind < snap.Cooldowns[j].Kind
		}
		return snap.Cooldowns[i].Actor < snap.Cooldowns[j].Actor
	})
	sort.Slice(snap.Ranks, func(i, j int) bool { return snap.Ranks[i].Rank < snap.Ranks[j].Rank })

	snap.Header = Header{
		Version:    Version,
		SavedAt:    st.SavedAt,
		Actors:     len(actors),
		Detentions: len(snap.Detentions),
		Pending:    len(snap.Pending),
	}
	return snap
}

// ToState rebuilds engine state. Any malformed id fails the whole snapshot.
func ToState(snap SnapshotV1) (guard.State, error) {
	st := guard.EmptyState()
	if snap.Header.Version != Version {
		return st, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	st.SavedAt = snap.Header.SavedAt
	for _, r := range snap.Duty {
		id, err := ids.Parse(r.Actor)
		if err != nil {
			return st, fmt.Errorf("duty actor %q: %w", r.Actor, err)
		}
		st.Duty[id] = duty.Record{OnDuty: r.OnDuty, SessionStartedAt: r.SessionStartedAt, BalanceMinutes: r.BalanceMinutes}
	}
	for _, r := range snap.Wanted {
		id, err := ids.Parse(r.Actor)
		if err != nil {
			return st, fmt.Errorf("wanted actor %q: %w", r.Actor, err)
		}
		by, err := parseOptID(r.MarkedBy)
		if err != nil {
			return st, fmt.Errorf("wanted marked_by %q: %w", r.MarkedBy, err)
		}
		st.Wanted[id] = wanted.Record{Level: r.Level, MarkedBy: by, MarkedAt: r.MarkedAt}
	}
	for _, r := range snap.Tokens {
		id, err := ids.Parse(r.Actor)
		if err != nil {
			return st, fmt.Errorf("token actor %q: %w", r.Actor, err)
		}
		st.Tokens[id] = r.Balance
	}
	for _, r := range snap.Detentions {
		id, err := ids.Parse(r.Target)
		if err != nil {
			return st, fmt.Errorf("detention target %q: %w", r.Target, err)
		}
		by, err := parseOptID(r.IssuedBy)
		if err != nil {
			return st, fmt.Errorf("detention issuer %q: %w", r.IssuedBy, err)
		}
		st.Jail.Detentions[id] = jail.Detention{Target: id, IssuedBy: by, Minutes: r.Minutes, Reason: r.Reason, StartedAt: r.StartedAt, ReleaseAt: r.ReleaseAt}
	}
	for _, r := range snap.Pending {
		id, err := ids.Parse(r.Target)
		if err != nil {
			return st, fmt.Errorf("pending target %q: %w", r.Target, err)
		}
		by, err := parseOptID(r.IssuedBy)
		if err != nil {
			return st, fmt.Errorf("pending issuer %q: %w", r.IssuedBy, err)
		}
		st.Jail.Pending[id] = jail.Pending{Target: id, Minutes: r.Minutes, Reason: r.Reason, IssuedBy: by, IssuedAt: r.IssuedAt}
	}
	for _, r := range snap.Deferred {
		id, err := ids.Parse(r.Target)
		if err != nil {
			return st, fmt.Errorf("deferred target %q: %w", r.Target, err)
		}
		st.Jail.Deferred[id] = r.DueAt
	}
	for _, r := range snap.Cooldowns {
		id, err := ids.Parse(r.Actor)
		if err != nil {
			return st, fmt.Errorf("cooldown actor %q: %w", r.Actor, err)
		}
		switch r.Kind {
		case "loot":
			st.Loot[id] = r.ExpiresAt
		case "penalty":
			st.Penalty[id] = r.ExpiresAt
		default:
			return st, fmt.Errorf("unknown cooldown kind %q", r.Kind)
		}
	}
	for _, r := range snap.Ranks {
		st.RankMultipliers[r.Rank] = r.Multiplier
	}
	return st, nil
}

// WriteSnapshot writes to a temp file and renames it into place, so a crash
// never leaves a half-written snapshot at path.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// FileStore keeps engine state in a single snapshot file.
type FileStore struct {
	Path string
}

func (s FileStore) SaveState(_ context.Context, st guard.State) error {
	return WriteSnapshot(s.Path, FromState(st))
}

func (s FileStore) LoadState(_ context.Context) (guard.State, error) {
	snap, err := ReadSnapshot(s.Path)
	if err != nil {
		return guard.EmptyState(), err
	}
	return ToState(snap)
}

func optID(id ids.ActorID) string {
	if ids.IsNil(id) {
		return ""
	}
	return id.String()
}

func parseOptID(s string) (ids.ActorID, error) {
	if s == "" {
		return ids.Nil, nil
	}
	return ids.Parse(s)
}
