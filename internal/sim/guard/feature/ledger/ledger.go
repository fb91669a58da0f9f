package ledger

import (
	"math"

	"guardwatch.ai/internal/sim/guard/kernel/errs"
	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/guard/kernel/keyed"
)

type Ledger struct {
	balances *keyed.Store[ids.ActorID, int64]
}

func New() *Ledger {
	return &Ledger{balances: keyed.New[ids.ActorID, int64]()}
}

func (l *Ledger) Balance(id ids.ActorID) int64 {
	v, _ := l.balances.Get(id)
	return v
}

// Credit adds n (> 0) tokens and returns the new balance.
func (l *Ledger) Credit(id ids.ActorID, n int64) (int64, error) {
	if n <= 0 {
		return l.Balance(id), errs.E(errs.InvalidArgument, "credit amount must be > 0, got %d", n)
	}
	var (
		out int64
		err error
	)
	l.balances.Update(id, func(v *int64, _ bool) bool {
		if *v > math.MaxInt64-n {
			err = errs.E(errs.InvalidArgument, "balance overflow")
			out = *v
			return *v != 0
		}
		*v += n
		out = *v
		return true
	})
	return out, err
}

// Debit removes exactly n (> 0) tokens or nothing.
func (l *Ledger) Debit(id ids.ActorID, n int64) (int64, error) {
	if n <= 0 {
		return l.Balance(id), errs.E(errs.InvalidArgument, "debit amount must be > 0, got %d", n)
	}
	var (
		out int64
		err error
	)
	l.balances.Update(id, func(v *int64, exists bool) bool {
		out = *v
		if *v < n {
			err = errs.E(errs.InsufficientBalance, "balance %d < %d", *v, n)
			return exists
		}
		*v -= n
		out = *v
		return true
	})
	return out, err
}

// Take removes up to n tokens, clamping at zero. It returns the amount
// actually taken and the resulting balance.
func (l *Ledger) Take(id ids.ActorID, n int64) (taken, balance int64) {
	if n <= 0 {
		return 0, l.Balance(id)
	}
	l.balances.Update(id, func(v *int64, exists bool) bool {
		taken = n
		if taken > *v {
			taken = *v
		}
		*v -= taken
		balance = *v
		return exists
	})
	return taken, balance
}

func (l *Ledger) Set(id ids.ActorID, n int64) error {
	if n < 0 {
		return errs.E(errs.InvalidArgument, "balance must be >= 0, got %d", n)
	}
	l.balances.Put(id, n)
	return nil
}

func (l *Ledger) Snapshot() map[ids.ActorID]int64 {
	return l.balances.Snapshot()
}

func (l *Ledger) Restore(m map[ids.ActorID]int64) {
	clean := make(map[ids.ActorID]int64, len(m))
	for id, v := range m {
		if v < 0 {
			v = 0
		}
		clean[id] = v
	}
	l.balances.Replace(clean)
}
