package guard

import (
	"math"
	"strings"

	"guardwatch.ai/internal/sim/guard/kernel/ids"
	"guardwatch.ai/internal/sim/tuning"
)

type Position struct {
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

// Distance is +Inf across worlds.
func (p Position) Distance(o Position) float64 {
	if p.World != o.World {
		return math.Inf(1)
	}
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// AreaCheck reports whether pos is inside a duty area.
type AreaCheck func(pos Position) bool

// Areas builds an AreaCheck over spherical zones. No zones means nowhere
// qualifies.
func Areas(zones []tuning.Area) AreaCheck {
	zs := append([]tuning.Area(nil), zones...)
	return func(pos Position) bool {
		for _, z := range zs {
			c := Position{World: z.World, X: z.X, Y: z.Y, Z: z.Z}
			if pos.Distance(c) <= z.Radius {
				return true
			}
		}
		return false
	}
}

// StaticRanks serves ranks from a fixed id->rank table.
func StaticRanks(byID map[string]string) func(ids.ActorID) (string, bool) {
	table := map[ids.ActorID]string{}
	for k, v := range byID {
		id, err := ids.Parse(k)
		if err != nil || strings.TrimSpace(v) == "" {
			continue
		}
		table[id] = v
	}
	return func(id ids.ActorID) (string, bool) {
		r, ok := table[id]
		return r, ok
	}
}
