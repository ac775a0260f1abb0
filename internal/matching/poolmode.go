package matching

import "math"

// PoolMode classifies how many candidates are available around a seeker.
type PoolMode string

const (
	ModeNormal  PoolMode = "NORMAL"
	ModeLowPool PoolMode = "LOW_POOL"
	ModeScarce  PoolMode = "SCARCE"
)

const (
	normalPoolMin  = 30
	lowPoolPoolMin = 8
)

// Caps are the maximum contribution of each score component.
type Caps struct {
	Profile  float64 `json:"profile"`
	Shared   float64 `json:"shared"`
	Fairness float64 `json:"fairness"`
}

// ResolvePoolMode classifies the raw pool size, counted before eligibility
// filtering within the base radius.
func ResolvePoolMode(rawPool int) PoolMode {
	switch {
	case rawPool >= normalPoolMin:
		return ModeNormal
	case rawPool >= lowPoolPoolMin:
		return ModeLowPool
	default:
		return ModeScarce
	}
}

// Radius expands the base search radius for the mode, capped at MaxRadiusKm.
func (m PoolMode) Radius(baseKm float64) float64 {
	r := baseKm
	switch m {
	case ModeLowPool:
		r = math.Max(1.5*baseKm, baseKm+5)
	case ModeScarce:
		r = math.Max(2.5*baseKm, baseKm+15)
	}
	return math.Min(r, MaxRadiusKm)
}

func (m PoolMode) Caps() Caps {
	switch m {
	case ModeLowPool:
		return Caps{Profile: 60, Shared: 30, Fairness: 10}
	case ModeScarce:
		return Caps{Profile: 50, Shared: 20, Fairness: 30}
	default:
		return Caps{Profile: 65, Shared: 35, Fairness: 0}
	}
}

// MinAcceptance is the lowest total score a winner may have.
func (m PoolMode) MinAcceptance() float64 {
	switch m {
	case ModeLowPool:
		return 35
	case ModeScarce:
		return 0
	default:
		return 45
	}
}
