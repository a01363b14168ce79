package entropy

import "github.com/mrX1007/FusionBrain/core/envelope"

// DefaultChaosThreshold is the set-bit fraction at or above which a draw
// selects Chaos mode. 0.5 with an unbiased source gives a roughly even
// Logic/Chaos split.
const DefaultChaosThreshold = 0.5

// Selector maps a bit sequence to a behavioral mode. It is a pure function
// of the bits: all non-determinism lives in the Source that produced them.
type Selector struct {
	// ChaosThreshold is the minimum fraction of set bits that selects
	// Chaos mode.
	ChaosThreshold float64
}

// NewSelector builds a selector with the given threshold, clamped to [0,1].
func NewSelector(threshold float64) Selector {
	return Selector{ChaosThreshold: clamp01(threshold)}
}

// Select returns Chaos when the fraction of set bits reaches the threshold,
// Logic otherwise. Identical bit sequences always yield identical modes.
func (s Selector) Select(bits Bits) envelope.Mode {
	if bits.SetFraction() >= s.ChaosThreshold {
		return envelope.ModeChaos
	}
	return envelope.ModeLogic
}
