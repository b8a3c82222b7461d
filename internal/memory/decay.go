package memory

import "math"

// DecayConfig controls how relationship feelings settle between turns.
type DecayConfig struct {
	SentimentHalfLife float64 // turns for sentiment's distance from bond to halve; 0 disables
	BondRate          float64 // fraction of (sentiment - bond) folded into bond per turn; 0 disables
}

// DefaultDecayConfig returns sensible defaults.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		SentimentHalfLife: 6,
		BondRate:          0.1,
	}
}

// Enabled reports whether the config changes anything.
func (c DecayConfig) Enabled() bool {
	return c.SentimentHalfLife > 0 || c.BondRate > 0
}

// Decay advances every relationship by one turn: bond drifts toward the
// current sentiment, then sentiment regresses toward the (updated) bond.
// Recent logs and core memories are never touched. Returns the number of
// relationships changed.
func (s *System) Decay(cfg DecayConfig) int {
	if !cfg.Enabled() {
		return 0
	}
	changed := 0
	for _, r := range s.Relationships {
		bond, sentiment := r.OverallBond, r.CurrentSentiment
		if cfg.BondRate > 0 {
			r.SetBond(bond + clamp(cfg.BondRate, 0, 1)*(sentiment-bond))
		}
		if cfg.SentimentHalfLife > 0 {
			factor := math.Pow(0.5, 1/cfg.SentimentHalfLife)
			r.SetSentiment(r.OverallBond + (sentiment-r.OverallBond)*factor)
		}
		if r.OverallBond != bond || r.CurrentSentiment != sentiment {
			changed++
		}
	}
	return changed
}
