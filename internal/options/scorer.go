package options

import "github.com/karthikm/nsewatch/internal/domain"

// Signal cutoffs for the built-in scorer
const (
	sellCutoff = 70
	holdCutoff = 40
)

// WeightedScorer is the built-in composite: each factor contributes a
// 0-100 sub-score, weighted to favor elevated-but-falling volatility
// in a quiet market.
type WeightedScorer struct{}

// Score implements Scorer
func (WeightedScorer) Score(f Factors) (float64, Signal) {
	score := 0.30*ivRankScore(f.IVRank) +
		0.20*vixLevelScore(f.VIX) +
		0.15*trendScore(f.VIXTrend3d) +
		0.20*rvivScore(f.RVIVRatio) +
		0.10*rangeScore(f.AvgDailyRange5d) +
		0.05*oiScore(f.OI)

	switch {
	case score >= sellCutoff:
		return score, SignalSell
	case score >= holdCutoff:
		return score, SignalHold
	default:
		return score, SignalAvoid
	}
}

// ivRankScore rewards rich implied volatility. The veto already
// removed ranks below the floor.
func ivRankScore(rank float64) float64 {
	return clamp(rank, 0, 100)
}

// vixLevelScore peaks in the 14-22 band: enough premium to sell,
// not panic territory.
func vixLevelScore(vix float64) float64 {
	switch {
	case vix < 10:
		return 20
	case vix < 14:
		return 60
	case vix <= 22:
		return 100
	case vix <= 30:
		return 50
	default:
		return 10
	}
}

// trendScore favors a flat-to-falling VIX; a sharply rising VIX means
// the premium is rich for a reason.
func trendScore(slope float64) float64 {
	switch {
	case slope <= -0.3:
		return 100
	case slope < 0:
		return 80
	case slope < 0.3:
		return 50
	default:
		return 10
	}
}

// rvivScore rewards implied trading rich to realized
func rvivScore(ratio float64) float64 {
	switch {
	case ratio <= 0:
		return 50 // Unknown: neutral
	case ratio < 0.7:
		return 100
	case ratio < 0.9:
		return 80
	case ratio < 1.1:
		return 50
	default:
		return 20
	}
}

// rangeScore rewards quiet daily ranges
func rangeScore(rangePct float64) float64 {
	switch {
	case rangePct <= 0:
		return 50
	case rangePct < 0.6:
		return 100
	case rangePct < 1.0:
		return 70
	default:
		return 30
	}
}

// oiScore nudges for supportive positioning, neutral without data
func oiScore(oi *domain.OIAnalysis) float64 {
	if oi == nil {
		return 50
	}
	switch oi.Pattern {
	case domain.PatternShortCovering, domain.PatternLongUnwinding:
		return 70 // Positions coming off: decaying momentum
	case domain.PatternLongBuildup, domain.PatternShortBuildup:
		return 30 // Fresh directional conviction
	default:
		return 50
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
