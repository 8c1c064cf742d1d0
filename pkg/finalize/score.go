package finalize

import (
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/resultrow"
)

// SubStatusCatchAll marks rows from domains that accept any recipient.
const SubStatusCatchAll = resultrow.SubStatusCatchAll

// Score computes a row's deliverability score. The row's own score is the
// starting point when present, otherwise the bucket base. A reason
// override replaces it, a sub-status cap bounds it, and cache-confirmed
// rows get the bucket's cache adjustment. The result is in [0,100].
func Score(row resultrow.Row, cached bool, pol policy.Policy) int {
	score := pol.BaseScore(row.Status)
	if row.HasScore {
		score = row.Score
	}
	if v, ok := pol.ReasonOverride(row.Reason); ok {
		score = v
	}
	if ceiling, ok := pol.SubStatusCap(row.SubStatus); ok && score > ceiling {
		score = ceiling
	}
	if cached {
		score += pol.CacheAdjustment(row.Status)
	}
	return clamp(score)
}

// Bucket returns the final bucket of a scored row. Catch-all rows are
// risky unless the policy promotes them at or above its threshold.
func Bucket(row resultrow.Row, score int, pol policy.Policy) string {
	if row.SubStatus != SubStatusCatchAll {
		return row.Status
	}
	if pol.CatchAll.Policy == policy.CatchAllPromoteIfScoreGTE && score >= pol.CatchAll.Threshold {
		return resultrow.StatusValid
	}
	return resultrow.StatusRisky
}

func clamp(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}
