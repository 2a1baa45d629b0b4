// Package classify scores conflict difficulty. Everything here is pure so the
// scheduler and the strategy selector always agree on the same answer.
package classify

import "github.com/joescharf/remerge/internal/models"

// Thresholds for the simple/complex split and effort tiering.
const (
	markerWeight      = 50
	severityHighScore = 800

	simpleMaxMarkers   = 6
	simpleMaxLines     = 400
	simpleMaxDiffChars = 4000
)

// Effort is the reasoning-effort tier requested from the agent runtime.
type Effort string

const (
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// Tier is the worker-model tier picked from severity.
type Tier string

const (
	TierStandard Tier = "standard"
	TierStrong   Tier = "strong"
)

// Severity computes the numeric difficulty proxy for a conflict:
// lineCount + markerCount * weight. Unknown counts contribute nothing here;
// IsSimple handles the missing-data rule separately.
func Severity(cc *models.ConflictContext) int {
	score := 0
	if cc.LineCount > 0 {
		score += cc.LineCount
	}
	if cc.MarkerCount > 0 {
		score += cc.MarkerCount * markerWeight
	}
	return score
}

// IsSimple reports whether a conflict qualifies for the single-agent strategy.
// A conflict is simple iff markers ≤ 6, lines ≤ 400, and the largest diff
// excerpt is ≤ 4000 characters. Missing data (unreadable file, no working
// diff) never counts as simple.
func IsSimple(cc *models.ConflictContext) bool {
	if cc.MarkerCount < 0 || cc.LineCount < 0 {
		return false
	}
	if cc.Diffs.Working == "" {
		return false
	}
	if cc.MarkerCount > simpleMaxMarkers {
		return false
	}
	if cc.LineCount > simpleMaxLines {
		return false
	}
	if maxDiffLen(cc.Diffs) > simpleMaxDiffChars {
		return false
	}
	return true
}

// EffortFor picks the reasoning tier for one attempt. A pinned tier always
// wins; otherwise retries and high-severity conflicts escalate to high.
func EffortFor(cc *models.ConflictContext, attempt int, pin Effort) Effort {
	if pin != "" {
		return pin
	}
	if attempt > 1 || Severity(cc) >= severityHighScore {
		return EffortHigh
	}
	return EffortMedium
}

// TierFor picks the worker-model tier from severity.
func TierFor(cc *models.ConflictContext) Tier {
	if Severity(cc) >= severityHighScore {
		return TierStrong
	}
	return TierStandard
}

func maxDiffLen(d models.DiffExcerpts) int {
	n := len(d.Working)
	for _, s := range []string{d.BaseOurs, d.BaseTheirs, d.OursTheirs} {
		if len(s) > n {
			n = len(s)
		}
	}
	return n
}
