// Package lifecycle derives daily survival scores and drives the
// active → probation → sunset state machine with hysteresis.
package lifecycle

// Lifecycle states.
const (
	StateActive    = "active"
	StateProbation = "probation"
	StateSunset    = "sunset"
)

// Hysteresis thresholds: days of consistent recommendations required before
// a non-immediate transition.
const (
	promoteFromProbationAfter = 2
	demoteToSunsetAfter       = 2
	promoteFromSunsetAfter    = 3
)

// LedgerDay is one day's raw survival inputs.
type LedgerDay struct {
	Successes        int
	Failures         int
	BudgetUsed       float64
	BudgetLimit      float64
	Violations       int
	RepeatedMistakes int
}

// Score derives the survival score in [0,1]. The base is the success ratio
// (1.0 on an idle day), dragged down by violations and repeated mistakes.
func (d LedgerDay) Score() float64 {
	score := 1.0
	if total := d.Successes + d.Failures; total > 0 {
		score = float64(d.Successes) / float64(total)
	}
	score -= 0.10 * float64(d.Violations)
	score -= 0.05 * float64(d.RepeatedMistakes)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// BudgetUtilization is used/limit, 0 when no limit is set.
func (d LedgerDay) BudgetUtilization() float64 {
	if d.BudgetLimit <= 0 {
		return 0
	}
	return d.BudgetUsed / d.BudgetLimit
}

// Recommend maps a day's ledger onto the recommended state. Budget pressure
// escalates only — it never softens what the score already says.
func Recommend(d LedgerDay) string {
	rec := StateActive

	score := d.Score()
	switch {
	case score < 0.30:
		rec = StateSunset
	case score < 0.55:
		rec = StateProbation
	}

	util := d.BudgetUtilization()
	switch {
	case util > 1.2:
		rec = StateSunset
	case util > 0.9:
		rec = worse(rec, StateProbation)
	}

	if d.RepeatedMistakes >= 4 {
		rec = StateSunset
	} else if d.Failures > d.Successes || d.RepeatedMistakes >= 2 {
		rec = worse(rec, StateProbation)
	}

	return rec
}

func worse(a, b string) string {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

func severity(state string) int {
	switch state {
	case StateSunset:
		return 3
	case StateProbation:
		return 2
	default:
		return 1
	}
}

// Counters carries the hysteresis streaks across days.
type Counters struct {
	ConsecutiveHealthy int
	ConsecutiveSunset  int
}

// Next applies one day's recommendation to the current state.
//
//   - active drops to probation on any non-healthy day, immediately
//   - probation promotes after 2 consecutive healthy days, demotes after
//     2 consecutive sunset recommendations
//   - sunset recovers to probation after 3 consecutive healthy days
func Next(current, recommended string, c Counters) (string, Counters) {
	if recommended == StateActive {
		c.ConsecutiveHealthy++
		c.ConsecutiveSunset = 0
	} else {
		c.ConsecutiveHealthy = 0
		if recommended == StateSunset {
			c.ConsecutiveSunset++
		} else {
			c.ConsecutiveSunset = 0
		}
	}

	switch current {
	case StateActive:
		if recommended != StateActive {
			return StateProbation, c
		}
		return StateActive, c
	case StateProbation:
		if c.ConsecutiveHealthy >= promoteFromProbationAfter {
			return StateActive, c
		}
		if c.ConsecutiveSunset >= demoteToSunsetAfter {
			return StateSunset, c
		}
		return StateProbation, c
	case StateSunset:
		if c.ConsecutiveHealthy >= promoteFromSunsetAfter {
			return StateProbation, c
		}
		return StateSunset, c
	default:
		return StateActive, c
	}
}
