// Package quality provides scenario quality scoring and streak accounting.
// Quality scores (0.0-1.0) measure how consistently a scenario passes and
// are used for use-case qualification and featured ranking.
package quality

import (
	"time"

	"github.com/shiken-ai/shiken/internal/model"
)

// Aggregates are the rolling per-scenario counters the aggregator maintains.
type Aggregates struct {
	QualityScore      float64
	TotalRuns         int
	ConsecutivePasses int
	ConsecutiveFails  int
	LastRunAt         *time.Time
	LastRunStatus     *model.RunOutcome
}

// Score update coefficients. A pass moves the score toward 1.0 by a step
// that grows with the streak (consistency reward); a fail decays it
// multiplicatively. Error outcomes carry no quality signal.
const (
	passStepBase   = 0.20
	passStepGrowth = 0.05
	passStepMax    = 0.50
	failDecay      = 0.60
)

// ApplyRun folds one completed run into the aggregates.
//
// Streak rules: pass increments consecutive_passes and zeroes
// consecutive_fails; fail does the reverse; error leaves both streaks and the
// quality score untouched. An infrastructure error is not a quality signal
// either way, and must not reset a pass streak.
func ApplyRun(a Aggregates, outcome model.RunOutcome, at time.Time) Aggregates {
	a.TotalRuns++
	a.LastRunAt = &at
	o := outcome
	a.LastRunStatus = &o

	switch outcome {
	case model.OutcomePass:
		a.ConsecutivePasses++
		a.ConsecutiveFails = 0
		a.QualityScore = NextScore(a.QualityScore, model.OutcomePass, a.ConsecutivePasses)
	case model.OutcomeFail:
		a.ConsecutiveFails++
		a.ConsecutivePasses = 0
		a.QualityScore = NextScore(a.QualityScore, model.OutcomeFail, a.ConsecutiveFails)
	case model.OutcomeError:
		// No streak or score movement.
	}
	return a
}

// NextScore computes the quality score after one run.
//
// Pass: score += step·(1−score) with step = min(passStepMax,
// passStepBase + passStepGrowth·(streak−1)), an exponential approach toward
// 1.0 that accelerates with longer streaks and never reaches it.
// Fail: score *= failDecay.
// Error: unchanged.
//
// The result is always clamped to [0, 1]; a pass never decreases the score
// and a fail never increases it.
func NextScore(score float64, outcome model.RunOutcome, streak int) float64 {
	switch outcome {
	case model.OutcomePass:
		step := passStepBase + passStepGrowth*float64(streak-1)
		if step > passStepMax {
			step = passStepMax
		}
		score += step * (1 - score)
	case model.OutcomeFail:
		score *= failDecay
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
