package priority

import (
	"math"
	"time"
)

const (
	weightStake      = 0.30
	weightDeadline   = 0.25
	weightEscalation = 0.20
	weightEvidence   = 0.15
	weightSubjective = 0.10

	// DefaultStakeReference is the amount (minor units) at which the stake
	// factor starts climbing. $100 keeps small-ticket complaints routine.
	DefaultStakeReference = 10000

	// DefaultDeadlineHorizon is how far before the case deadline the
	// deadline factor starts climbing.
	DefaultDeadlineHorizon = 72 * time.Hour
)

// Scorer ranks cases with fixed weights and tunable thresholds.
type Scorer struct {
	urgentThreshold   float64
	elevatedThreshold float64
	stakeReference    int64
	deadlineHorizon   time.Duration
}

// NewScorer creates a priority scorer with default thresholds.
func NewScorer() *Scorer {
	return &Scorer{
		urgentThreshold:   DefaultUrgentThreshold,
		elevatedThreshold: DefaultElevatedThreshold,
		stakeReference:    DefaultStakeReference,
		deadlineHorizon:   DefaultDeadlineHorizon,
	}
}

// WithUrgentThreshold overrides the urgent cutoff.
func (s *Scorer) WithUrgentThreshold(t float64) *Scorer {
	s.urgentThreshold = t
	return s
}

// WithElevatedThreshold overrides the elevated cutoff.
func (s *Scorer) WithElevatedThreshold(t float64) *Scorer {
	s.elevatedThreshold = t
	return s
}

// WithStakeReference overrides the stake reference amount (minor units).
func (s *Scorer) WithStakeReference(minor int64) *Scorer {
	if minor > 0 {
		s.stakeReference = minor
	}
	return s
}

// WithDeadlineHorizon overrides the deadline ramp-up window.
func (s *Scorer) WithDeadlineHorizon(d time.Duration) *Scorer {
	if d > 0 {
		s.deadlineHorizon = d
	}
	return s
}

// Score ranks a case. Pure in-memory computation.
func (s *Scorer) Score(c CaseContext) *Assessment {
	now := time.Now()

	factors := map[string]float64{
		"stake":        s.stakeFactor(c.Amount),
		"deadline":     s.deadlineFactor(c.CaseDeadline, now),
		"escalation":   boolFactor(c.Escalated),
		"evidence":     evidenceFactor(c.EvidenceCount),
		"subjectivity": boolFactor(c.Subjective),
	}

	score := factors["stake"]*weightStake +
		factors["deadline"]*weightDeadline +
		factors["escalation"]*weightEscalation +
		factors["evidence"]*weightEvidence +
		factors["subjectivity"]*weightSubjective

	// Clamp to [0, 1]
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}

	level := LevelRoutine
	if score >= s.urgentThreshold {
		level = LevelUrgent
	} else if score >= s.elevatedThreshold {
		level = LevelElevated
	}

	return &Assessment{
		DisputeID:   c.DisputeID,
		Score:       round3(score),
		Factors:     factors,
		Level:       level,
		EvaluatedAt: now,
	}
}

// stakeFactor: requested amount vs the reference amount.
// 10x reference = 0.5, 100x reference = 1.0, uses log10 scaling.
func (s *Scorer) stakeFactor(amount int64) float64 {
	if amount <= s.stakeReference {
		return 0.0
	}
	score := math.Log10(float64(amount)/float64(s.stakeReference)) / 2.0
	if score > 1.0 {
		score = 1.0
	}
	return round3(score)
}

// deadlineFactor: how deep into the ramp-up window the deadline sits.
// Overdue = 1.0, outside the horizon = 0.0, linear in between.
func (s *Scorer) deadlineFactor(deadline, now time.Time) float64 {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 1.0
	}
	if remaining >= s.deadlineHorizon {
		return 0.0
	}
	return round3(1.0 - float64(remaining)/float64(s.deadlineHorizon))
}

// evidenceFactor: a fuller case file means the case is ready to decide.
// None = 0.0, 1-2 items = 0.3, 3-5 = 0.6, 6+ = 1.0
func evidenceFactor(count int) float64 {
	switch {
	case count >= 6:
		return 1.0
	case count >= 3:
		return 0.6
	case count >= 1:
		return 0.3
	default:
		return 0.0
	}
}

func boolFactor(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
