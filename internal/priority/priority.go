// Package priority ranks disputes for the arbitration work queue.
//
// Every open case is scored against 5 weighted factors: amount at stake,
// deadline pressure, escalation, evidence volume, and subjectivity. Scores
// range from 0.0 (routine) to 1.0 (work this now). The score is a triage
// hint layered over the queue's stable ordering, never a replacement for it.
package priority

import (
	"time"
)

// Level buckets a score for display and alerting.
type Level string

const (
	LevelRoutine  Level = "routine"
	LevelElevated Level = "elevated"
	LevelUrgent   Level = "urgent"
)

// Default thresholds for priority levels.
const (
	DefaultUrgentThreshold   = 0.65
	DefaultElevatedThreshold = 0.35
)

// Assessment is the result of ranking a single case. It is computed per
// render and never persisted; the audit log owns the durable trail.
type Assessment struct {
	DisputeID   string             `json:"disputeId"`
	Score       float64            `json:"score"`
	Factors     map[string]float64 `json:"factors"`
	Level       Level              `json:"level"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
}

// CaseContext carries the data needed to rank a dispute. Populated from the
// dispute record and its evidence stats — no extra queries.
type CaseContext struct {
	DisputeID     string
	Amount        int64 // requested refund in minor units
	Escalated     bool
	Subjective    bool
	EvidenceCount int
	CaseDeadline  time.Time
}
