// Package refundpolicy classifies refund reasons into refund eligibility
// verdicts and computes partial-refund percentages from a cancellation
// schedule. Everything here is pure: no storage, no clocks, no I/O.
package refundpolicy

import (
	"fmt"
	"time"
)

// Reason enumerates why a traveler wants money back. Dispute categories use
// the same set.
type Reason string

const (
	// Objective failures: refundable without an admin gate.
	ReasonAgentNoShow             Reason = "agent_no_show"
	ReasonServiceNotDelivered     Reason = "service_not_delivered"
	ReasonAgentCancellation       Reason = "agent_cancellation"
	ReasonTravelerCancelledBefore Reason = "traveler_cancellation_before_confirmation"
	ReasonTravelerCancelledAfter  Reason = "traveler_cancellation_after_confirmation"
	ReasonDuplicateCharge         Reason = "duplicate_charge"

	// Refundable only after admin approval.
	ReasonVerifiedQualityIssue Reason = "verified_quality_issue"
	ReasonAdminOverride        Reason = "admin_override"

	// Subjective complaints: never refundable on their own.
	ReasonGuidePersonality       Reason = "guide_personality"
	ReasonUnmetExpectations      Reason = "unmet_expectations"
	ReasonWeather                Reason = "weather"
	ReasonChangeOfMind           Reason = "change_of_mind"
	ReasonGeneralDissatisfaction Reason = "general_dissatisfaction"
)

// Classification is the verdict for a single refund reason.
type Classification struct {
	Refundable            bool `json:"refundable"`
	RequiresAdminApproval bool `json:"requiresAdminApproval"`
	IsSubjective          bool `json:"isSubjective"`
}

// classifications is the single source of truth. The three groups partition
// the reason set: a reason is either automatically refundable, refundable
// behind admin approval, or subjective.
var classifications = map[Reason]Classification{
	ReasonAgentNoShow:             {Refundable: true},
	ReasonServiceNotDelivered:     {Refundable: true},
	ReasonAgentCancellation:       {Refundable: true},
	ReasonTravelerCancelledBefore: {Refundable: true},
	ReasonTravelerCancelledAfter:  {Refundable: true},
	ReasonDuplicateCharge:         {Refundable: true},

	ReasonVerifiedQualityIssue: {Refundable: true, RequiresAdminApproval: true},
	ReasonAdminOverride:        {Refundable: true, RequiresAdminApproval: true},

	ReasonGuidePersonality:       {IsSubjective: true},
	ReasonUnmetExpectations:      {IsSubjective: true},
	ReasonWeather:                {IsSubjective: true},
	ReasonChangeOfMind:           {IsSubjective: true},
	ReasonGeneralDissatisfaction: {IsSubjective: true},
}

// reasonOrder keeps Reasons() output stable for docs and error messages.
var reasonOrder = []Reason{
	ReasonAgentNoShow,
	ReasonServiceNotDelivered,
	ReasonAgentCancellation,
	ReasonTravelerCancelledBefore,
	ReasonTravelerCancelledAfter,
	ReasonDuplicateCharge,
	ReasonVerifiedQualityIssue,
	ReasonAdminOverride,
	ReasonGuidePersonality,
	ReasonUnmetExpectations,
	ReasonWeather,
	ReasonChangeOfMind,
	ReasonGeneralDissatisfaction,
}

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	_, ok := classifications[r]
	return ok
}

// Classify returns the verdict for a reason. Unknown reasons classify as the
// zero value: not refundable, no approval path, not subjective.
func Classify(r Reason) Classification {
	return classifications[r]
}

// Reasons returns all known reasons in a stable order.
func Reasons() []Reason {
	out := make([]Reason, len(reasonOrder))
	copy(out, reasonOrder)
	return out
}

// Tier maps a minimum number of days before trip start to a refund
// percentage. A cancellation DaysBefore or more days out earns Percent.
type Tier struct {
	DaysBefore int `json:"daysBefore"`
	Percent    int `json:"percent"`
}

// Schedule is a cancellation schedule ordered by DaysBefore descending.
// It governs partial refunds for traveler_cancellation_after_confirmation.
type Schedule []Tier

// DefaultSchedule: 75% a month out, 50% two weeks out, 25% one week out,
// nothing inside a week.
var DefaultSchedule = Schedule{
	{DaysBefore: 30, Percent: 75},
	{DaysBefore: 14, Percent: 50},
	{DaysBefore: 7, Percent: 25},
	{DaysBefore: 0, Percent: 0},
}

// Validate checks that the schedule is non-empty, strictly descending by
// DaysBefore, and keeps every percentage within 0-100.
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schedule must have at least one tier")
	}
	for i, t := range s {
		if t.Percent < 0 || t.Percent > 100 {
			return fmt.Errorf("tier %d: percent %d out of range 0-100", i, t.Percent)
		}
		if t.DaysBefore < 0 {
			return fmt.Errorf("tier %d: daysBefore %d is negative", i, t.DaysBefore)
		}
		if i > 0 && t.DaysBefore >= s[i-1].DaysBefore {
			return fmt.Errorf("tier %d: daysBefore %d not below previous tier %d", i, t.DaysBefore, s[i-1].DaysBefore)
		}
	}
	return nil
}

// PartialRefundPercent returns the refund percentage for a cancellation made
// daysBefore days ahead of trip start. Cancellations after the trip started
// (negative daysBefore) earn nothing.
func (s Schedule) PartialRefundPercent(daysBefore int) int {
	if daysBefore < 0 {
		return 0
	}
	for _, t := range s {
		if daysBefore >= t.DaysBefore {
			return t.Percent
		}
	}
	return 0
}

// PartialRefundAmount returns the partial-refund amount in minor units for a
// gross amount, per the schedule.
func (s Schedule) PartialRefundAmount(gross int64, daysBefore int) int64 {
	if gross <= 0 {
		return 0
	}
	return gross * int64(s.PartialRefundPercent(daysBefore)) / 100
}

// DaysBeforeTrip returns the number of whole days from now until tripStart,
// truncated toward zero. A trip starting in 71 hours is 2 days out.
func DaysBeforeTrip(now, tripStart time.Time) int {
	return int(tripStart.Sub(now).Hours() / 24)
}
