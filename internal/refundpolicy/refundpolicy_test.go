package refundpolicy

import (
	"testing"
	"time"
)

func TestClassify_AutoRefundable(t *testing.T) {
	auto := []Reason{
		ReasonAgentNoShow,
		ReasonServiceNotDelivered,
		ReasonAgentCancellation,
		ReasonTravelerCancelledBefore,
		ReasonTravelerCancelledAfter,
		ReasonDuplicateCharge,
	}
	for _, r := range auto {
		c := Classify(r)
		if !c.Refundable {
			t.Errorf("Classify(%s).Refundable = false, want true", r)
		}
		if c.RequiresAdminApproval {
			t.Errorf("Classify(%s).RequiresAdminApproval = true, want false", r)
		}
		if c.IsSubjective {
			t.Errorf("Classify(%s).IsSubjective = true, want false", r)
		}
	}
}

func TestClassify_AdminGated(t *testing.T) {
	gated := []Reason{ReasonVerifiedQualityIssue, ReasonAdminOverride}
	for _, r := range gated {
		c := Classify(r)
		if !c.Refundable || !c.RequiresAdminApproval {
			t.Errorf("Classify(%s) = %+v, want refundable with admin approval", r, c)
		}
		if c.IsSubjective {
			t.Errorf("Classify(%s).IsSubjective = true, want false", r)
		}
	}
}

func TestClassify_SubjectiveNeverRefundable(t *testing.T) {
	subjective := []Reason{
		ReasonGuidePersonality,
		ReasonUnmetExpectations,
		ReasonWeather,
		ReasonChangeOfMind,
		ReasonGeneralDissatisfaction,
	}
	for _, r := range subjective {
		c := Classify(r)
		if c.Refundable {
			t.Errorf("Classify(%s).Refundable = true, want false", r)
		}
		if !c.IsSubjective {
			t.Errorf("Classify(%s).IsSubjective = false, want true", r)
		}
	}
}

// Every known reason belongs to exactly one of the three policy groups.
func TestClassify_Partition(t *testing.T) {
	for _, r := range Reasons() {
		c := Classify(r)
		auto := c.Refundable && !c.RequiresAdminApproval
		gated := c.Refundable && c.RequiresAdminApproval
		subjective := c.IsSubjective && !c.Refundable

		n := 0
		for _, in := range []bool{auto, gated, subjective} {
			if in {
				n++
			}
		}
		if n != 1 {
			t.Errorf("reason %s is in %d policy groups, want exactly 1 (%+v)", r, n, c)
		}
	}
}

func TestClassify_UnknownReason(t *testing.T) {
	r := Reason("bad_vibes")
	if r.Valid() {
		t.Error("unknown reason reported valid")
	}
	c := Classify(r)
	if c.Refundable || c.RequiresAdminApproval || c.IsSubjective {
		t.Errorf("Classify(unknown) = %+v, want zero value", c)
	}
}

func TestReasons_Complete(t *testing.T) {
	rs := Reasons()
	if len(rs) != len(classifications) {
		t.Fatalf("Reasons() returned %d entries, classifications has %d", len(rs), len(classifications))
	}
	seen := make(map[Reason]bool)
	for _, r := range rs {
		if !r.Valid() {
			t.Errorf("Reasons() includes unknown reason %s", r)
		}
		if seen[r] {
			t.Errorf("Reasons() includes %s twice", r)
		}
		seen[r] = true
	}
}

func TestSchedule_PartialRefundPercent(t *testing.T) {
	tests := []struct {
		daysBefore int
		want       int
	}{
		{90, 75},
		{31, 75},
		{30, 75},
		{29, 50},
		{14, 50},
		{13, 25},
		{7, 25},
		{6, 0},
		{1, 0},
		{0, 0},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := DefaultSchedule.PartialRefundPercent(tt.daysBefore); got != tt.want {
			t.Errorf("PartialRefundPercent(%d) = %d, want %d", tt.daysBefore, got, tt.want)
		}
	}
}

func TestSchedule_PartialRefundAmount(t *testing.T) {
	tests := []struct {
		name       string
		gross      int64
		daysBefore int
		want       int64
	}{
		{"half at two weeks", 100000, 14, 50000},
		{"three quarters at a month", 100000, 30, 75000},
		{"truncates, never rounds up", 99999, 7, 24999},
		{"nothing inside a week", 100000, 3, 0},
		{"zero gross", 0, 30, 0},
		{"negative gross", -500, 30, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultSchedule.PartialRefundAmount(tt.gross, tt.daysBefore); got != tt.want {
				t.Errorf("PartialRefundAmount(%d, %d) = %d, want %d", tt.gross, tt.daysBefore, got, tt.want)
			}
		})
	}
}

func TestSchedule_Validate(t *testing.T) {
	if err := DefaultSchedule.Validate(); err != nil {
		t.Errorf("DefaultSchedule.Validate() = %v, want nil", err)
	}

	tests := []struct {
		name string
		s    Schedule
	}{
		{"empty", Schedule{}},
		{"percent over 100", Schedule{{DaysBefore: 10, Percent: 120}}},
		{"negative percent", Schedule{{DaysBefore: 10, Percent: -5}}},
		{"negative days", Schedule{{DaysBefore: -1, Percent: 10}}},
		{"not descending", Schedule{{DaysBefore: 7, Percent: 50}, {DaysBefore: 14, Percent: 25}}},
		{"duplicate tier", Schedule{{DaysBefore: 7, Percent: 50}, {DaysBefore: 7, Percent: 25}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.s.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestSchedule_CustomTiers(t *testing.T) {
	generous := Schedule{
		{DaysBefore: 2, Percent: 90},
		{DaysBefore: 0, Percent: 50},
	}
	if err := generous.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if got := generous.PartialRefundPercent(5); got != 90 {
		t.Errorf("PartialRefundPercent(5) = %d, want 90", got)
	}
	if got := generous.PartialRefundPercent(1); got != 50 {
		t.Errorf("PartialRefundPercent(1) = %d, want 50", got)
	}
	if got := generous.PartialRefundPercent(-2); got != 0 {
		t.Errorf("PartialRefundPercent(-2) = %d, want 0", got)
	}
}

func TestDaysBeforeTrip(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		start time.Time
		want  int
	}{
		{"three days out", now.Add(72 * time.Hour), 3},
		{"just under three days", now.Add(71 * time.Hour), 2},
		{"same moment", now, 0},
		{"started yesterday", now.Add(-25 * time.Hour), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DaysBeforeTrip(now, tt.start); got != tt.want {
				t.Errorf("DaysBeforeTrip = %d, want %d", got, tt.want)
			}
		})
	}
}
