package model

import (
	"testing"
	"time"
)

func TestNormalizeService(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Spotify", "spotify"},
		{"NETFLIX.COM", "netflix"},
		{"Netflix Inc", "netflix"},
		{"Netflix, Inc.", "netflix"},
		{"Gym Membership Co", "gym membership"},
		{"ACME  Pty Ltd", "acme"},
		{"notion.io", "notion"},
		{"SQ *COFFEE HOUSE", "sq coffee house"},
		{"  spaced   out  ", "spaced out"},
		{"", ""},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := NormalizeService(tc.input); got != tc.want {
				t.Fatalf("NormalizeService(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestMonthlyEstimate(t *testing.T) {
	tests := []struct {
		cycle  BillingCycle
		amount float64
		want   float64
	}{
		{CycleMonthly, 9.99, 9.99},
		{CycleYearly, 120, 10},
		{CycleWeekly, 10, 43.45},
		{CycleOneTime, 50, 0},
		{CycleUnknown, 50, 0},
	}
	for _, tc := range tests {
		if got := MonthlyEstimate(tc.cycle, tc.amount); got != tc.want {
			t.Fatalf("MonthlyEstimate(%s, %v) = %v, want %v", tc.cycle, tc.amount, got, tc.want)
		}
	}
}

func TestSourceKey(t *testing.T) {
	msg := &Charge{SourceMessageID: "m1"}
	if msg.SourceKey() != "msg:m1" {
		t.Fatalf("SourceKey = %q, want msg:m1", msg.SourceKey())
	}
	txn := &Charge{SourceTransactionID: "t1"}
	if txn.SourceKey() != "txn:t1" {
		t.Fatalf("SourceKey = %q, want txn:t1", txn.SourceKey())
	}
	both := &Charge{SourceMessageID: "m1", SourceTransactionID: "t1"}
	if both.SourceKey() != "msg:m1" {
		t.Fatalf("SourceKey = %q, message ID takes precedence", both.SourceKey())
	}
}

func TestNextRenewalFrom(t *testing.T) {
	base := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	if got := NextRenewalFrom(base, CycleMonthly); got.Month() != time.March {
		// Jan 31 + 1 month normalizes past February.
		t.Fatalf("monthly renewal from Jan 31 = %v", got)
	}
	if got := NextRenewalFrom(base, CycleWeekly); got.Day() != 7 {
		t.Fatalf("weekly renewal = %v, want Feb 7", got)
	}
	if got := NextRenewalFrom(base, CycleUnknown); !got.IsZero() {
		t.Fatalf("unknown cycle renewal = %v, want zero", got)
	}
}
