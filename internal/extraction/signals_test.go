package extraction

import (
	"testing"

	"github.com/castlemilk/subtrack/internal/model"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		amount   float64
		currency string
	}{
		{"You were charged $9.99 today", 9.99, "USD"},
		{"Total: $1,234.56", 1234.56, "USD"},
		{"Amount due: €12.50", 12.50, "EUR"},
		{"Billed £7.99 for your plan", 7.99, "GBP"},
		{"Payment of USD 14.99 received", 14.99, "USD"},
		{"We charged 29.00 AUD to your card", 29.00, "AUD"},
		{"Amount: 19.99", 19.99, ""},
		{"Total 45.00", 45.00, ""},
		{"no money here", 0, ""},
		{"call us on 1800 123 456", 0, ""},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			amount, currency := ParseAmount(tc.input)
			if amount != tc.amount {
				t.Fatalf("ParseAmount(%q) amount = %v, want %v", tc.input, amount, tc.amount)
			}
			if currency != tc.currency {
				t.Fatalf("ParseAmount(%q) currency = %q, want %q", tc.input, currency, tc.currency)
			}
		})
	}
}

func TestParseCycle(t *testing.T) {
	tests := []struct {
		input string
		want  model.BillingCycle
	}{
		{"your monthly subscription", model.CycleMonthly},
		{"billed every month", model.CycleMonthly},
		{"charged per month", model.CycleMonthly},
		{"Premium (1 month)", model.CycleMonthly},
		{"annual plan renewal", model.CycleYearly},
		{"billed yearly", model.CycleYearly},
		{"Pro (12 months)", model.CycleYearly},
		{"weekly delivery box", model.CycleWeekly},
		{"billed every week", model.CycleWeekly},
		{"thanks for your purchase", model.CycleUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseCycle(tc.input); got != tc.want {
				t.Fatalf("ParseCycle(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestApplyFallbackFillsMissingFields(t *testing.T) {
	fields := ApplyFallback(nil,
		"Thanks for subscribing. Your monthly charge of $9.99 was processed.",
		"Your receipt from Spotify",
		"no-reply@spotify.com")

	if fields.Amount != 9.99 {
		t.Fatalf("amount = %v, want 9.99", fields.Amount)
	}
	if fields.Currency != "USD" {
		t.Fatalf("currency = %q, want USD", fields.Currency)
	}
	if fields.BillingCycle != model.CycleMonthly {
		t.Fatalf("cycle = %q, want monthly", fields.BillingCycle)
	}
	if fields.Service != "Spotify" {
		t.Fatalf("service = %q, want Spotify", fields.Service)
	}
}

func TestApplyFallbackKeepsExtractorAmount(t *testing.T) {
	fields := &StructuredFields{
		Service:      "Netflix",
		Amount:       15.49,
		Currency:     "USD",
		BillingCycle: model.CycleMonthly,
		Kind:         model.KindSubscription,
		Confidence:   5,
	}
	got := ApplyFallback(fields, "Total $99.99 for something else", "Receipt", "info@netflix.com")
	if got.Amount != 15.49 {
		t.Fatalf("amount = %v, want extractor value 15.49", got.Amount)
	}
	if got.Service != "Netflix" {
		t.Fatalf("service = %q, want Netflix", got.Service)
	}
}

func TestServiceFromSender(t *testing.T) {
	tests := []struct {
		from string
		want string
	}{
		{"no-reply@spotify.com", "Spotify"},
		{"Spotify <no-reply@spotify.com>", "Spotify"},
		{"billing@mail.netflix.com", "Netflix"},
		{"receipts@notion.so", "Notion"},
		{"support@service.co.uk", "Service"},
		{"", ""},
		{"not-an-address", ""},
	}

	for _, tc := range tests {
		t.Run(tc.from, func(t *testing.T) {
			if got := ServiceFromSender(tc.from); got != tc.want {
				t.Fatalf("ServiceFromSender(%q) = %q, want %q", tc.from, got, tc.want)
			}
		})
	}
}

func TestValidateDemotesBillingWithoutAmount(t *testing.T) {
	fields := &StructuredFields{
		Service:    "Spotify",
		Kind:       model.KindSubscription,
		Amount:     0,
		Confidence: 5,
	}
	fields.Validate()
	if fields.IsBillingEvent() {
		t.Fatal("zero-amount extraction must not remain a billing event")
	}
}

func TestValidateForcesOneTimeCycle(t *testing.T) {
	fields := &StructuredFields{
		Service:      "App Store",
		Kind:         model.KindOneTime,
		Amount:       4.99,
		BillingCycle: model.CycleMonthly,
		Confidence:   4,
	}
	fields.Validate()
	if fields.BillingCycle != model.CycleOneTime {
		t.Fatalf("cycle = %q, want one_time for one-time purchases", fields.BillingCycle)
	}
}
