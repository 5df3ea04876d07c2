package service

import (
	"context"
	"testing"
	"time"

	"github.com/castlemilk/subtrack/internal/model"
	"github.com/castlemilk/subtrack/internal/store"
)

func seedSub(t *testing.T, st store.Store, norm string, cycle model.BillingCycle, status model.SubscriptionStatus, lastCharge time.Time) {
	t.Helper()
	if err := st.UpsertSubscription(context.Background(), &model.Subscription{
		UserID:            "user-1",
		ServiceNormalized: norm,
		DisplayService:    norm,
		BillingCycle:      cycle,
		Status:            status,
		LastChargeAt:      lastCharge,
	}); err != nil {
		t.Fatalf("seed %s failed: %v", norm, err)
	}
}

func TestSweepAutoCancelsLapsedMonthly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(st, nil, nil, nil)
	now := day(100)

	// 100 days silent: past one cycle (30d) plus grace (30d).
	seedSub(t, st, "lapsed", model.CycleMonthly, model.StatusActive, day(0))
	// 40 days silent: within cycle plus grace.
	seedSub(t, st, "current", model.CycleMonthly, model.StatusActive, day(60))

	swept, err := e.Sweep(ctx, "user-1", now)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	lapsed, _ := st.GetSubscription(ctx, "user-1", "lapsed")
	if lapsed.Status != model.StatusCanceled || !lapsed.AutoCanceled {
		t.Fatalf("lapsed = %q autoCanceled=%v, want canceled/true", lapsed.Status, lapsed.AutoCanceled)
	}
	current, _ := st.GetSubscription(ctx, "user-1", "current")
	if current.Status != model.StatusActive || current.AutoCanceled {
		t.Fatalf("current = %q autoCanceled=%v, must be untouched", current.Status, current.AutoCanceled)
	}
}

func TestSweepGraceByCycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(st, nil, nil, nil)
	now := day(100)

	// Weekly: 7d cycle + 14d grace = lapses after 21 days.
	seedSub(t, st, "weekly lapsed", model.CycleWeekly, model.StatusActive, day(70))
	seedSub(t, st, "weekly current", model.CycleWeekly, model.StatusActive, day(85))
	// Yearly: 365d cycle + 90d grace; 100 days silent is nothing.
	seedSub(t, st, "yearly current", model.CycleYearly, model.StatusActive, day(0))

	if _, err := e.Sweep(ctx, "user-1", now); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	wl, _ := st.GetSubscription(ctx, "user-1", "weekly lapsed")
	if wl.Status != model.StatusCanceled {
		t.Fatalf("weekly lapsed = %q, want canceled", wl.Status)
	}
	for _, norm := range []string{"weekly current", "yearly current"} {
		sub, _ := st.GetSubscription(ctx, "user-1", norm)
		if sub.Status != model.StatusActive {
			t.Fatalf("%s = %q, want active", norm, sub.Status)
		}
	}
}

func TestSweepCoversNonActiveStatuses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(st, nil, nil, nil)

	seedSub(t, st, "stale past due", model.CycleMonthly, model.StatusPastDue, day(0))
	seedSub(t, st, "already canceled", model.CycleMonthly, model.StatusCanceled, day(0))

	swept, err := e.Sweep(ctx, "user-1", day(100))
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want only the past_due subscription", swept)
	}
	pd, _ := st.GetSubscription(ctx, "user-1", "stale past due")
	if pd.Status != model.StatusCanceled || !pd.AutoCanceled {
		t.Fatalf("past_due = %q autoCanceled=%v, want canceled/true", pd.Status, pd.AutoCanceled)
	}
	ac, _ := st.GetSubscription(ctx, "user-1", "already canceled")
	if ac.AutoCanceled {
		t.Fatal("an explicitly canceled subscription must not be re-marked by the sweep")
	}
}

func TestSweepExpiresOneTimePurchases(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	e := newTestEngine(st, nil, nil, nil)

	seedSub(t, st, "one off", model.CycleOneTime, model.StatusActive, day(99))

	if _, err := e.Sweep(ctx, "user-1", day(100)); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	sub, _ := st.GetSubscription(ctx, "user-1", "one off")
	if sub.Status != model.StatusExpired {
		t.Fatalf("status = %q, one-time purchases expire unconditionally", sub.Status)
	}
	if sub.AutoCanceled {
		t.Fatal("expiry is not an auto-cancellation")
	}
}
