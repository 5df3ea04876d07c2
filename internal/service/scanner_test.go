package service

import (
	"context"
	"errors"
	"testing"

	"github.com/castlemilk/subtrack/internal/extraction"
	"github.com/castlemilk/subtrack/internal/mail"
	"github.com/castlemilk/subtrack/internal/model"
	"github.com/castlemilk/subtrack/internal/store"
)

func spotifyReceipt() *mail.Message {
	return &mail.Message{
		ID:      "msg-spotify",
		From:    "no-reply@spotify.com",
		Subject: "Your receipt from Spotify - $9.99, charged monthly",
		Date:    day(0),
		Text:    "Thanks for subscribing to Premium. You were charged $9.99, billed monthly.",
	}
}

func TestScanEndToEndSpotify(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	source := &fakeSource{messages: map[string]*mail.Message{"msg-spotify": spotifyReceipt()}}
	// No canned extractor output: the deterministic path must carry this alone.
	e := newTestEngine(st, &fakeFactory{source: source}, &fakeExtractor{}, nil)

	summary, err := e.Scan(ctx, "user-1", ScanIncremental)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if summary.Processed != 1 || summary.NewCharges != 1 {
		t.Fatalf("summary = %+v, want 1 processed, 1 new charge", summary)
	}

	sub, err := st.GetSubscription(ctx, "user-1", "spotify")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if sub.EstimatedMonthlySpend != 9.99 {
		t.Fatalf("estimatedMonthlySpend = %v, want 9.99", sub.EstimatedMonthlySpend)
	}
	if sub.Status != model.StatusActive {
		t.Fatalf("status = %q, want active", sub.Status)
	}
	charges, _, _ := st.ListCharges(ctx, "user-1", "spotify", 10, "")
	if len(charges) != 1 || charges[0].Amount != 9.99 || charges[0].Currency != "USD" {
		t.Fatalf("charges = %+v, want one 9.99 USD charge", charges)
	}
	if charges[0].BillingCycle != model.CycleMonthly {
		t.Fatalf("cycle = %q, want monthly", charges[0].BillingCycle)
	}
}

func TestScanPromotionalRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	source := &fakeSource{messages: map[string]*mail.Message{
		"msg-promo": {
			ID:      "msg-promo",
			From:    "deals@spotify.com",
			Subject: "50% OFF this weekend only!",
			Date:    day(0),
			Text:    "Upgrade now and save. Limited time discount.",
		},
	}}
	e := newTestEngine(st, &fakeFactory{source: source}, &fakeExtractor{}, nil)

	summary, err := e.Scan(ctx, "user-1", ScanIncremental)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if summary.Processed != 1 || summary.NewCharges != 0 {
		t.Fatalf("summary = %+v, want processed without charges", summary)
	}
	charges, _, _ := st.ListCharges(ctx, "user-1", "", 10, "")
	if len(charges) != 0 {
		t.Fatalf("charges = %d, want 0 for promotional mail", len(charges))
	}
	subs, _, _ := st.ListSubscriptions(ctx, "user-1", true, 10, "")
	if len(subs) != 0 {
		t.Fatalf("subscriptions = %d, want 0", len(subs))
	}
}

func TestScanRepeatSkipsExisting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	source := &fakeSource{messages: map[string]*mail.Message{"msg-spotify": spotifyReceipt()}}
	e := newTestEngine(st, &fakeFactory{source: source}, &fakeExtractor{}, nil)

	if _, err := e.Scan(ctx, "user-1", ScanIncremental); err != nil {
		t.Fatalf("first Scan failed: %v", err)
	}
	summary, err := e.Scan(ctx, "user-1", ScanIncremental)
	if err != nil {
		t.Fatalf("second Scan failed: %v", err)
	}
	if summary.SkippedExisting != 1 || summary.NewCharges != 0 {
		t.Fatalf("summary = %+v, want the message skipped as existing", summary)
	}
	charges, _, _ := st.ListCharges(ctx, "user-1", "", 10, "")
	if len(charges) != 1 {
		t.Fatalf("charges = %d, re-scan must not duplicate", len(charges))
	}
}

func TestScanLowConfidenceBecomesSuggestion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	source := &fakeSource{messages: map[string]*mail.Message{
		"msg-vague": {
			ID:      "msg-vague",
			From:    "hello@mysterybox.com",
			Subject: "Thanks!",
			Date:    day(0),
			Text:    "We appreciate your support.",
		},
	}}
	extractor := &fakeExtractor{bySubject: map[string]*extraction.StructuredFields{
		"Thanks!": {
			Service:      "Mystery Box",
			Kind:         model.KindSubscription,
			Amount:       4.99,
			Currency:     "USD",
			BillingCycle: model.CycleMonthly,
			Confidence:   2,
		},
	}}
	e := newTestEngine(st, &fakeFactory{source: source}, extractor, nil)

	summary, err := e.Scan(ctx, "user-1", ScanIncremental)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if summary.Suggestions != 1 || summary.NewCharges != 0 {
		t.Fatalf("summary = %+v, want a suggestion instead of a charge", summary)
	}

	pending, _, _ := st.ListSuggestions(ctx, "user-1", model.DecisionPending, 10, "")
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Service != "Mystery Box" || pending[0].Confidence != 2 {
		t.Fatalf("suggestion = %+v, want extractor fields preserved", pending[0])
	}
	charges, _, _ := st.ListCharges(ctx, "user-1", "", 10, "")
	if len(charges) != 0 {
		t.Fatalf("charges = %d, low confidence must not commit", len(charges))
	}
}

func TestScanStatusEventRouted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.UpsertSubscription(ctx, &model.Subscription{
		UserID:            "user-1",
		ServiceNormalized: "netflix",
		DisplayService:    "Netflix",
		Status:            model.StatusActive,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	source := &fakeSource{messages: map[string]*mail.Message{
		"msg-failed": {
			ID:      "msg-failed",
			From:    "info@netflix.com",
			Subject: "Your payment failed",
			Date:    day(0),
			Text:    "We could not process your payment. Update your payment method.",
		},
	}}
	e := newTestEngine(st, &fakeFactory{source: source}, &fakeExtractor{}, nil)

	if _, err := e.Scan(ctx, "user-1", ScanIncremental); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	sub, _ := st.GetSubscription(ctx, "user-1", "netflix")
	if sub.Status != model.StatusPastDue {
		t.Fatalf("status = %q, want past_due after the payment failure email", sub.Status)
	}
}

func TestScanIgnoredSenderSkipped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	if err := st.UpsertMerchantRule(ctx, &model.MerchantRule{
		UserID:       "user-1",
		SenderDomain: "spotify.com",
		Ignore:       true,
	}); err != nil {
		t.Fatalf("seed rule failed: %v", err)
	}

	source := &fakeSource{messages: map[string]*mail.Message{"msg-spotify": spotifyReceipt()}}
	e := newTestEngine(st, &fakeFactory{source: source}, &fakeExtractor{}, nil)

	summary, err := e.Scan(ctx, "user-1", ScanIncremental)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if summary.SkippedOther != 1 || summary.NewCharges != 0 {
		t.Fatalf("summary = %+v, want the sender skipped", summary)
	}
}

func TestScanFetchFailureIsolated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	source := &fakeSource{
		messages: map[string]*mail.Message{"msg-spotify": spotifyReceipt()},
		failIDs:  map[string]bool{"msg-broken": true},
	}
	e := newTestEngine(st, &fakeFactory{source: source}, &fakeExtractor{}, nil)

	summary, err := e.Scan(ctx, "user-1", ScanIncremental)
	if err != nil {
		t.Fatalf("Scan must survive per-message failures: %v", err)
	}
	if summary.NewCharges != 1 || summary.SkippedOther != 1 {
		t.Fatalf("summary = %+v, want 1 charge and 1 skip", summary)
	}
}

func TestScanFullModeRebuilds(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	source := &fakeSource{messages: map[string]*mail.Message{"msg-spotify": spotifyReceipt()}}
	e := newTestEngine(st, &fakeFactory{source: source}, &fakeExtractor{}, nil)

	// Seed stale data that the full scan should replace.
	if err := st.CreateCharge(ctx, &model.Charge{
		UserID: "user-1", Service: "Old Service", Amount: 1.00,
		SourceMessageID: "msg-old",
	}); err != nil {
		t.Fatalf("seed charge failed: %v", err)
	}
	if err := st.UpsertSubscription(ctx, &model.Subscription{
		UserID: "user-1", ServiceNormalized: "old service",
	}); err != nil {
		t.Fatalf("seed subscription failed: %v", err)
	}

	summary, err := e.Scan(ctx, "user-1", ScanFull)
	if err != nil {
		t.Fatalf("full Scan failed: %v", err)
	}
	if summary.NewCharges != 1 {
		t.Fatalf("summary = %+v, want the message reprocessed", summary)
	}

	charges, _, _ := st.ListCharges(ctx, "user-1", "", 10, "")
	if len(charges) != 1 {
		t.Fatalf("charges = %d, full mode must truncate stale entries", len(charges))
	}
	if _, err := st.GetSubscription(ctx, "user-1", "old service"); err == nil {
		t.Fatal("stale subscription must be removed by the full rebuild")
	}
}

func TestScanWithoutMailLink(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(), &fakeFactory{openErr: errors.New("no token")}, &fakeExtractor{}, nil)
	_, err := e.Scan(context.Background(), "user-1", ScanIncremental)
	if !errors.Is(err, ErrMailNotLinked) {
		t.Fatalf("err = %v, want ErrMailNotLinked", err)
	}

	e = newTestEngine(store.NewMemoryStore(), nil, &fakeExtractor{}, nil)
	if _, err := e.Scan(context.Background(), "user-1", ScanIncremental); !errors.Is(err, ErrMailNotLinked) {
		t.Fatalf("err = %v, want ErrMailNotLinked with no factory wired", err)
	}
}

func TestScanRecordsHighWaterMark(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	source := &fakeSource{messages: map[string]*mail.Message{}}
	e := newTestEngine(st, &fakeFactory{source: source}, &fakeExtractor{}, nil)

	if _, err := e.Scan(ctx, "user-1", ScanIncremental); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	state, _ := st.GetScanState(ctx, "user-1")
	if state.LastScanAt.IsZero() {
		t.Fatal("lastScanAt must advance after a completed scan")
	}
}
