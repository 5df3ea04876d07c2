package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/castlemilk/subtrack/internal/model"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient("test-key")
	c.baseURL = server.URL
	c.RetryConfig = RetryConfig{
		MaxRetries:     2,
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		BackoffFactor:  2.0,
		JitterFraction: 0,
	}
	return c
}

func geminiResponse(text string) string {
	resp := map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"parts": []map[string]any{{"text": text}}}},
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestExtractParsesBillingEvent(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(geminiResponse(`{"kind": "subscription", "service": "Spotify", "category": "entertainment", "amount": 9.99, "currency": "USD", "billing_cycle": "monthly", "charge_date": "2025-06-01", "confidence": 5}`)))
	})

	fields, err := c.Extract(context.Background(), Input{
		Subject: "Your receipt from Spotify",
		From:    "no-reply@spotify.com",
		Text:    "You were charged $9.99",
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if fields.Kind != model.KindSubscription {
		t.Fatalf("kind = %q, want subscription", fields.Kind)
	}
	if fields.Amount != 9.99 || fields.Currency != "USD" {
		t.Fatalf("amount = %v %s, want 9.99 USD", fields.Amount, fields.Currency)
	}
	if fields.BillingCycle != model.CycleMonthly {
		t.Fatalf("cycle = %q, want monthly", fields.BillingCycle)
	}
	if fields.ChargeDate.Format("2006-01-02") != "2025-06-01" {
		t.Fatalf("chargeDate = %v, want 2025-06-01", fields.ChargeDate)
	}
}

func TestExtractStripsMarkdownFences(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(geminiResponse("```json\n{\"kind\": \"marketing\", \"amount\": 0, \"confidence\": 4}\n```")))
	})

	fields, err := c.Extract(context.Background(), Input{Subject: "50% off!"})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if fields.Kind != model.KindMarketing {
		t.Fatalf("kind = %q, want marketing", fields.Kind)
	}
}

func TestExtractMalformedJSONDegrades(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(geminiResponse("this is not json")))
	})

	fields, err := c.Extract(context.Background(), Input{Subject: "hello"})
	if err != nil {
		t.Fatalf("Extract should degrade, got error: %v", err)
	}
	if fields != nil {
		t.Fatalf("fields = %+v, want nil for malformed model output", fields)
	}
}

func TestExtractRetriesRateLimit(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(geminiResponse(`{"kind": "unknown", "amount": 0, "confidence": 1}`)))
	})

	_, err := c.Extract(context.Background(), Input{Subject: "x"})
	if err != nil {
		t.Fatalf("Extract failed after retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", calls)
	}
}

func TestExtractBadRequestNotRetried(t *testing.T) {
	calls := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Extract(context.Background(), Input{Subject: "x"})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	var extErr *ExtractionError
	if !errors.As(err, &extErr) {
		t.Fatalf("error type = %T, want *ExtractionError", err)
	}
	if extErr.Retryable {
		t.Fatal("400 must not be retryable")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestExtractWithoutKey(t *testing.T) {
	c := NewClient("")
	_, err := c.Extract(context.Background(), Input{Subject: "x"})
	var extErr *ExtractionError
	if !errors.As(err, &extErr) || extErr.Code != ErrNotConfigured {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestBoundText(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "A line of reasonable length for the truncation test.\n"
	}
	bounded := BoundText(long, 500)
	if len(bounded) > 500 {
		t.Fatalf("len = %d, want <= 500", len(bounded))
	}
	if bounded[len(bounded)-1] == '\n' {
		t.Fatal("cut should land before the newline, not keep it")
	}
	if short := BoundText("short", 500); short != "short" {
		t.Fatalf("short text should be unchanged, got %q", short)
	}
}
