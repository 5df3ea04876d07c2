// Package extraction turns unstructured billing email text into structured
// fields, combining a probabilistic extractor with deterministic fallbacks.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/castlemilk/subtrack/internal/model"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// maxExtractChars bounds the message text sent to the extractor. Long bodies
// are truncated at a line or sentence boundary where possible.
const maxExtractChars = 6000

// Client extracts structured billing fields from email text using the Gemini API.
type Client struct {
	apiKey      string
	httpClient  *http.Client
	baseURL     string
	RetryConfig RetryConfig
}

// NewClient creates a new extraction client.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:     defaultGeminiBaseURL,
		RetryConfig: DefaultRetryConfig,
	}
}

// geminiFields mirrors the JSON shape the prompt instructs the model to emit.
type geminiFields struct {
	Kind        string  `json:"kind"`
	Service     string  `json:"service"`
	Category    string  `json:"category"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Cycle       string  `json:"billing_cycle"`
	StatusEvent string  `json:"status_event"`
	ChargeDate  string  `json:"charge_date"`
	Confidence  int     `json:"confidence"`
}

// Input is the message context given to the extractor.
type Input struct {
	Text    string
	Subject string
	From    string
	Snippet string
}

// Extract classifies one message. A nil result with nil error means the
// extractor produced nothing usable; the caller degrades to the
// deterministic-only path.
func (c *Client) Extract(ctx context.Context, in Input) (*StructuredFields, error) {
	if c.apiKey == "" {
		return nil, &ExtractionError{Code: ErrNotConfigured, Message: "Gemini API key not configured", Retryable: false}
	}

	prompt := buildPrompt(in.Subject, in.From, in.Snippet, BoundText(in.Text, maxExtractChars))

	raw, err := WithRetry(ctx, c.RetryConfig, func(ctx context.Context) (*geminiFields, error) {
		return c.callGemini(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	fields := &StructuredFields{
		Service:      raw.Service,
		Category:     raw.Category,
		Amount:       raw.Amount,
		Currency:     raw.Currency,
		BillingCycle: model.BillingCycle(raw.Cycle),
		Kind:         model.Kind(raw.Kind),
		StatusEvent:  model.StatusEventType(raw.StatusEvent),
		Confidence:   raw.Confidence,
	}
	if raw.ChargeDate != "" {
		if t, perr := time.Parse("2006-01-02", raw.ChargeDate); perr == nil {
			fields.ChargeDate = t
		}
	}
	fields.Validate()
	return fields, nil
}

// callGemini calls the Gemini API with a text prompt.
func (c *Client) callGemini(ctx context.Context, prompt string) (*geminiFields, error) {
	url := fmt.Sprintf("%s/models/gemini-2.0-flash:generateContent?key=%s", c.baseURL, c.apiKey)

	reqBody := map[string]interface{}{
		"contents": []map[string]interface{}{
			{
				"parts": []map[string]interface{}{
					{"text": prompt},
				},
			},
		},
		"generationConfig": map[string]interface{}{
			"temperature":      0.1,
			"maxOutputTokens":  1024,
			"responseMimeType": "application/json",
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ExtractionError{Code: ErrExtractorUnavailable, Message: "Gemini API call failed", Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ExtractionError{Code: ErrExtractorRateLimited, Message: "Gemini rate limited", Retryable: true}
	case resp.StatusCode >= 500:
		return nil, &ExtractionError{Code: ErrExtractorUnavailable, Message: fmt.Sprintf("Gemini API error %d", resp.StatusCode), Retryable: true}
	case resp.StatusCode != http.StatusOK:
		return nil, &ExtractionError{Code: ErrMalformedResponse, Message: fmt.Sprintf("Gemini API error %d: %s", resp.StatusCode, string(respBody)), Retryable: false}
	}

	// Parse Gemini response structure
	var geminiResp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, &ExtractionError{Code: ErrMalformedResponse, Message: "parse Gemini envelope", Retryable: false, Cause: err}
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		// Empty response: degrade, not an error worth retrying.
		return nil, nil
	}

	text := geminiResp.Candidates[0].Content.Parts[0].Text
	// Strip markdown code fences if present
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var fields geminiFields
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		// Malformed JSON from the model degrades to the deterministic path.
		return nil, nil
	}
	return &fields, nil
}

// BoundText truncates text to max characters, preferring to cut at a line
// break and then at a sentence boundary near the limit.
func BoundText(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, '\n'); i > max/2 {
		return cut[:i]
	}
	if i := strings.LastIndex(cut, ". "); i > max/2 {
		return cut[:i+1]
	}
	return cut
}

func buildPrompt(subject, from, snippet, body string) string {
	return fmt.Sprintf(`You are a billing email classifier. Classify ONE email and extract structured fields.

Be conservative:
- Only use kind "subscription" or "one_time" when the email is an explicit charge, receipt or invoice with a positive amount actually billed.
- Promotional emails, offers, discounts, newsletters are kind "marketing" with amount 0.
- Trial announcements, payment failures, account holds, cancellations are kind "status_event" with amount 0 and status_event one of: payment_failed, on_hold, canceled, trial_started, trial_offer, reactivated.
- If ambiguous, use kind "unknown" with amount 0. Never invent an amount.

Return JSON only:
{"kind": "subscription|one_time|marketing|status_event|unknown", "service": "merchant or service name", "category": "entertainment|software|utilities|food|shopping|other", "amount": 0.0, "currency": "ISO 4217 code", "billing_cycle": "monthly|yearly|weekly|one_time|unknown", "status_event": "", "charge_date": "YYYY-MM-DD or empty", "confidence": 1-5}

From: %s
Subject: %s
Snippet: %s

Body:
%s`, from, subject, snippet, body)
}
