// Package cards wraps the external card-transaction sync provider.
package cards

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/castlemilk/subtrack/internal/model"
)

// ErrNotConfigured is returned when no provider endpoint or access token is
// available for the user. Callers surface this to the caller immediately; no
// partial processing is attempted.
var ErrNotConfigured = errors.New("card provider not configured")

// Client is an HTTP client for the transaction sync provider.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new sync client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// syncRequest is the provider's cursor-paginated sync request body.
type syncRequest struct {
	AccessToken string `json:"access_token"`
	Cursor      string `json:"cursor,omitempty"`
}

// syncTransaction is one transaction in the provider's response format.
type syncTransaction struct {
	TransactionID string  `json:"transaction_id"`
	Merchant      string  `json:"merchant_name"`
	Name          string  `json:"name"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"iso_currency_code"`
	Date          string  `json:"date"`
}

// SyncResponse is one page of the provider's transaction feed.
type SyncResponse struct {
	Added      []syncTransaction `json:"added"`
	Modified   []syncTransaction `json:"modified"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// merchant returns the merchant name, handling both field names.
func (t *syncTransaction) merchant() string {
	if t.Merchant != "" {
		return t.Merchant
	}
	return t.Name
}

// Sync fetches one page of transactions for the given access token and cursor.
func (c *Client) Sync(ctx context.Context, accessToken, cursor string) (*SyncResponse, error) {
	if c.baseURL == "" || accessToken == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(syncRequest{AccessToken: accessToken, Cursor: cursor})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sync failed: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var result SyncResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// SyncAll loops Sync until the provider reports no more pages, converting the
// feed into card transactions for the user. It returns the final cursor for
// the next incremental sync.
func (c *Client) SyncAll(ctx context.Context, userID, accessToken, cursor string) ([]*model.CardTransaction, string, error) {
	var txns []*model.CardTransaction
	for {
		page, err := c.Sync(ctx, accessToken, cursor)
		if err != nil {
			return nil, "", err
		}
		for _, t := range append(page.Added, page.Modified...) {
			converted, err := convertTransaction(userID, t)
			if err != nil {
				// Malformed transactions are skipped, never fatal to the batch.
				continue
			}
			txns = append(txns, converted)
		}
		cursor = page.NextCursor
		if !page.HasMore {
			return txns, cursor, nil
		}
	}
}

func convertTransaction(userID string, t syncTransaction) (*model.CardTransaction, error) {
	if t.TransactionID == "" || t.merchant() == "" {
		return nil, fmt.Errorf("transaction missing id or merchant")
	}
	date, err := time.Parse("2006-01-02", t.Date)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", t.Date, err)
	}
	amount := t.Amount
	if amount < 0 {
		amount = -amount
	}
	return &model.CardTransaction{
		ID:       t.TransactionID,
		UserID:   userID,
		Merchant: t.merchant(),
		Amount:   amount,
		Currency: t.Currency,
		Date:     date,
	}, nil
}
