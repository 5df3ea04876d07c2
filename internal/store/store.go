package store

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/castlemilk/subtrack/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateCharge is returned when a charge with the same source key
// already exists for the user. The ledger is append-only and deduplicated.
var ErrDuplicateCharge = errors.New("duplicate charge for source")

// Store defines the persistence operations used by the engine.
type Store interface {
	// Charge ledger operations. Charges are append-only: there is no update.
	CreateCharge(ctx context.Context, charge *model.Charge) error
	ChargeExists(ctx context.Context, userID, sourceKey string) (bool, error)
	ListCharges(ctx context.Context, userID, serviceNormalized string, pageSize int32, pageToken string) ([]*model.Charge, string, error)
	DeleteChargesForUser(ctx context.Context, userID string) error

	// Subscription operations
	GetSubscription(ctx context.Context, userID, serviceNormalized string) (*model.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *model.Subscription) error
	ListSubscriptions(ctx context.Context, userID string, includeDeleted bool, pageSize int32, pageToken string) ([]*model.Subscription, string, error)
	SoftDeleteSubscription(ctx context.Context, subscriptionID string) error
	DeleteSubscriptionsForUser(ctx context.Context, userID string) error

	// Pending suggestion operations
	CreateSuggestion(ctx context.Context, suggestion *model.PendingSuggestion) error
	GetSuggestion(ctx context.Context, suggestionID string) (*model.PendingSuggestion, error)
	UpdateSuggestion(ctx context.Context, suggestion *model.PendingSuggestion) error
	SuggestionExists(ctx context.Context, userID, sourceMessageID string) (bool, error)
	ListSuggestions(ctx context.Context, userID string, decision model.SuggestionDecision, pageSize int32, pageToken string) ([]*model.PendingSuggestion, string, error)

	// Merchant rule operations (per-user sender memory)
	UpsertMerchantRule(ctx context.Context, rule *model.MerchantRule) error
	GetMerchantRule(ctx context.Context, userID, senderDomain string) (*model.MerchantRule, error)
	ListMerchantRules(ctx context.Context, userID string) ([]*model.MerchantRule, error)

	// Scan state operations
	GetScanState(ctx context.Context, userID string) (*model.ScanState, error)
	UpdateScanState(ctx context.Context, state *model.ScanState) error
}

// EncodePageToken encodes a document ID into a page token.
func EncodePageToken(docID string) string {
	if docID == "" {
		return ""
	}
	return base64.URLEncoding.EncodeToString([]byte(docID))
}

// DecodePageToken decodes a page token back to a document ID.
func DecodePageToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
