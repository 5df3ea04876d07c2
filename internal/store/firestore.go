package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/castlemilk/subtrack/internal/model"
)

const (
	chargesCollection       = "charges"
	subscriptionsCollection = "subscriptions"
	suggestionsCollection   = "suggestions"
	merchantRulesCollection = "merchantRules"
	scanStatesCollection    = "scanStates"
)

// FirestoreStore implements the Store interface using Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore creates a new Firestore-backed store.
func NewFirestoreStore(client *firestore.Client) Store {
	return &FirestoreStore{
		client: client,
	}
}

// chargeDocID builds a deterministic document ID so the (userID, sourceKey)
// uniqueness invariant is enforced by the keyspace itself.
func chargeDocID(userID, sourceKey string) string {
	return userID + "_" + strings.ReplaceAll(sourceKey, "/", "_")
}

// applyCursorPagination adds OrderBy + StartAfter + Limit to a query for
// cursor-based pagination. It fetches pageSize+1 docs so the caller can
// detect whether a next page exists.
func applyCursorPagination(query firestore.Query, pageSize int32, pageToken string) (firestore.Query, error) {
	query = query.OrderBy(firestore.DocumentID, firestore.Asc)

	if pageToken != "" {
		docID, err := DecodePageToken(pageToken)
		if err != nil {
			return query, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.StartAfter(docID)
	}

	if pageSize <= 0 {
		pageSize = 100
	}
	query = query.Limit(int(pageSize) + 1)
	return query, nil
}

// Charge operations

func (s *FirestoreStore) CreateCharge(ctx context.Context, charge *model.Charge) error {
	if charge.ID == "" {
		charge.ID = uuid.New().String()
	}
	if charge.CreatedAt.IsZero() {
		charge.CreatedAt = time.Now()
	}

	docID := chargeDocID(charge.UserID, charge.SourceKey())
	// Create (not Set) so a concurrent duplicate insert fails instead of overwriting.
	_, err := s.client.Collection(chargesCollection).Doc(docID).Create(ctx, charge)
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("charge %s: %w", charge.SourceKey(), ErrDuplicateCharge)
	}
	if err != nil {
		return fmt.Errorf("create charge: %w", err)
	}
	return nil
}

func (s *FirestoreStore) ChargeExists(ctx context.Context, userID, sourceKey string) (bool, error) {
	doc := s.client.Collection(chargesCollection).Doc(chargeDocID(userID, sourceKey))
	_, err := doc.Get(ctx)
	if err != nil {
		// NotFound is the expected miss; other errors also report absent so a
		// transient read failure never blocks the idempotency re-check on insert.
		return false, nil
	}
	return true, nil
}

func (s *FirestoreStore) ListCharges(ctx context.Context, userID, serviceNormalized string, pageSize int32, pageToken string) ([]*model.Charge, string, error) {
	query := s.client.Collection(chargesCollection).Query
	if userID != "" {
		query = query.Where("userId", "==", userID)
	}

	query, err := applyCursorPagination(query, pageSize, pageToken)
	if err != nil {
		return nil, "", err
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list charges: %w", err)
	}

	if pageSize <= 0 {
		pageSize = 100
	}

	var nextPageToken string
	if len(docs) > int(pageSize) {
		docs = docs[:pageSize]
		nextPageToken = EncodePageToken(docs[pageSize-1].Ref.ID)
	}

	charges := make([]*model.Charge, 0, len(docs))
	for _, doc := range docs {
		var charge model.Charge
		if err := doc.DataTo(&charge); err != nil {
			return nil, "", fmt.Errorf("failed to parse charge: %w", err)
		}
		// Service filtering happens client-side: normalized service is derived,
		// not stored, so it cannot be a Firestore where clause.
		if serviceNormalized != "" && model.NormalizeService(charge.Service) != serviceNormalized {
			continue
		}
		charges = append(charges, &charge)
	}
	return charges, nextPageToken, nil
}

func (s *FirestoreStore) DeleteChargesForUser(ctx context.Context, userID string) error {
	return s.deleteWhere(ctx, chargesCollection, "userId", userID)
}

// Subscription operations

func (s *FirestoreStore) GetSubscription(ctx context.Context, userID, serviceNormalized string) (*model.Subscription, error) {
	iter := s.client.Collection(subscriptionsCollection).
		Where("userId", "==", userID).
		Where("serviceNormalized", "==", serviceNormalized).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query subscription: %w", err)
		}
		var sub model.Subscription
		if err := doc.DataTo(&sub); err != nil {
			return nil, fmt.Errorf("failed to parse subscription: %w", err)
		}
		if !sub.Deleted() {
			return &sub, nil
		}
	}
	return nil, fmt.Errorf("subscription %s/%s: %w", userID, serviceNormalized, ErrNotFound)
}

func (s *FirestoreStore) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	_, err := s.client.Collection(subscriptionsCollection).Doc(sub.ID).Set(ctx, sub)
	return err
}

func (s *FirestoreStore) ListSubscriptions(ctx context.Context, userID string, includeDeleted bool, pageSize int32, pageToken string) ([]*model.Subscription, string, error) {
	query := s.client.Collection(subscriptionsCollection).Query
	if userID != "" {
		query = query.Where("userId", "==", userID)
	}

	query, err := applyCursorPagination(query, pageSize, pageToken)
	if err != nil {
		return nil, "", err
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list subscriptions: %w", err)
	}

	if pageSize <= 0 {
		pageSize = 100
	}

	var nextPageToken string
	if len(docs) > int(pageSize) {
		docs = docs[:pageSize]
		nextPageToken = EncodePageToken(docs[pageSize-1].Ref.ID)
	}

	subs := make([]*model.Subscription, 0, len(docs))
	for _, doc := range docs {
		var sub model.Subscription
		if err := doc.DataTo(&sub); err != nil {
			return nil, "", fmt.Errorf("failed to parse subscription: %w", err)
		}
		if !includeDeleted && sub.Deleted() {
			continue
		}
		subs = append(subs, &sub)
	}
	return subs, nextPageToken, nil
}

func (s *FirestoreStore) SoftDeleteSubscription(ctx context.Context, subscriptionID string) error {
	now := time.Now()
	_, err := s.client.Collection(subscriptionsCollection).Doc(subscriptionID).Update(ctx, []firestore.Update{
		{Path: "deletedAt", Value: now},
		{Path: "updatedAt", Value: now},
	})
	if err != nil {
		return fmt.Errorf("failed to soft-delete subscription: %w", err)
	}
	return nil
}

func (s *FirestoreStore) DeleteSubscriptionsForUser(ctx context.Context, userID string) error {
	return s.deleteWhere(ctx, subscriptionsCollection, "userId", userID)
}

// Suggestion operations

func (s *FirestoreStore) CreateSuggestion(ctx context.Context, suggestion *model.PendingSuggestion) error {
	if suggestion.ID == "" {
		suggestion.ID = uuid.New().String()
	}
	if suggestion.CreatedAt.IsZero() {
		suggestion.CreatedAt = time.Now()
	}
	_, err := s.client.Collection(suggestionsCollection).Doc(suggestion.ID).Set(ctx, suggestion)
	return err
}

func (s *FirestoreStore) GetSuggestion(ctx context.Context, suggestionID string) (*model.PendingSuggestion, error) {
	doc, err := s.client.Collection(suggestionsCollection).Doc(suggestionID).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggestion %s: %w", suggestionID, ErrNotFound)
	}
	var suggestion model.PendingSuggestion
	if err := doc.DataTo(&suggestion); err != nil {
		return nil, fmt.Errorf("failed to parse suggestion: %w", err)
	}
	return &suggestion, nil
}

func (s *FirestoreStore) UpdateSuggestion(ctx context.Context, suggestion *model.PendingSuggestion) error {
	_, err := s.client.Collection(suggestionsCollection).Doc(suggestion.ID).Set(ctx, suggestion)
	return err
}

func (s *FirestoreStore) SuggestionExists(ctx context.Context, userID, sourceMessageID string) (bool, error) {
	iter := s.client.Collection(suggestionsCollection).
		Where("userId", "==", userID).
		Where("sourceMessageId", "==", sourceMessageID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	_, err := iter.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query suggestions: %w", err)
	}
	return true, nil
}

func (s *FirestoreStore) ListSuggestions(ctx context.Context, userID string, decision model.SuggestionDecision, pageSize int32, pageToken string) ([]*model.PendingSuggestion, string, error) {
	query := s.client.Collection(suggestionsCollection).Query
	if userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if decision != "" {
		query = query.Where("decision", "==", string(decision))
	}

	query, err := applyCursorPagination(query, pageSize, pageToken)
	if err != nil {
		return nil, "", err
	}

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list suggestions: %w", err)
	}

	if pageSize <= 0 {
		pageSize = 100
	}

	var nextPageToken string
	if len(docs) > int(pageSize) {
		docs = docs[:pageSize]
		nextPageToken = EncodePageToken(docs[pageSize-1].Ref.ID)
	}

	suggestions := make([]*model.PendingSuggestion, 0, len(docs))
	for _, doc := range docs {
		var suggestion model.PendingSuggestion
		if err := doc.DataTo(&suggestion); err != nil {
			return nil, "", fmt.Errorf("failed to parse suggestion: %w", err)
		}
		suggestions = append(suggestions, &suggestion)
	}
	return suggestions, nextPageToken, nil
}

// Merchant rule operations

func (s *FirestoreStore) UpsertMerchantRule(ctx context.Context, rule *model.MerchantRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	docID := rule.UserID + "_" + rule.SenderDomain
	_, err := s.client.Collection(merchantRulesCollection).Doc(docID).Set(ctx, rule)
	return err
}

func (s *FirestoreStore) GetMerchantRule(ctx context.Context, userID, senderDomain string) (*model.MerchantRule, error) {
	doc, err := s.client.Collection(merchantRulesCollection).Doc(userID + "_" + senderDomain).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("merchant rule %s/%s: %w", userID, senderDomain, ErrNotFound)
	}
	var rule model.MerchantRule
	if err := doc.DataTo(&rule); err != nil {
		return nil, fmt.Errorf("failed to parse merchant rule: %w", err)
	}
	return &rule, nil
}

func (s *FirestoreStore) ListMerchantRules(ctx context.Context, userID string) ([]*model.MerchantRule, error) {
	docs, err := s.client.Collection(merchantRulesCollection).
		Where("userId", "==", userID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list merchant rules: %w", err)
	}

	rules := make([]*model.MerchantRule, 0, len(docs))
	for _, doc := range docs {
		var rule model.MerchantRule
		if err := doc.DataTo(&rule); err != nil {
			return nil, fmt.Errorf("failed to parse merchant rule: %w", err)
		}
		rules = append(rules, &rule)
	}
	return rules, nil
}

// Scan state operations

func (s *FirestoreStore) GetScanState(ctx context.Context, userID string) (*model.ScanState, error) {
	doc, err := s.client.Collection(scanStatesCollection).Doc(userID).Get(ctx)
	if err != nil {
		// No state yet: first scan for this user.
		return &model.ScanState{UserID: userID}, nil
	}
	var state model.ScanState
	if err := doc.DataTo(&state); err != nil {
		return nil, fmt.Errorf("failed to parse scan state: %w", err)
	}
	return &state, nil
}

func (s *FirestoreStore) UpdateScanState(ctx context.Context, state *model.ScanState) error {
	state.UpdatedAt = time.Now()
	_, err := s.client.Collection(scanStatesCollection).Doc(state.UserID).Set(ctx, state)
	return err
}

// deleteWhere deletes all documents in a collection matching field == value
// using a BulkWriter.
func (s *FirestoreStore) deleteWhere(ctx context.Context, collection, field, value string) error {
	iter := s.client.Collection(collection).Where(field, "==", value).Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to iterate %s: %w", collection, err)
		}
		if _, err := bw.Delete(doc.Ref); err != nil {
			return fmt.Errorf("failed to queue delete in %s: %w", collection, err)
		}
	}
	bw.End()
	return nil
}
