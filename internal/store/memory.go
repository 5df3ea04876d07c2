package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castlemilk/subtrack/internal/model"
)

// MemoryStore implements Store with in-memory maps. It is used for local
// development and as the test double in service tests.
type MemoryStore struct {
	mu sync.RWMutex

	charges       map[string]*model.Charge            // by charge ID
	chargeSources map[string]string                   // userID|sourceKey -> charge ID
	subscriptions map[string]*model.Subscription      // by subscription ID
	suggestions   map[string]*model.PendingSuggestion // by suggestion ID
	merchantRules map[string]*model.MerchantRule      // userID|senderDomain
	scanStates    map[string]*model.ScanState         // by user ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		charges:       make(map[string]*model.Charge),
		chargeSources: make(map[string]string),
		subscriptions: make(map[string]*model.Subscription),
		suggestions:   make(map[string]*model.PendingSuggestion),
		merchantRules: make(map[string]*model.MerchantRule),
		scanStates:    make(map[string]*model.ScanState),
	}
}

// paginateIDs applies cursor-based pagination to a sorted slice of IDs.
// Returns the paginated IDs and the next page token (empty if no more pages).
func paginateIDs(ids []string, pageSize int32, pageToken string) ([]string, string) {
	if pageSize <= 0 {
		pageSize = 100
	}

	sort.Strings(ids)

	startIdx := 0
	if pageToken != "" {
		cursorID, err := DecodePageToken(pageToken)
		if err == nil {
			for i, id := range ids {
				if id > cursorID {
					startIdx = i
					break
				}
				if i == len(ids)-1 {
					return nil, ""
				}
			}
		}
	}

	ids = ids[startIdx:]

	var nextToken string
	if int32(len(ids)) > pageSize {
		nextToken = EncodePageToken(ids[pageSize-1])
		ids = ids[:pageSize]
	}

	return ids, nextToken
}

func sourceIndexKey(userID, sourceKey string) string {
	return userID + "|" + sourceKey
}

// Charge operations

func (m *MemoryStore) CreateCharge(ctx context.Context, charge *model.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sourceIndexKey(charge.UserID, charge.SourceKey())
	if _, ok := m.chargeSources[key]; ok {
		return fmt.Errorf("charge for %s: %w", charge.SourceKey(), ErrDuplicateCharge)
	}

	if charge.ID == "" {
		charge.ID = uuid.New().String()
	}
	if charge.CreatedAt.IsZero() {
		charge.CreatedAt = time.Now()
	}

	m.charges[charge.ID] = charge
	m.chargeSources[key] = charge.ID
	return nil
}

func (m *MemoryStore) ChargeExists(ctx context.Context, userID, sourceKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.chargeSources[sourceIndexKey(userID, sourceKey)]
	return ok, nil
}

func (m *MemoryStore) ListCharges(ctx context.Context, userID, serviceNormalized string, pageSize int32, pageToken string) ([]*model.Charge, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matchingIDs []string
	for id, charge := range m.charges {
		if userID != "" && charge.UserID != userID {
			continue
		}
		if serviceNormalized != "" && model.NormalizeService(charge.Service) != serviceNormalized {
			continue
		}
		matchingIDs = append(matchingIDs, id)
	}

	paginatedIDs, nextToken := paginateIDs(matchingIDs, pageSize, pageToken)
	result := make([]*model.Charge, 0, len(paginatedIDs))
	for _, id := range paginatedIDs {
		result = append(result, m.charges[id])
	}
	return result, nextToken, nil
}

func (m *MemoryStore) DeleteChargesForUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, charge := range m.charges {
		if charge.UserID != userID {
			continue
		}
		delete(m.chargeSources, sourceIndexKey(userID, charge.SourceKey()))
		delete(m.charges, id)
	}
	return nil
}

// Subscription operations

func (m *MemoryStore) GetSubscription(ctx context.Context, userID, serviceNormalized string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscriptions {
		if sub.UserID == userID && sub.ServiceNormalized == serviceNormalized && !sub.Deleted() {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("subscription %s/%s: %w", userID, serviceNormalized, ErrNotFound)
}

func (m *MemoryStore) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	m.subscriptions[sub.ID] = sub
	return nil
}

func (m *MemoryStore) ListSubscriptions(ctx context.Context, userID string, includeDeleted bool, pageSize int32, pageToken string) ([]*model.Subscription, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matchingIDs []string
	for id, sub := range m.subscriptions {
		if userID != "" && sub.UserID != userID {
			continue
		}
		if !includeDeleted && sub.Deleted() {
			continue
		}
		matchingIDs = append(matchingIDs, id)
	}

	paginatedIDs, nextToken := paginateIDs(matchingIDs, pageSize, pageToken)
	result := make([]*model.Subscription, 0, len(paginatedIDs))
	for _, id := range paginatedIDs {
		result = append(result, m.subscriptions[id])
	}
	return result, nextToken, nil
}

func (m *MemoryStore) SoftDeleteSubscription(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", subscriptionID, ErrNotFound)
	}
	sub.DeletedAt = time.Now()
	sub.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DeleteSubscriptionsForUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subscriptions {
		if sub.UserID == userID {
			delete(m.subscriptions, id)
		}
	}
	return nil
}

// Suggestion operations

func (m *MemoryStore) CreateSuggestion(ctx context.Context, suggestion *model.PendingSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if suggestion.ID == "" {
		suggestion.ID = uuid.New().String()
	}
	if suggestion.CreatedAt.IsZero() {
		suggestion.CreatedAt = time.Now()
	}
	m.suggestions[suggestion.ID] = suggestion
	return nil
}

func (m *MemoryStore) GetSuggestion(ctx context.Context, suggestionID string) (*model.PendingSuggestion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	suggestion, ok := m.suggestions[suggestionID]
	if !ok {
		return nil, fmt.Errorf("suggestion %s: %w", suggestionID, ErrNotFound)
	}
	return suggestion, nil
}

func (m *MemoryStore) UpdateSuggestion(ctx context.Context, suggestion *model.PendingSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.suggestions[suggestion.ID]; !ok {
		return fmt.Errorf("suggestion %s: %w", suggestion.ID, ErrNotFound)
	}
	m.suggestions[suggestion.ID] = suggestion
	return nil
}

func (m *MemoryStore) SuggestionExists(ctx context.Context, userID, sourceMessageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.suggestions {
		if s.UserID == userID && s.SourceMessageID == sourceMessageID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListSuggestions(ctx context.Context, userID string, decision model.SuggestionDecision, pageSize int32, pageToken string) ([]*model.PendingSuggestion, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matchingIDs []string
	for id, s := range m.suggestions {
		if userID != "" && s.UserID != userID {
			continue
		}
		if decision != "" && s.Decision != decision {
			continue
		}
		matchingIDs = append(matchingIDs, id)
	}

	paginatedIDs, nextToken := paginateIDs(matchingIDs, pageSize, pageToken)
	result := make([]*model.PendingSuggestion, 0, len(paginatedIDs))
	for _, id := range paginatedIDs {
		result = append(result, m.suggestions[id])
	}
	return result, nextToken, nil
}

// Merchant rule operations

func ruleKey(userID, senderDomain string) string {
	return userID + "|" + senderDomain
}

func (m *MemoryStore) UpsertMerchantRule(ctx context.Context, rule *model.MerchantRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	m.merchantRules[ruleKey(rule.UserID, rule.SenderDomain)] = rule
	return nil
}

func (m *MemoryStore) GetMerchantRule(ctx context.Context, userID, senderDomain string) (*model.MerchantRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, ok := m.merchantRules[ruleKey(userID, senderDomain)]
	if !ok {
		return nil, fmt.Errorf("merchant rule %s/%s: %w", userID, senderDomain, ErrNotFound)
	}
	return rule, nil
}

func (m *MemoryStore) ListMerchantRules(ctx context.Context, userID string) ([]*model.MerchantRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.MerchantRule
	for _, rule := range m.merchantRules {
		if rule.UserID == userID {
			result = append(result, rule)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SenderDomain < result[j].SenderDomain
	})
	return result, nil
}

// Scan state operations

func (m *MemoryStore) GetScanState(ctx context.Context, userID string) (*model.ScanState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.scanStates[userID]
	if !ok {
		return &model.ScanState{UserID: userID}, nil
	}
	return state, nil
}

func (m *MemoryStore) UpdateScanState(ctx context.Context, state *model.ScanState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.UpdatedAt = time.Now()
	m.scanStates[state.UserID] = state
	return nil
}
