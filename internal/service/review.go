package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/castlemilk/subtrack/internal/extraction"
	"github.com/castlemilk/subtrack/internal/model"
	"github.com/castlemilk/subtrack/internal/store"
)

// ResolveSuggestion commits or discards a pending suggestion. Verifying routes
// the charge through the same aggregation path as a direct extraction and
// remembers the sender's fields for future scans; declining with ignoreSender
// blocklists the sender domain entirely.
func (e *Engine) ResolveSuggestion(ctx context.Context, userID, suggestionID string, verify, ignoreSender bool) error {
	suggestion, err := e.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return fmt.Errorf("load suggestion: %w", err)
	}
	if suggestion.UserID != userID {
		return fmt.Errorf("suggestion %s: %w", suggestionID, store.ErrNotFound)
	}
	if suggestion.Decision != model.DecisionPending {
		return fmt.Errorf("suggestion %s already resolved as %s", suggestionID, suggestion.Decision)
	}

	now := time.Now()
	if !verify {
		suggestion.Decision = model.DecisionDeclined
		suggestion.ResolvedAt = now
		if err := e.store.UpdateSuggestion(ctx, suggestion); err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		if ignoreSender {
			return e.learnRule(ctx, userID, suggestion, true)
		}
		return nil
	}

	charge := &model.Charge{
		UserID:          userID,
		Service:         suggestion.Service,
		Amount:          suggestion.Amount,
		Currency:        suggestion.Currency,
		BillingCycle:    suggestion.BillingCycle,
		ChargedAt:       suggestion.ChargedAt,
		SourceMessageID: suggestion.SourceMessageID,
		Category:        suggestion.Category,
		Kind:            suggestion.Kind,
		CreatedAt:       now,
	}
	if err := e.ApplyCharge(ctx, charge); err != nil {
		return err
	}

	suggestion.Decision = model.DecisionVerified
	suggestion.ResolvedAt = now
	if err := e.store.UpdateSuggestion(ctx, suggestion); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return e.learnRule(ctx, userID, suggestion, false)
}

// learnRule persists the user's decision against the sender domain so later
// scans start from it.
func (e *Engine) learnRule(ctx context.Context, userID string, suggestion *model.PendingSuggestion, ignore bool) error {
	domain := extraction.SenderDomain(suggestion.Sender)
	if domain == "" {
		return nil
	}
	rule := &model.MerchantRule{
		ID:           uuid.New().String(),
		UserID:       userID,
		SenderDomain: domain,
		Ignore:       ignore,
		CreatedAt:    time.Now(),
	}
	if !ignore {
		rule.DefaultService = suggestion.Service
		rule.DefaultCycle = suggestion.BillingCycle
		rule.DefaultCategory = suggestion.Category
	}
	if err := e.store.UpsertMerchantRule(ctx, rule); err != nil {
		return fmt.Errorf("save merchant rule: %w", err)
	}
	return nil
}
