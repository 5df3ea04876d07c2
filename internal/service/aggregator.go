package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/castlemilk/subtrack/internal/model"
	"github.com/castlemilk/subtrack/internal/store"
)

// The aggregator owns all Subscription writes. Email charges, card merges,
// status events, review commits and the sweeper all go through these entry
// points, which serialize per (userID, serviceNormalized) key.

// recurringCycle reports whether a cycle participates in the recurring state
// machine.
func recurringCycle(cycle model.BillingCycle) bool {
	switch cycle {
	case model.CycleMonthly, model.CycleYearly, model.CycleWeekly:
		return true
	}
	return false
}

// ApplyCharge records a confirmed charge in the ledger and folds it into the
// user's subscription aggregate. Duplicate source IDs are absorbed silently:
// the ledger is the idempotency boundary. Charges with one_time or unknown
// cycles, or a non-positive monthly estimate, land in the ledger only.
func (e *Engine) ApplyCharge(ctx context.Context, charge *model.Charge) error {
	if charge.Service == "" {
		return fmt.Errorf("charge %s is missing a service name", charge.SourceKey())
	}
	if charge.ID == "" {
		charge.ID = uuid.New().String()
	}

	err := e.store.CreateCharge(ctx, charge)
	if errors.Is(err, store.ErrDuplicateCharge) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record charge: %w", err)
	}

	if !recurringCycle(charge.BillingCycle) {
		return nil
	}
	if model.MonthlyEstimate(charge.BillingCycle, charge.Amount) <= 0 {
		return nil
	}

	serviceNorm := model.NormalizeService(charge.Service)
	mu := e.keys.lock(subscriptionKey(charge.UserID, serviceNorm))
	defer mu.Unlock()

	sub, err := e.store.GetSubscription(ctx, charge.UserID, serviceNorm)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load subscription: %w", err)
	}

	now := time.Now()
	source := model.SourceEmailOnly
	if charge.SourceTransactionID != "" {
		source = model.SourceCardOnly
	}

	if sub == nil || errors.Is(err, store.ErrNotFound) {
		sub = &model.Subscription{
			ID:                    uuid.New().String(),
			UserID:                charge.UserID,
			ServiceNormalized:     serviceNorm,
			DisplayService:        charge.Service,
			Category:              charge.Category,
			Currency:              charge.Currency,
			BillingCycle:          charge.BillingCycle,
			Status:                model.StatusActive,
			MonthlyAmount:         charge.Amount,
			EstimatedMonthlySpend: model.MonthlyEstimate(charge.BillingCycle, charge.Amount),
			FirstChargeAt:         charge.ChargedAt,
			LastChargeAt:          charge.ChargedAt,
			NextRenewal:           model.NextRenewalFrom(charge.ChargedAt, charge.BillingCycle),
			TotalCharges:          1,
			TotalAmount:           charge.Amount,
			Source:                source,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		return e.store.UpsertSubscription(ctx, sub)
	}

	// A confirmed charge always transitions toward active.
	sub.Status = model.StatusActive
	sub.AutoCanceled = false
	if charge.ChargedAt.After(sub.LastChargeAt) {
		sub.LastChargeAt = charge.ChargedAt
		sub.MonthlyAmount = charge.Amount
		sub.BillingCycle = charge.BillingCycle
	}
	if sub.FirstChargeAt.IsZero() || charge.ChargedAt.Before(sub.FirstChargeAt) {
		sub.FirstChargeAt = charge.ChargedAt
	}
	sub.TotalCharges++
	sub.TotalAmount += charge.Amount
	sub.EstimatedMonthlySpend = model.MonthlyEstimate(sub.BillingCycle, sub.MonthlyAmount)
	sub.NextRenewal = model.NextRenewalFrom(sub.LastChargeAt, sub.BillingCycle)
	if sub.Currency == "" {
		sub.Currency = charge.Currency
	}
	if sub.Category == "" {
		sub.Category = charge.Category
	}
	if charge.SourceTransactionID != "" && sub.Source == model.SourceEmailOnly {
		sub.Source = model.SourceEmailAndCard
	}
	sub.UpdatedAt = now

	return e.store.UpsertSubscription(ctx, sub)
}

// ApplyStatusEvent applies a charge-less state signal to an existing
// subscription. Events referencing a service with no subscription are dropped:
// no speculative creation.
func (e *Engine) ApplyStatusEvent(ctx context.Context, userID, service string, event model.StatusEventType) error {
	serviceNorm := model.NormalizeService(service)
	if serviceNorm == "" {
		return nil
	}

	mu := e.keys.lock(subscriptionKey(userID, serviceNorm))
	defer mu.Unlock()

	sub, err := e.store.GetSubscription(ctx, userID, serviceNorm)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Debug().Str("component", "aggregator").Str("service", serviceNorm).
			Str("event", string(event)).Msg("status event for unknown subscription dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	prev := sub.Status
	switch event {
	case model.EventPaymentFailed:
		sub.Status = model.StatusPastDue
	case model.EventOnHold:
		sub.Status = model.StatusOnHold
	case model.EventCanceled:
		sub.Status = model.StatusCanceled
	case model.EventTrialStarted, model.EventTrialOffer:
		if sub.Status != model.StatusActive {
			sub.Status = model.StatusTrial
		}
	case model.EventReactivated:
		sub.Status = model.StatusActive
		sub.AutoCanceled = false
	default:
		return nil
	}

	if sub.Status == prev {
		return nil
	}
	sub.UpdatedAt = time.Now()
	return e.store.UpsertSubscription(ctx, sub)
}
