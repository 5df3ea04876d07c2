package service

import (
	"context"
	"fmt"
	"time"

	"github.com/castlemilk/subtrack/internal/model"
)

// presumedActive is the status set the sweep may auto-cancel from. Already
// canceled or expired subscriptions are left alone.
var presumedActive = map[model.SubscriptionStatus]bool{
	model.StatusActive:  true,
	model.StatusTrial:   true,
	model.StatusPastDue: true,
	model.StatusOnHold:  true,
}

// Sweep auto-cancels recurring subscriptions whose expected renewal, plus a
// cadence-dependent grace window, has passed without a new charge. Absence of
// recurrence is treated as a cancellation signal in its own right. One-time
// purchases are marked expired unconditionally.
func (e *Engine) Sweep(ctx context.Context, userID string, now time.Time) (int, error) {
	subs, err := e.allSubscriptions(ctx, userID)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, sub := range subs {
		var next model.SubscriptionStatus
		switch {
		case sub.BillingCycle == model.CycleOneTime:
			if sub.Status == model.StatusExpired {
				continue
			}
			next = model.StatusExpired
		case recurringCycle(sub.BillingCycle):
			if !presumedActive[sub.Status] || sub.LastChargeAt.IsZero() {
				continue
			}
			deadline := sub.LastChargeAt.Add(model.CyclePeriod(sub.BillingCycle)).Add(model.GracePeriod(sub.BillingCycle))
			if now.Before(deadline) {
				continue
			}
			next = model.StatusCanceled
		default:
			continue
		}

		mu := e.keys.lock(subscriptionKey(userID, sub.ServiceNormalized))
		current, err := e.store.GetSubscription(ctx, userID, sub.ServiceNormalized)
		if err != nil {
			mu.Unlock()
			return swept, fmt.Errorf("reload subscription %s: %w", sub.ServiceNormalized, err)
		}
		current.Status = next
		if next == model.StatusCanceled {
			current.AutoCanceled = true
		}
		current.UpdatedAt = now
		err = e.store.UpsertSubscription(ctx, current)
		mu.Unlock()
		if err != nil {
			return swept, fmt.Errorf("sweep subscription %s: %w", sub.ServiceNormalized, err)
		}
		swept++
		e.log.Info().Str("component", "sweeper").Str("user", userID).
			Str("service", sub.ServiceNormalized).Str("status", string(next)).Msg("subscription swept")
	}
	return swept, nil
}
