package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/castlemilk/subtrack/internal/cards"
	"github.com/castlemilk/subtrack/internal/model"
)

// merchantBlocklist filters merchants that are structurally unlikely to be
// subscriptions. A stray pair of similar ride fares would otherwise read as a
// weekly cadence.
var merchantBlocklist = []string{
	"uber", "lyft", "taxi",
	"doordash", "grubhub", "ubereats", "uber eats", "deliveroo", "postmates",
	"airline", "airlines", "airways", "delta air", "united air", "american air", "southwest",
	"hotel", "hotels", "marriott", "hilton", "hyatt", "airbnb", "booking.com", "expedia",
	"shell", "chevron", "exxon", "mobil", "bp ", "fuel", "gas station",
	"mcdonald", "starbucks", "chipotle", "restaurant",
}

// SyncAndReconcile pulls the user's card-transaction feed from the stored
// cursor, reconciles the batch into subscriptions, and advances the cursor.
func (e *Engine) SyncAndReconcile(ctx context.Context, userID, accessToken string) error {
	if e.cards == nil {
		return cards.ErrNotConfigured
	}
	state, err := e.store.GetScanState(ctx, userID)
	if err != nil {
		return fmt.Errorf("load scan state: %w", err)
	}
	txns, cursor, err := e.cards.SyncAll(ctx, userID, accessToken, state.CardSyncCursor)
	if err != nil {
		return fmt.Errorf("sync transactions: %w", err)
	}
	if err := e.Reconcile(ctx, userID, txns); err != nil {
		return err
	}
	state.CardSyncCursor = cursor
	if err := e.store.UpdateScanState(ctx, state); err != nil {
		return fmt.Errorf("record sync cursor: %w", err)
	}
	return nil
}

// Reconcile merges a batch of card transactions into the user's
// subscriptions. Recurring evidence is built per merchant by amount
// bucketing and cadence inference; matched subscriptions gain card
// corroboration, unmatched recurring merchants become card-only
// subscriptions.
func (e *Engine) Reconcile(ctx context.Context, userID string, txns []*model.CardTransaction) error {
	groups := make(map[string][]*model.CardTransaction)
	display := make(map[string]string)
	for _, txn := range txns {
		norm := model.NormalizeService(txn.Merchant)
		if norm == "" || blockedMerchant(norm) {
			continue
		}
		groups[norm] = append(groups[norm], txn)
		if display[norm] == "" {
			display[norm] = txn.Merchant
		}
	}

	subs, err := e.allSubscriptions(ctx, userID)
	if err != nil {
		return err
	}

	touched := make(map[string]bool)
	for norm, group := range groups {
		bucket := bestRecurringBucket(group)
		if bucket == nil {
			continue
		}
		match := matchSubscription(norm, bucket.meanAmount(), subs)
		if match != nil {
			if err := e.mergeBucket(ctx, match, bucket); err != nil {
				e.log.Warn().Err(err).Str("component", "reconciler").Str("user", userID).
					Str("merchant", norm).Msg("merge failed")
				continue
			}
			touched[match.ServiceNormalized] = true
			continue
		}
		if !bucket.coversFullCycle() {
			e.log.Debug().Str("component", "reconciler").Str("user", userID).
				Str("merchant", norm).Msg("recurring bucket below a full cycle, ignored")
			continue
		}
		if err := e.createCardOnly(ctx, userID, display[norm], bucket); err != nil {
			e.log.Warn().Err(err).Str("component", "reconciler").Str("user", userID).
				Str("merchant", norm).Msg("card-only creation failed")
			continue
		}
		touched[norm] = true
	}

	// Untouched email subscriptions stay explicitly uncorroborated.
	for _, sub := range subs {
		if touched[sub.ServiceNormalized] {
			continue
		}
		if sub.Source == model.SourceCardOnly || sub.Source == model.SourceEmailAndCard || sub.Source == model.SourceEmailOnly {
			continue
		}
		mu := e.keys.lock(subscriptionKey(userID, sub.ServiceNormalized))
		sub.Source = model.SourceEmailOnly
		sub.UpdatedAt = time.Now()
		err := e.store.UpsertSubscription(ctx, sub)
		mu.Unlock()
		if err != nil {
			return fmt.Errorf("downgrade source confidence: %w", err)
		}
	}
	return nil
}

func (e *Engine) allSubscriptions(ctx context.Context, userID string) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	token := ""
	for {
		page, next, err := e.store.ListSubscriptions(ctx, userID, false, 200, token)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		subs = append(subs, page...)
		if next == "" {
			return subs, nil
		}
		token = next
	}
}

// mergeBucket folds a bucket's transactions into an existing subscription
// through the aggregator. The ledger's transaction-ID uniqueness dedups
// re-applied transactions; the matched display name keys the same aggregate.
func (e *Engine) mergeBucket(ctx context.Context, sub *model.Subscription, bucket *txnBucket) error {
	cycle := sub.BillingCycle
	if cycle == model.CycleUnknown || cycle == model.CycleOneTime {
		cycle = bucket.cycle
	}
	for _, txn := range bucket.txns {
		charge := &model.Charge{
			UserID:              txn.UserID,
			Service:             sub.DisplayService,
			Amount:              txn.Amount,
			Currency:            txn.Currency,
			BillingCycle:        cycle,
			ChargedAt:           txn.Date,
			SourceTransactionID: txn.ID,
			Category:            sub.Category,
			Kind:                model.KindSubscription,
			CreatedAt:           time.Now(),
		}
		if err := e.ApplyCharge(ctx, charge); err != nil {
			return err
		}
	}

	norm := model.NormalizeService(sub.DisplayService)
	mu := e.keys.lock(subscriptionKey(sub.UserID, norm))
	defer mu.Unlock()
	current, err := e.store.GetSubscription(ctx, sub.UserID, norm)
	if err != nil {
		return err
	}
	last := bucket.txns[len(bucket.txns)-1]
	if current.Source != model.SourceCardOnly {
		current.Source = model.SourceEmailAndCard
	}
	current.LastAppliedTxnID = last.ID
	if current.Status == model.StatusCanceled {
		current.Status = model.StatusActive
		current.AutoCanceled = false
	}
	current.UpdatedAt = time.Now()
	return e.store.UpsertSubscription(ctx, current)
}

func (e *Engine) createCardOnly(ctx context.Context, userID, merchant string, bucket *txnBucket) error {
	for _, txn := range bucket.txns {
		charge := &model.Charge{
			UserID:              userID,
			Service:             merchant,
			Amount:              txn.Amount,
			Currency:            txn.Currency,
			BillingCycle:        bucket.cycle,
			ChargedAt:           txn.Date,
			SourceTransactionID: txn.ID,
			Kind:                model.KindSubscription,
			CreatedAt:           time.Now(),
		}
		if err := e.ApplyCharge(ctx, charge); err != nil {
			return err
		}
	}
	norm := model.NormalizeService(merchant)
	mu := e.keys.lock(subscriptionKey(userID, norm))
	defer mu.Unlock()
	current, err := e.store.GetSubscription(ctx, userID, norm)
	if err != nil {
		return err
	}
	current.Source = model.SourceCardOnly
	current.LastAppliedTxnID = bucket.txns[len(bucket.txns)-1].ID
	current.UpdatedAt = time.Now()
	return e.store.UpsertSubscription(ctx, current)
}

func blockedMerchant(norm string) bool {
	for _, blocked := range merchantBlocklist {
		if strings.Contains(norm, blocked) {
			return true
		}
	}
	return false
}

// txnBucket groups same-currency transactions whose amounts track a running
// average within 10%.
type txnBucket struct {
	currency string
	txns     []*model.CardTransaction // date-ascending
	sum      float64
	cycle    model.BillingCycle
}

func (b *txnBucket) meanAmount() float64 {
	if len(b.txns) == 0 {
		return 0
	}
	return b.sum / float64(len(b.txns))
}

func (b *txnBucket) accepts(txn *model.CardTransaction) bool {
	if txn.Currency != b.currency {
		return false
	}
	return withinTolerance(txn.Amount, b.meanAmount(), 0.10)
}

func (b *txnBucket) add(txn *model.CardTransaction) {
	b.txns = append(b.txns, txn)
	b.sum += txn.Amount
}

// stable reports whether every amount sits within 15% of the bucket mean.
func (b *txnBucket) stable() bool {
	mean := b.meanAmount()
	for _, txn := range b.txns {
		if !withinTolerance(txn.Amount, mean, 0.15) {
			return false
		}
	}
	return true
}

func (b *txnBucket) coversFullCycle() bool {
	span := b.txns[len(b.txns)-1].Date.Sub(b.txns[0].Date)
	switch b.cycle {
	case model.CycleWeekly:
		return span >= 5*24*time.Hour
	case model.CycleMonthly:
		return span >= 25*24*time.Hour
	case model.CycleYearly:
		return span >= 330*24*time.Hour
	default:
		return false
	}
}

// bestRecurringBucket buckets a merchant's transactions and returns the
// most-recent bucket that shows both a valid cadence and stable amounts, or
// nil when none qualifies.
func bestRecurringBucket(group []*model.CardTransaction) *txnBucket {
	sorted := make([]*model.CardTransaction, len(group))
	copy(sorted, group)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	var buckets []*txnBucket
	for _, txn := range sorted {
		placed := false
		for _, b := range buckets {
			if b.accepts(txn) {
				b.add(txn)
				placed = true
				break
			}
		}
		if !placed {
			b := &txnBucket{currency: txn.Currency}
			b.add(txn)
			buckets = append(buckets, b)
		}
	}

	var best *txnBucket
	for _, b := range buckets {
		if len(b.txns) < 2 {
			continue
		}
		b.cycle = InferCycle(txnDates(b.txns))
		if b.cycle == model.CycleUnknown || !b.stable() {
			continue
		}
		if best == nil || b.txns[len(b.txns)-1].Date.After(best.txns[len(best.txns)-1].Date) {
			best = b
		}
	}
	return best
}

func txnDates(txns []*model.CardTransaction) []time.Time {
	dates := make([]time.Time, len(txns))
	for i, txn := range txns {
		dates[i] = txn.Date
	}
	return dates
}

// InferCycle derives a billing cadence from the average gap between sorted
// charge dates. Gaps outside the recognized bands yield unknown.
func InferCycle(dates []time.Time) model.BillingCycle {
	if len(dates) < 2 {
		return model.CycleUnknown
	}
	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var total time.Duration
	for i := 1; i < len(sorted); i++ {
		total += sorted[i].Sub(sorted[i-1])
	}
	avgDays := total.Hours() / 24 / float64(len(sorted)-1)
	switch {
	case avgDays >= 5 && avgDays <= 9:
		return model.CycleWeekly
	case avgDays >= 20 && avgDays <= 40:
		return model.CycleMonthly
	case avgDays >= 330 && avgDays <= 400:
		return model.CycleYearly
	default:
		return model.CycleUnknown
	}
}

// matchSubscription scores candidates with text similarity plus a flat card
// bonus. Only candidates at similarity 0.6 or above with an amount inside 10%
// of the subscription's known amount are eligible; ties break toward the
// earlier-created subscription.
func matchSubscription(merchantNorm string, amount float64, subs []*model.Subscription) *model.Subscription {
	var (
		best      *model.Subscription
		bestScore float64
	)
	for _, sub := range subs {
		sim := textSimilarity(merchantNorm, sub.ServiceNormalized)
		if sim < 0.6 {
			continue
		}
		if !withinTolerance(amount, sub.MonthlyAmount, 0.10) {
			continue
		}
		score := sim + 0.1
		if best == nil || score > bestScore ||
			(score == bestScore && sub.CreatedAt.Before(best.CreatedAt)) {
			best = sub
			bestScore = score
		}
	}
	return best
}

func textSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.9
	}
	return jaccard(strings.Fields(a), strings.Fields(b))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, w := range b {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func withinTolerance(value, reference, tolerance float64) bool {
	if reference <= 0 {
		return false
	}
	diff := value - reference
	if diff < 0 {
		diff = -diff
	}
	return diff/reference <= tolerance
}
