// Package model defines the domain types shared by the ingestion engine,
// the card reconciler and the stores.
package model

import (
	"regexp"
	"strings"
	"time"
)

// Kind classifies an extracted email signal.
type Kind string

const (
	KindSubscription Kind = "subscription"
	KindOneTime      Kind = "one_time"
	KindMarketing    Kind = "marketing"
	KindStatusEvent  Kind = "status_event"
	KindUnknown      Kind = "unknown"
)

// BillingCycle is the recurrence interval of a charge or subscription.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
	CycleWeekly  BillingCycle = "weekly"
	CycleOneTime BillingCycle = "one_time"
	CycleUnknown BillingCycle = "unknown"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrial    SubscriptionStatus = "trial"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusOnHold   SubscriptionStatus = "on_hold"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
	StatusUnknown  SubscriptionStatus = "unknown"
)

// StatusEventType identifies a subscription state signal that carries no charge.
type StatusEventType string

const (
	EventPaymentFailed StatusEventType = "payment_failed"
	EventOnHold        StatusEventType = "on_hold"
	EventCanceled      StatusEventType = "canceled"
	EventTrialStarted  StatusEventType = "trial_started"
	EventTrialOffer    StatusEventType = "trial_offer"
	EventReactivated   StatusEventType = "reactivated"
)

// SourceConfidence records which evidence streams corroborate a subscription.
type SourceConfidence string

const (
	SourceEmailOnly    SourceConfidence = "email_only"
	SourceCardOnly     SourceConfidence = "card_only"
	SourceEmailAndCard SourceConfidence = "email+card"
)

// SuggestionDecision is the review state of a pending suggestion.
type SuggestionDecision string

const (
	DecisionPending  SuggestionDecision = "pending"
	DecisionVerified SuggestionDecision = "verified"
	DecisionDeclined SuggestionDecision = "declined"
)

// Charge is an immutable ledger entry for a confirmed monetary event.
// Exactly one charge may exist per (UserID, SourceMessageID) and per
// (UserID, SourceTransactionID); charges are inserted, never mutated.
type Charge struct {
	ID                  string       `firestore:"id" json:"id"`
	UserID              string       `firestore:"userId" json:"userId"`
	Service             string       `firestore:"service" json:"service"`
	Amount              float64      `firestore:"amount" json:"amount"`
	Currency            string       `firestore:"currency" json:"currency"`
	BillingCycle        BillingCycle `firestore:"billingCycle" json:"billingCycle"`
	ChargedAt           time.Time    `firestore:"chargedAt" json:"chargedAt"`
	SourceMessageID     string       `firestore:"sourceMessageId" json:"sourceMessageId"`
	SourceTransactionID string       `firestore:"sourceTransactionId" json:"sourceTransactionId"`
	Category            string       `firestore:"category" json:"category"`
	Kind                Kind         `firestore:"kind" json:"kind"`
	CreatedAt           time.Time    `firestore:"createdAt" json:"createdAt"`
}

// SourceKey returns the ledger dedup key for this charge within a user.
func (c *Charge) SourceKey() string {
	if c.SourceMessageID != "" {
		return "msg:" + c.SourceMessageID
	}
	return "txn:" + c.SourceTransactionID
}

// Subscription is the canonical aggregate per (UserID, ServiceNormalized).
type Subscription struct {
	ID                    string             `firestore:"id" json:"id"`
	UserID                string             `firestore:"userId" json:"userId"`
	ServiceNormalized     string             `firestore:"serviceNormalized" json:"serviceNormalized"`
	DisplayService        string             `firestore:"displayService" json:"displayService"`
	Category              string             `firestore:"category" json:"category"`
	Currency              string             `firestore:"currency" json:"currency"`
	BillingCycle          BillingCycle       `firestore:"billingCycle" json:"billingCycle"`
	Status                SubscriptionStatus `firestore:"status" json:"status"`
	MonthlyAmount         float64            `firestore:"monthlyAmount" json:"monthlyAmount"`
	EstimatedMonthlySpend float64            `firestore:"estimatedMonthlySpend" json:"estimatedMonthlySpend"`
	FirstChargeAt         time.Time          `firestore:"firstChargeAt" json:"firstChargeAt"`
	LastChargeAt          time.Time          `firestore:"lastChargeAt" json:"lastChargeAt"`
	NextRenewal           time.Time          `firestore:"nextRenewal" json:"nextRenewal"`
	TotalCharges          int                `firestore:"totalCharges" json:"totalCharges"`
	TotalAmount           float64            `firestore:"totalAmount" json:"totalAmount"`
	Source                SourceConfidence   `firestore:"source" json:"source"`
	AutoCanceled          bool               `firestore:"autoCanceled" json:"autoCanceled"`
	LastAppliedTxnID      string             `firestore:"lastAppliedTxnId" json:"lastAppliedTxnId"`
	CreatedAt             time.Time          `firestore:"createdAt" json:"createdAt"`
	UpdatedAt             time.Time          `firestore:"updatedAt" json:"updatedAt"`
	DeletedAt             time.Time          `firestore:"deletedAt" json:"deletedAt"`
}

// Deleted reports whether the subscription has been soft-deleted.
func (s *Subscription) Deleted() bool {
	return !s.DeletedAt.IsZero()
}

// PendingSuggestion is a low-confidence extraction awaiting a human decision.
type PendingSuggestion struct {
	ID              string             `firestore:"id" json:"id"`
	UserID          string             `firestore:"userId" json:"userId"`
	SourceMessageID string             `firestore:"sourceMessageId" json:"sourceMessageId"`
	Sender          string             `firestore:"sender" json:"sender"`
	Subject         string             `firestore:"subject" json:"subject"`
	Service         string             `firestore:"service" json:"service"`
	Amount          float64            `firestore:"amount" json:"amount"`
	Currency        string             `firestore:"currency" json:"currency"`
	BillingCycle    BillingCycle       `firestore:"billingCycle" json:"billingCycle"`
	Kind            Kind               `firestore:"kind" json:"kind"`
	Category        string             `firestore:"category" json:"category"`
	ChargedAt       time.Time          `firestore:"chargedAt" json:"chargedAt"`
	Confidence      int                `firestore:"confidence" json:"confidence"` // 1..5
	Decision        SuggestionDecision `firestore:"decision" json:"decision"`
	CreatedAt       time.Time          `firestore:"createdAt" json:"createdAt"`
	ResolvedAt      time.Time          `firestore:"resolvedAt" json:"resolvedAt"`
}

// MerchantRule is per-user memory keyed by sender domain: either an ignore
// flag or default fields applied to future extractions from that sender.
type MerchantRule struct {
	ID              string       `firestore:"id" json:"id"`
	UserID          string       `firestore:"userId" json:"userId"`
	SenderDomain    string       `firestore:"senderDomain" json:"senderDomain"`
	Ignore          bool         `firestore:"ignore" json:"ignore"`
	DefaultService  string       `firestore:"defaultService" json:"defaultService"`
	DefaultCycle    BillingCycle `firestore:"defaultCycle" json:"defaultCycle"`
	DefaultCategory string       `firestore:"defaultCategory" json:"defaultCategory"`
	CreatedAt       time.Time    `firestore:"createdAt" json:"createdAt"`
}

// ScanState tracks per-user ingestion progress across invocations.
type ScanState struct {
	UserID         string    `firestore:"userId" json:"userId"`
	LastScanAt     time.Time `firestore:"lastScanAt" json:"lastScanAt"`
	CardSyncCursor string    `firestore:"cardSyncCursor" json:"cardSyncCursor"`
	UpdatedAt      time.Time `firestore:"updatedAt" json:"updatedAt"`
}

// CardTransaction is a normalized bank/card transaction from the sync provider.
type CardTransaction struct {
	ID       string
	UserID   string
	Merchant string
	Amount   float64
	Currency string
	Date     time.Time
}

// ScanSummary is the per-scan progress report returned to callers.
type ScanSummary struct {
	Processed       int `json:"processed"`
	NewCharges      int `json:"newCharges"`
	SkippedExisting int `json:"skippedExisting"`
	SkippedOther    int `json:"skippedOther"`
	Suggestions     int `json:"suggestions"`
}

var (
	legalSuffixRe = regexp.MustCompile(`(?i)[\s,]+(pty|ltd|inc|corp|llc|gmbh|bv|co|plc)\.?$`)
	noiseCharsRe  = regexp.MustCompile(`[*#|]+`)
	multiSpaceRe  = regexp.MustCompile(`\s{2,}`)
)

// NormalizeService lower-cases a service or merchant name and strips legal
// suffixes, separator noise and redundant whitespace so email- and
// card-derived names key the same subscription.
func NormalizeService(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = noiseCharsRe.ReplaceAllString(s, " ")
	for {
		stripped := legalSuffixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = strings.TrimSuffix(s, ".com")
	s = strings.TrimSuffix(s, ".io")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// MonthlyEstimate converts a per-cycle amount into an estimated monthly spend.
// One-time and unknown cycles do not contribute to recurring spend.
func MonthlyEstimate(cycle BillingCycle, amount float64) float64 {
	switch cycle {
	case CycleMonthly:
		return amount
	case CycleYearly:
		return amount / 12
	case CycleWeekly:
		return amount * 4.345
	default:
		return 0
	}
}

// CyclePeriod returns the nominal duration of one billing cycle.
// Unknown cycles report zero.
func CyclePeriod(cycle BillingCycle) time.Duration {
	switch cycle {
	case CycleWeekly:
		return 7 * 24 * time.Hour
	case CycleMonthly:
		return 30 * 24 * time.Hour
	case CycleYearly:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}

// GracePeriod is the extra window beyond one cycle before a missing charge is
// treated as a cancellation signal.
func GracePeriod(cycle BillingCycle) time.Duration {
	switch cycle {
	case CycleWeekly:
		return 14 * 24 * time.Hour
	case CycleMonthly:
		return 30 * 24 * time.Hour
	case CycleYearly:
		return 90 * 24 * time.Hour
	default:
		return 0
	}
}

// NextRenewalFrom projects the next expected renewal after the given charge time.
func NextRenewalFrom(chargedAt time.Time, cycle BillingCycle) time.Time {
	switch cycle {
	case CycleWeekly:
		return chargedAt.AddDate(0, 0, 7)
	case CycleMonthly:
		return chargedAt.AddDate(0, 1, 0)
	case CycleYearly:
		return chargedAt.AddDate(1, 0, 0)
	default:
		return time.Time{}
	}
}
