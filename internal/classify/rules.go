// Package classify post-processes extractor output with ordered deterministic
// rules. The probabilistic extractor is unreliable at the promotional/billing
// boundary; a small, ordered set of overrides is cheaper and more auditable
// than re-prompting.
package classify

import (
	"strings"

	"github.com/castlemilk/subtrack/internal/extraction"
	"github.com/castlemilk/subtrack/internal/model"
)

// Email is the raw message context the rules match against.
type Email struct {
	From            string
	Subject         string
	Body            string
	AttachmentNames []string
}

var promoKeywords = []string{
	"% off", "discount", "promo", "sale", "gift guide", "limited time",
	"special offer", "save now", "coupon",
}

var receiptKeywords = []string{
	"receipt", "invoice", "order confirmation", "payment received",
	"payment confirmation", "tax invoice", "billed", "charged",
	"your payment", "thanks for your order",
}

var onHoldKeywords = []string{
	"on hold", "account hold", "membership hold", "subscription paused",
}

var paymentFailedKeywords = []string{
	"payment failed", "payment declined", "payment was declined",
	"unable to process your payment", "update your payment method",
	"payment unsuccessful",
}

var trialKeywords = []string{
	"free trial", "trial started", "your trial", "start your trial",
	"trial period",
}

// ProviderRule forces a classification for senders whose emails are
// structurally unusual for the generic rules. New providers are table rows,
// not code changes.
type ProviderRule struct {
	DomainSuffix    string
	RequiredPhrases []string // any one must appear in subject or body
	Service         string
	DefaultCycle    model.BillingCycle
}

// providerRules compensates for providers whose billing emails omit the usual
// receipt markers.
var providerRules = []ProviderRule{
	{DomainSuffix: "paypal.com", RequiredPhrases: []string{"automatic payment", "recurring payment"}, Service: "PayPal Subscription", DefaultCycle: model.CycleMonthly},
	{DomainSuffix: "amazon.com", RequiredPhrases: []string{"prime membership", "your prime"}, Service: "Amazon Prime", DefaultCycle: model.CycleMonthly},
	{DomainSuffix: "apple.com", RequiredPhrases: []string{"subscription renewal", "your subscription", "app store subscription"}, Service: "Apple", DefaultCycle: model.CycleMonthly},
	{DomainSuffix: "google.com", RequiredPhrases: []string{"google one", "youtube premium", "google storage"}, Service: "Google One", DefaultCycle: model.CycleMonthly},
	{DomainSuffix: "patreon.com", RequiredPhrases: []string{"membership payment", "your pledge"}, Service: "Patreon", DefaultCycle: model.CycleMonthly},
}

// Apply runs the ordered heuristics over an extraction and returns the
// corrected fields. Each rule is a pure function of text pattern matches.
func Apply(fields *extraction.StructuredFields, email Email) *extraction.StructuredFields {
	text := strings.ToLower(email.Subject + "\n" + email.Body)

	hasPromo := containsAny(text, promoKeywords)
	hasReceipt := containsAny(text, receiptKeywords) || hasReceiptAttachment(email.AttachmentNames)

	// Hard gate: no zero-amount billing events.
	if fields.IsBillingEvent() && fields.Amount <= 0 {
		fields.Kind = model.KindMarketing
		fields.Amount = 0
	}

	// Promotional language without receipt evidence is marketing.
	if hasPromo && !hasReceipt {
		fields.Kind = model.KindMarketing
		fields.Amount = 0
	}

	// Status keyword sets override to status events, amount forced to zero.
	switch {
	case containsAny(text, paymentFailedKeywords):
		fields.Kind = model.KindStatusEvent
		fields.StatusEvent = model.EventPaymentFailed
		fields.Amount = 0
	case containsAny(text, onHoldKeywords):
		fields.Kind = model.KindStatusEvent
		fields.StatusEvent = model.EventOnHold
		fields.Amount = 0
	case containsAny(text, trialKeywords) && !fields.IsBillingEvent():
		fields.Kind = model.KindStatusEvent
		fields.StatusEvent = model.EventTrialStarted
		fields.Amount = 0
	}

	// Receipt promotion: an ambiguous extraction whose text carries receipt
	// evidence and a deterministically parsed positive amount is a real charge.
	if fields.Kind == model.KindUnknown && fields.Amount > 0 && hasReceipt {
		if fields.BillingCycle == model.CycleMonthly || fields.BillingCycle == model.CycleYearly || fields.BillingCycle == model.CycleWeekly {
			fields.Kind = model.KindSubscription
		} else {
			fields.Kind = model.KindOneTime
			fields.BillingCycle = model.CycleOneTime
		}
		// Receipt evidence plus a parsed amount is decisive regardless of how
		// unsure the extractor was.
		if fields.Confidence < 5 {
			fields.Confidence = 5
		}
	}

	// Known-provider overrides.
	forced := false
	domain := extraction.SenderDomain(email.From)
	for _, rule := range providerRules {
		if !matchesDomain(domain, rule.DomainSuffix) {
			continue
		}
		if !containsAny(text, lowerAll(rule.RequiredPhrases)) {
			continue
		}
		fields.Kind = model.KindSubscription
		if fields.BillingCycle == model.CycleUnknown || fields.BillingCycle == model.CycleOneTime {
			fields.BillingCycle = rule.DefaultCycle
		}
		if rule.Service != "" {
			fields.Service = rule.Service
		}
		if fields.Confidence < 5 {
			fields.Confidence = 5
		}
		forced = true
		break
	}

	// Final gate: billing events without receipt evidence but with promotional
	// language are demoted. Provider-forced events survive.
	if !forced && fields.IsBillingEvent() && !hasReceipt && hasPromo {
		fields.Kind = model.KindMarketing
		fields.Amount = 0
	}

	// The zero-amount invariant holds regardless of which rule fired last.
	if fields.IsBillingEvent() && fields.Amount <= 0 {
		fields.Kind = model.KindMarketing
		fields.Amount = 0
	}

	return fields
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func hasReceiptAttachment(names []string) bool {
	for _, n := range names {
		lower := strings.ToLower(n)
		if strings.Contains(lower, "receipt") || strings.Contains(lower, "invoice") {
			return true
		}
	}
	return false
}

func matchesDomain(domain, suffix string) bool {
	return domain == suffix || strings.HasSuffix(domain, "."+suffix)
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
