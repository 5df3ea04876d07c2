package extraction

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/castlemilk/subtrack/internal/model"
)

// StructuredFields is the validated output of the extraction pipeline for a
// single message. Kind discriminates the union: a billing event carries a
// positive amount, a status event carries StatusEvent, everything else is
// non-billing with amount zero.
type StructuredFields struct {
	Service      string
	Category     string
	Amount       float64
	Currency     string
	BillingCycle model.BillingCycle
	Kind         model.Kind
	StatusEvent  model.StatusEventType
	ChargeDate   time.Time
	Confidence   int // 1..5, extractor self-reported
}

// IsBillingEvent reports whether the fields describe a confirmed charge.
func (f *StructuredFields) IsBillingEvent() bool {
	return f.Kind == model.KindSubscription || f.Kind == model.KindOneTime
}

// Validate normalizes a raw extraction into a well-formed union member.
// Malformed shapes are defaulted rather than trusted: a billing event without
// a positive amount or a service name is demoted, a status event without a
// known event type becomes unknown.
func (f *StructuredFields) Validate() {
	f.Kind = normalizeKind(f.Kind)
	f.BillingCycle = normalizeCycle(f.BillingCycle)
	f.Currency = strings.ToUpper(strings.TrimSpace(f.Currency))
	f.Service = strings.TrimSpace(f.Service)

	if f.Confidence < 1 {
		f.Confidence = 1
	}
	if f.Confidence > 5 {
		f.Confidence = 5
	}

	switch {
	case f.IsBillingEvent():
		if f.Amount <= 0 || f.Service == "" {
			f.Kind = model.KindUnknown
			f.Amount = 0
		}
		if f.Kind == model.KindOneTime {
			f.BillingCycle = model.CycleOneTime
		}
	case f.Kind == model.KindStatusEvent:
		if !knownStatusEvent(f.StatusEvent) {
			f.Kind = model.KindUnknown
			f.StatusEvent = ""
		}
		f.Amount = 0
	default:
		f.Amount = 0
		f.StatusEvent = ""
	}
}

func normalizeKind(k model.Kind) model.Kind {
	switch k {
	case model.KindSubscription, model.KindOneTime, model.KindMarketing, model.KindStatusEvent:
		return k
	default:
		return model.KindUnknown
	}
}

func normalizeCycle(c model.BillingCycle) model.BillingCycle {
	switch c {
	case model.CycleMonthly, model.CycleYearly, model.CycleWeekly, model.CycleOneTime:
		return c
	default:
		return model.CycleUnknown
	}
}

func knownStatusEvent(e model.StatusEventType) bool {
	switch e {
	case model.EventPaymentFailed, model.EventOnHold, model.EventCanceled,
		model.EventTrialStarted, model.EventTrialOffer, model.EventReactivated:
		return true
	}
	return false
}

var serviceCaser = cases.Title(language.English)

// ServiceFromSender derives a fallback service name from the sender address:
// the registrable domain label, title-cased. "no-reply@spotify.com" -> "Spotify".
func ServiceFromSender(from string) string {
	addr := from
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	domain := strings.ToLower(strings.TrimSpace(addr[at+1:]))

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return ""
	}
	// Drop the TLD (and a second-level public suffix like "co.uk", "com.au").
	cut := len(labels) - 1
	if cut >= 2 && (labels[cut-1] == "co" || labels[cut-1] == "com") && len(labels[cut]) == 2 {
		cut--
	}
	name := labels[cut-1]
	// Mailer subdomains ("mail", "email", "billing") sit one label deeper.
	switch name {
	case "mail", "email", "billing", "notify", "noreply", "no-reply":
		if cut >= 2 {
			name = labels[cut-2]
		}
	}
	if name == "" {
		return ""
	}
	return serviceCaser.String(name)
}

// SenderDomain extracts the full lower-cased domain of a From header.
func SenderDomain(from string) string {
	addr := from
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}
