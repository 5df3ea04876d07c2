package extraction

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/castlemilk/subtrack/internal/model"
)

// Deterministic signal parsing. Used as the fallback and cross-check when the
// probabilistic extractor returns a zero or missing amount: regexes over the
// raw text recover currency amounts and billing-cycle keywords.

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
}

var (
	symbolAmountRe = regexp.MustCompile(`([$€£¥])\s?(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	isoPrefixRe    = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|AUD|CAD|NZD|SGD|JPY|CHF|SEK)\s?\$?\s?(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	isoSuffixRe    = regexp.MustCompile(`(?i)(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)\s?(USD|EUR|GBP|AUD|CAD|NZD|SGD|JPY|CHF|SEK)\b`)
	keywordAmtRe   = regexp.MustCompile(`(?i)\b(?:total|amount|price|charged|paid)\b[^\d$€£¥\n]{0,12}[$€£¥]?\s?(\d{1,3}(?:,\d{3})*(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
)

var (
	monthlyRe = regexp.MustCompile(`(?i)\b(monthly|per\s+month|/\s*mo(?:nth)?|each\s+month|every\s+month)\b`)
	yearlyRe  = regexp.MustCompile(`(?i)\b(annual(?:ly)?|yearly|per\s+year|/\s*y(?:ea)?r|every\s+year)\b`)
	weeklyRe  = regexp.MustCompile(`(?i)\b(weekly|per\s+week|/\s*week|every\s+week)\b`)
	parenRe   = regexp.MustCompile(`(?i)\(\s*(\d+)\s*(month|year|week)s?\s*\)`)
)

// ParseAmount scans text for a currency amount. It tries, in order:
// symbol-prefixed ($9.99), ISO-code prefixed or suffixed (USD 9.99 / 9.99 EUR),
// and total/amount/price keyword-anchored numbers. Returns the first positive
// amount and the detected currency (empty when only a bare number matched).
func ParseAmount(text string) (float64, string) {
	if m := symbolAmountRe.FindStringSubmatch(text); m != nil {
		if amt, ok := parseDecimal(m[2]); ok {
			return amt, currencySymbols[m[1]]
		}
	}
	if m := isoPrefixRe.FindStringSubmatch(text); m != nil {
		if amt, ok := parseDecimal(m[2]); ok {
			return amt, strings.ToUpper(m[1])
		}
	}
	if m := isoSuffixRe.FindStringSubmatch(text); m != nil {
		if amt, ok := parseDecimal(m[1]); ok {
			return amt, strings.ToUpper(m[2])
		}
	}
	if m := keywordAmtRe.FindStringSubmatch(text); m != nil {
		if amt, ok := parseDecimal(m[1]); ok {
			return amt, ""
		}
	}
	return 0, ""
}

// parseDecimal parses a human-formatted amount ("1,234.56") exactly before
// converting to float64.
func parseDecimal(s string) (float64, bool) {
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
	if err != nil || !d.IsPositive() {
		return 0, false
	}
	return d.InexactFloat64(), true
}

// ParseCycle scans text for billing-cycle language.
func ParseCycle(text string) model.BillingCycle {
	if m := parenRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch strings.ToLower(m[2]) {
		case "month":
			// "(12 months)" is an annual plan billed once.
			if n >= 12 {
				return model.CycleYearly
			}
			return model.CycleMonthly
		case "year":
			return model.CycleYearly
		case "week":
			return model.CycleWeekly
		}
	}
	switch {
	case monthlyRe.MatchString(text):
		return model.CycleMonthly
	case yearlyRe.MatchString(text):
		return model.CycleYearly
	case weeklyRe.MatchString(text):
		return model.CycleWeekly
	}
	return model.CycleUnknown
}

// ApplyFallback re-scans the raw text when the extractor produced no positive
// amount. The deterministic result overrides the extractor's fields only when
// it finds a positive amount. A nil fields input starts from an empty record
// (extractor unavailable or unusable).
func ApplyFallback(fields *StructuredFields, text, subject, from string) *StructuredFields {
	if fields == nil {
		fields = &StructuredFields{Kind: model.KindUnknown, BillingCycle: model.CycleUnknown, Confidence: 1}
	}

	if fields.Amount <= 0 {
		full := subject + "\n" + text
		if amt, currency := ParseAmount(full); amt > 0 {
			fields.Amount = amt
			if currency != "" {
				fields.Currency = currency
			}
			if cycle := ParseCycle(full); cycle != model.CycleUnknown {
				fields.BillingCycle = cycle
			}
		}
	}

	if fields.Service == "" {
		fields.Service = ServiceFromSender(from)
	}
	return fields
}
