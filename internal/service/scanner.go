package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/castlemilk/subtrack/internal/classify"
	"github.com/castlemilk/subtrack/internal/extraction"
	"github.com/castlemilk/subtrack/internal/mail"
	"github.com/castlemilk/subtrack/internal/model"
	"github.com/castlemilk/subtrack/internal/store"
)

// ScanMode selects how far back an ingestion scan reaches.
type ScanMode string

const (
	// ScanIncremental resumes from the last recorded scan, with a safety overlap.
	ScanIncremental ScanMode = "incremental"
	// ScanFull rebuilds the user's ledger and subscriptions from a year of mail.
	ScanFull ScanMode = "full"
)

const (
	scanWindow    = 365 * 24 * time.Hour
	scanOverlap   = 48 * time.Hour // re-reads the tail so a crashed scan loses nothing
	perMessageTTL = 90 * time.Second
)

// Scan lists candidate billing messages for the user and processes them with
// bounded concurrency. Per-message failures are logged and counted, never
// fatal; only a provider configuration failure aborts the scan.
func (e *Engine) Scan(ctx context.Context, userID string, mode ScanMode) (*model.ScanSummary, error) {
	if e.mail == nil {
		return nil, ErrMailNotLinked
	}
	source, err := e.mail.SourceForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMailNotLinked, err)
	}

	state, err := e.store.GetScanState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load scan state: %w", err)
	}

	scanStart := time.Now()
	after := scanStart.Add(-scanWindow)
	if mode == ScanIncremental && !state.LastScanAt.IsZero() {
		if overlap := state.LastScanAt.Add(-scanOverlap); overlap.After(after) {
			after = overlap
		}
	}

	if mode == ScanFull {
		// Full rebuild: drop the ledger and aggregates before reprocessing.
		if err := e.store.DeleteChargesForUser(ctx, userID); err != nil {
			return nil, fmt.Errorf("truncate charges: %w", err)
		}
		if err := e.store.DeleteSubscriptionsForUser(ctx, userID); err != nil {
			return nil, fmt.Errorf("truncate subscriptions: %w", err)
		}
	}

	ids, err := source.ListMessageIDs(ctx, mail.BuildQuery(after), e.cfg.MaxMessages)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	e.log.Info().Str("component", "scanner").Str("user", userID).Str("mode", string(mode)).
		Int("candidates", len(ids)).Time("after", after).Msg("scan started")

	var (
		mu      sync.Mutex
		summary model.ScanSummary
	)
	queue := make(chan string)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for id := range queue {
				outcome := e.processMessage(gctx, source, userID, id)
				mu.Lock()
				switch outcome {
				case outcomeCharge:
					summary.Processed++
					summary.NewCharges++
				case outcomeSuggestion:
					summary.Processed++
					summary.Suggestions++
				case outcomeProcessed:
					summary.Processed++
				case outcomeSkippedExisting:
					summary.SkippedExisting++
				case outcomeSkippedOther:
					summary.SkippedOther++
				}
				mu.Unlock()
			}
			return nil
		})
	}

	for _, id := range ids {
		select {
		case queue <- id:
		case <-gctx.Done():
		}
	}
	close(queue)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state.LastScanAt = scanStart
	if err := e.store.UpdateScanState(ctx, state); err != nil {
		return nil, fmt.Errorf("record scan state: %w", err)
	}

	scanProcessed.Add(float64(summary.Processed))
	scanNewCharges.Add(float64(summary.NewCharges))
	scanSkippedExisting.Add(float64(summary.SkippedExisting))
	scanSkippedOther.Add(float64(summary.SkippedOther))

	e.log.Info().Str("component", "scanner").Str("user", userID).
		Int("processed", summary.Processed).Int("newCharges", summary.NewCharges).
		Int("skippedExisting", summary.SkippedExisting).Int("skippedOther", summary.SkippedOther).
		Msg("scan completed")

	return &summary, nil
}

type messageOutcome int

const (
	outcomeProcessed messageOutcome = iota
	outcomeCharge
	outcomeSuggestion
	outcomeSkippedExisting
	outcomeSkippedOther
)

// processMessage runs the full pipeline for one message. All failures are
// converted to skip outcomes at this boundary.
func (e *Engine) processMessage(ctx context.Context, source mail.Source, userID, messageID string) messageOutcome {
	ctx, cancel := context.WithTimeout(ctx, perMessageTTL)
	defer cancel()

	log := e.log.With().Str("component", "scanner").Str("user", userID).Str("message", messageID).Logger()

	exists, err := e.store.ChargeExists(ctx, userID, "msg:"+messageID)
	if err != nil {
		log.Warn().Err(err).Msg("idempotency check failed")
		return outcomeSkippedOther
	}
	if exists {
		return outcomeSkippedExisting
	}

	msg, err := source.GetMessage(ctx, messageID)
	if err != nil {
		log.Warn().Err(err).Msg("fetch failed")
		return outcomeSkippedOther
	}

	senderDomain := extraction.SenderDomain(msg.From)
	rule, err := e.store.GetMerchantRule(ctx, userID, senderDomain)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Msg("merchant rule lookup failed")
		return outcomeSkippedOther
	}
	if rule != nil && rule.Ignore {
		return outcomeSkippedOther
	}

	text := msg.Text
	if msg.AttachmentText != "" {
		text = text + "\n" + msg.AttachmentText
	}

	var fields *extraction.StructuredFields
	if e.extractor != nil {
		fields, err = e.extractor.Extract(ctx, extraction.Input{
			Text:    text,
			Subject: msg.Subject,
			From:    msg.From,
			Snippet: msg.Snippet,
		})
		if err != nil {
			// Extractor failures degrade to the deterministic-only path.
			log.Warn().Err(err).Msg("extractor unavailable, using deterministic parse")
			fields = nil
		}
	}
	fields = extraction.ApplyFallback(fields, text, msg.Subject, msg.From)

	fields = classify.Apply(fields, classify.Email{
		From:            msg.From,
		Subject:         msg.Subject,
		Body:            text,
		AttachmentNames: msg.AttachmentNames,
	})
	applyMerchantDefaults(fields, rule)

	switch {
	case fields.IsBillingEvent():
		return e.commitBillingEvent(ctx, log, userID, msg, fields)
	case fields.Kind == model.KindStatusEvent:
		service := fields.Service
		if service == "" {
			service = extraction.ServiceFromSender(msg.From)
		}
		if err := e.ApplyStatusEvent(ctx, userID, service, fields.StatusEvent); err != nil {
			log.Warn().Err(err).Msg("status event failed")
			return outcomeSkippedOther
		}
		return outcomeProcessed
	default:
		return outcomeProcessed
	}
}

// commitBillingEvent either writes the charge directly or, when the
// extractor is unsure, parks it as a pending suggestion for review.
func (e *Engine) commitBillingEvent(ctx context.Context, log zerolog.Logger, userID string, msg *mail.Message, fields *extraction.StructuredFields) messageOutcome {
	chargedAt := fields.ChargeDate
	if chargedAt.IsZero() {
		chargedAt = msg.Date
	}

	if fields.Confidence >= e.cfg.AutoCommitConfidence {
		charge := &model.Charge{
			UserID:          userID,
			Service:         fields.Service,
			Amount:          fields.Amount,
			Currency:        fields.Currency,
			BillingCycle:    fields.BillingCycle,
			ChargedAt:       chargedAt,
			SourceMessageID: msg.ID,
			Category:        fields.Category,
			Kind:            fields.Kind,
			CreatedAt:       time.Now(),
		}
		if err := e.ApplyCharge(ctx, charge); err != nil {
			log.Warn().Err(err).Msg("charge commit failed")
			return outcomeSkippedOther
		}
		return outcomeCharge
	}

	exists, err := e.store.SuggestionExists(ctx, userID, msg.ID)
	if err != nil {
		log.Warn().Err(err).Msg("suggestion check failed")
		return outcomeSkippedOther
	}
	if exists {
		return outcomeSkippedExisting
	}
	suggestion := &model.PendingSuggestion{
		ID:              uuid.New().String(),
		UserID:          userID,
		SourceMessageID: msg.ID,
		Sender:          msg.From,
		Subject:         msg.Subject,
		Service:         fields.Service,
		Amount:          fields.Amount,
		Currency:        fields.Currency,
		BillingCycle:    fields.BillingCycle,
		Kind:            fields.Kind,
		Category:        fields.Category,
		ChargedAt:       chargedAt,
		Confidence:      fields.Confidence,
		Decision:        model.DecisionPending,
		CreatedAt:       time.Now(),
	}
	if err := e.store.CreateSuggestion(ctx, suggestion); err != nil {
		log.Warn().Err(err).Msg("suggestion write failed")
		return outcomeSkippedOther
	}
	return outcomeSuggestion
}

// applyMerchantDefaults fills unset fields from the user's sender memory.
func applyMerchantDefaults(fields *extraction.StructuredFields, rule *model.MerchantRule) {
	if rule == nil {
		return
	}
	if rule.DefaultService != "" && fields.Service == "" {
		fields.Service = rule.DefaultService
	}
	if rule.DefaultCycle != "" && rule.DefaultCycle != model.CycleUnknown && fields.BillingCycle == model.CycleUnknown {
		fields.BillingCycle = rule.DefaultCycle
	}
	if rule.DefaultCategory != "" && fields.Category == "" {
		fields.Category = rule.DefaultCategory
	}
}
