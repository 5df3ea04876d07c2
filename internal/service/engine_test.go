package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/castlemilk/subtrack/internal/extraction"
	"github.com/castlemilk/subtrack/internal/mail"
	"github.com/castlemilk/subtrack/internal/model"
	"github.com/castlemilk/subtrack/internal/store"
)

// fakeSource serves canned messages keyed by ID.
type fakeSource struct {
	messages map[string]*mail.Message
	failIDs  map[string]bool
}

func (f *fakeSource) ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error) {
	ids := make([]string, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	for id := range f.failIDs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeSource) GetMessage(ctx context.Context, id string) (*mail.Message, error) {
	if f.failIDs[id] {
		return nil, fmt.Errorf("fetch of %s failed", id)
	}
	msg, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("no message %s", id)
	}
	return msg, nil
}

type fakeFactory struct {
	source  mail.Source
	openErr error
}

func (f *fakeFactory) SourceForUser(ctx context.Context, userID string) (mail.Source, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.source, nil
}

// fakeExtractor returns canned fields keyed by message subject; unknown
// subjects degrade to the deterministic path.
type fakeExtractor struct {
	bySubject map[string]*extraction.StructuredFields
	err       error
}

func (f *fakeExtractor) Extract(ctx context.Context, in extraction.Input) (*extraction.StructuredFields, error) {
	if f.err != nil {
		return nil, f.err
	}
	fields, ok := f.bySubject[in.Subject]
	if !ok {
		return nil, nil
	}
	clone := *fields
	return &clone, nil
}

type fakeCardSyncer struct {
	txns   []*model.CardTransaction
	cursor string
	err    error
}

func (f *fakeCardSyncer) SyncAll(ctx context.Context, userID, accessToken, cursor string) ([]*model.CardTransaction, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.txns, f.cursor, nil
}

func newTestEngine(st store.Store, factory mail.SourceFactory, extractor Extractor, cards CardSyncer) *Engine {
	return NewEngine(st, factory, extractor, cards, Config{Workers: 2}, zerolog.Nop())
}

func day(d int) time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
}
