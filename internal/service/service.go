// Package service implements the signal ingestion and reconciliation engine:
// the scan worker pool, the subscription aggregator, the card-transaction
// reconciler and the lifecycle sweeper.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/castlemilk/subtrack/internal/extraction"
	"github.com/castlemilk/subtrack/internal/mail"
	"github.com/castlemilk/subtrack/internal/model"
	"github.com/castlemilk/subtrack/internal/store"
)

// ErrMailNotLinked is returned when no mail source can be opened for a user.
// This is a configuration error: the scan aborts before any processing.
var ErrMailNotLinked = errors.New("mail provider not linked for user")

// Extractor is the probabilistic extraction dependency.
type Extractor interface {
	Extract(ctx context.Context, in extraction.Input) (*extraction.StructuredFields, error)
}

// CardSyncer pulls the user's card-transaction feed.
type CardSyncer interface {
	SyncAll(ctx context.Context, userID, accessToken, cursor string) ([]*model.CardTransaction, string, error)
}

// Config tunes the engine.
type Config struct {
	// Workers is the scan concurrency degree.
	Workers int
	// MaxMessages bounds how many candidate message IDs a scan lists.
	MaxMessages int64
	// AutoCommitConfidence is the minimum extractor confidence (1..5) for a
	// billing event to commit directly instead of entering review.
	AutoCommitConfidence int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 500
	}
	if c.AutoCommitConfidence <= 0 {
		c.AutoCommitConfidence = 4
	}
	return c
}

// Engine coordinates the ingestion pipeline over the store.
type Engine struct {
	store     store.Store
	mail      mail.SourceFactory
	extractor Extractor
	cards     CardSyncer
	cfg       Config
	log       zerolog.Logger

	keys keyedMutex
}

// NewEngine creates the engine. mailFactory, extractor and cards may be nil in
// deployments that only serve the read API; the corresponding operations then
// return configuration errors.
func NewEngine(st store.Store, mailFactory mail.SourceFactory, extractor Extractor, cards CardSyncer, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:     st,
		mail:      mailFactory,
		extractor: extractor,
		cards:     cards,
		cfg:       cfg.withDefaults(),
		log:       log,
	}
}

// keyedMutex serializes writers per (userID, serviceNormalized) key. The
// subscription aggregate is the only shared-mutable hot spot: both the email
// and card paths write it, and must not interleave on the same key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m
}

func subscriptionKey(userID, serviceNormalized string) string {
	return userID + "|" + serviceNormalized
}
