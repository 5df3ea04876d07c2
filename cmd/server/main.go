package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/oauth2"

	"github.com/castlemilk/subtrack/internal/cards"
	"github.com/castlemilk/subtrack/internal/extraction"
	"github.com/castlemilk/subtrack/internal/logger"
	"github.com/castlemilk/subtrack/internal/mail"
	"github.com/castlemilk/subtrack/internal/service"
	"github.com/castlemilk/subtrack/internal/store"
)

func main() {
	log := logger.New()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8112"
	}

	ctx := context.Background()

	useMemoryStore := os.Getenv("USE_MEMORY_STORE") == "true" || os.Getenv("ENV") == "local"

	var storeImpl store.Store
	if useMemoryStore {
		log.Info().Msg("using in-memory store for local development")
		storeImpl = store.NewMemoryStore()
	} else {
		projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
		if projectID == "" {
			log.Fatal().Msg("GOOGLE_CLOUD_PROJECT is required when not using the memory store")
		}
		firestoreClient, err := firestore.NewClient(ctx, projectID)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create Firestore client")
		}
		defer firestoreClient.Close()
		storeImpl = store.NewFirestoreStore(firestoreClient)
	}

	var extractor service.Extractor
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		extractor = extraction.NewClient(apiKey)
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set, scans will be rejected")
	}

	var mailFactory mail.SourceFactory
	if token := os.Getenv("GMAIL_ACCESS_TOKEN"); token != "" {
		// Single-token mode for development. Production deployments supply a
		// per-user token resolver backed by the OAuth consent flow.
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		mailFactory = &mail.GmailFactory{
			Tokens: func(ctx context.Context, userID string) (oauth2.TokenSource, error) {
				return ts, nil
			},
		}
	} else {
		log.Warn().Msg("GMAIL_ACCESS_TOKEN not set, scans will be rejected")
	}

	var cardSyncer service.CardSyncer
	if syncURL := os.Getenv("CARD_SYNC_URL"); syncURL != "" {
		cardSyncer = cards.NewClient(syncURL)
	} else {
		log.Warn().Msg("CARD_SYNC_URL not set, card reconciliation disabled")
	}

	cfg := service.Config{}
	if workers, err := strconv.Atoi(os.Getenv("SCAN_WORKERS")); err == nil {
		cfg.Workers = workers
	}

	engine := service.NewEngine(storeImpl, mailFactory, extractor, cardSyncer, cfg, log)

	mux := http.NewServeMux()
	service.NewHandler(engine).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: []string{
			"http://localhost:1234",
			"http://127.0.0.1:1234",
		},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"User-Agent",
		},
		AllowCredentials: true,
	})
	handler := c.Handler(mux)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}

	log.Info().Str("port", port).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
