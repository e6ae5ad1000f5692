package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"medxplorer/api/internal/answer"
	"medxplorer/api/internal/config"
	"medxplorer/api/internal/conversation"
	"medxplorer/api/internal/export"
	"medxplorer/api/internal/ingest"
	"medxplorer/api/internal/search"
	"medxplorer/api/internal/store"
)

// Runtime is the wired set of components shared by the API server and the CLI.
type Runtime struct {
	Config        config.Config
	Backend       store.Backend
	Conversations *conversation.Store
	Search        *search.Service
	Export        *export.Service
	Ingest        *ingest.Client
	Service       *Service

	meili *search.Meili
}

// Bootstrap opens the configured backend, loads the conversations and wires
// search, export and ingestion around them.
func Bootstrap(ctx context.Context, cfg config.Config) (*Runtime, error) {
	backend, err := store.OpenBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Storage, err)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, nil)

	// The chat and upload clients share one connection pool to the API.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 8

	answers := answer.New(cfg.APIBaseURL,
		answer.WithHTTPClient(&http.Client{Transport: transport}),
		answer.WithTimeout(cfg.AnswerTimeout),
		answer.WithRatePerMinute(cfg.AnswerRatePerMin),
	)

	conversations, err := conversation.Open(ctx, conversation.Options{
		Answers:       answers,
		Backend:       backend,
		Key:           cfg.StateKey,
		FlushInterval: cfg.FlushInterval,
		Observers:     []conversation.Observer{searchService},
	})
	if err != nil {
		searchService.Close()
		if meiliClient != nil {
			meiliClient.Close()
		}
		_ = backend.Close()
		return nil, fmt.Errorf("open conversations: %w", err)
	}
	searchService.SetSource(conversations)
	searchService.ReindexAll()

	ingestClient := ingest.NewClient(cfg.APIBaseURL,
		ingest.WithHTTPClient(&http.Client{Transport: transport}),
		ingest.WithTimeout(cfg.UploadTimeout),
	)
	exportService := export.NewService(conversations)

	rt := &Runtime{
		Config:        cfg,
		Backend:       backend,
		Conversations: conversations,
		Search:        searchService,
		Export:        exportService,
		Ingest:        ingestClient,
		meili:         meiliClient,
	}
	rt.Service = New(Deps{
		Conversations: conversations,
		Search:        searchService,
		Export:        exportService,
		Uploader:      ingestClient,
	})

	log.Info().
		Str("component", "app").
		Str("storage", cfg.Storage).
		Str("search", searchService.Backend()).
		Str("api_base_url", cfg.APIBaseURL).
		Msg("runtime ready")
	return rt, nil
}

// Close drains in-flight answers, writes the final state and releases the backend.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.Conversations.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close conversations: %w", err))
	}
	rt.Search.Close()
	if rt.meili != nil {
		rt.meili.Close()
	}
	if err := rt.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	return errors.Join(errs...)
}
