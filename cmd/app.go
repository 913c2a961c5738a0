package cmd

import (
	"cequeue/internal/celog"
	"cequeue/internal/config"
	"cequeue/internal/infra"
	"cequeue/internal/logging"
	"cequeue/internal/metrics"
	"cequeue/internal/ports"
	"cequeue/internal/usecase"
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// app holds what every command shares: configuration, logging, the
// store and the queue on top of it.
type app struct {
	cfg      *config.Config
	store    ports.QueueStore
	queue    *usecase.Queue
	recorder *metrics.Recorder
	provider *metrics.Provider
	logs     *celog.Logs
}

func bootstrap(ctx context.Context, migrate bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	_, out := logging.Setup(cfg.Log)

	store, err := infra.OpenStore(ctx, cfg, migrate)
	if err != nil {
		return nil, err
	}

	provider := metrics.NewProvider(cfg.Metrics.Enabled)
	q := usecase.NewQueue(store, nil)
	rec, err := metrics.NewRecorder(provider.Meter, q.Counts)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	q.Metrics = rec

	log.Ctx(ctx).Info().
		Str("store", cfg.Store.Driver).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("compute engine runtime ready")

	return &app{
		cfg:      cfg,
		store:    store,
		queue:    q,
		recorder: rec,
		provider: provider,
		logs:     &celog.Logs{Dir: cfg.CE.LogsDir, Out: out},
	}, nil
}

func (r *app) close(ctx context.Context) {
	if err := r.provider.Shutdown(ctx); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("metrics shutdown failed")
	}
	if err := r.store.Close(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("store close failed")
	}
}
