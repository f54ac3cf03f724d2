package sync

import (
	"context"
	gosync "sync"

	"mispbridge/internal/auth"
	"mispbridge/internal/domain/models"
	"mispbridge/internal/misp"
	"mispbridge/internal/store"
	"mispbridge/internal/streaming"
	"mispbridge/pkg/logger"
)

// backfillConcurrency bounds how many alerts are re-hydrated at once.
const backfillConcurrency = 5

// BackfillWorker re-populates MISP alerts whose artifact arrays are empty.
// It listens for the UpdateMispAlertArtifact domain event and re-fetches
// the full attribute set from each alert's source instance.
type BackfillWorker struct {
	bus         *streaming.Bus
	registry    *misp.Registry
	transformer *misp.Transformer
	alerts      store.AlertStore
	logger      *logger.Logger
}

// NewBackfillWorker creates a new BackfillWorker.
func NewBackfillWorker(
	bus *streaming.Bus,
	registry *misp.Registry,
	transformer *misp.Transformer,
	alerts store.AlertStore,
	log *logger.Logger,
) *BackfillWorker {
	return &BackfillWorker{
		bus:         bus,
		registry:    registry,
		transformer: transformer,
		alerts:      alerts,
		logger:      log.WithComponent("misp-backfill"),
	}
}

// Start subscribes the worker to the event bus.
func (w *BackfillWorker) Start() {
	w.bus.Subscribe(streaming.EventKindUpdateMispAlertArtifact, w.handle)
	w.logger.Info().Msg("backfill worker subscribed")
}

// handle re-hydrates every misp alert without observables. Instance lookup
// failures are logged and the rest of the batch continues.
func (w *BackfillWorker) handle(ctx context.Context, _ streaming.Event) {
	ctx = auth.With(ctx, auth.InitIdentity())

	alerts, err := w.alerts.Find(ctx, models.AlertQuery{Type: models.AlertTypeMISP})
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list misp alerts")
		return
	}

	sem := make(chan struct{}, backfillConcurrency)
	var wg gosync.WaitGroup

	filled := 0
	for _, alert := range alerts {
		if len(alert.Artifacts) > 0 {
			continue
		}
		filled++

		wg.Add(1)
		sem <- struct{}{}
		go func(alert *models.Alert) {
			defer wg.Done()
			defer func() { <-sem }()
			w.backfill(ctx, alert)
		}(alert)
	}
	wg.Wait()

	w.logger.Info().Int("alerts", filled).Msg("backfill completed")
}

// backfill overwrites one alert's artifacts with the full attribute set.
func (w *BackfillWorker) backfill(ctx context.Context, alert *models.Alert) {
	log := w.logger.WithInstance(alert.Source)

	inst, err := w.registry.Get(alert.Source)
	if err != nil {
		log.Warn().Err(err).Str("source_ref", alert.SourceRef).Msg("instance not configured, skipping alert")
		return
	}

	attrs, err := inst.Client.Attributes(ctx, alert.SourceRef, nil)
	if err != nil {
		log.Warn().Err(err).Str("source_ref", alert.SourceRef).Msg("attribute fetch failed")
		return
	}

	artifacts := make([]models.Artifact, 0, len(attrs))
	for _, attr := range attrs {
		artifacts = append(artifacts, w.transformer.Artifacts(inst, attr, nil)...)
	}

	if _, err := w.alerts.Update(ctx, alert.ID, models.AlertUpdate{Artifacts: artifacts}); err != nil {
		log.Warn().Err(err).Str("source_ref", alert.SourceRef).Msg("failed to update alert artifacts")
		return
	}

	log.Debug().Str("source_ref", alert.SourceRef).Int("artifacts", len(artifacts)).Msg("alert backfilled")
}
