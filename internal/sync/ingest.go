package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	gosync "sync"

	"github.com/google/uuid"

	"mispbridge/internal/domain/models"
	"mispbridge/internal/misp"
	"mispbridge/internal/store"
	"mispbridge/pkg/logger"
)

// Outcome is the per-event result of a synchronization run.
type Outcome struct {
	Instance  string
	SourceRef string
	Alert     *models.Alert
	Err       error
}

// Success reports whether the event was ingested.
func (o Outcome) Success() bool {
	return o.Err == nil
}

// IngestionPipeline pulls newly published events from every configured
// instance and creates or updates the matching alerts.
type IngestionPipeline struct {
	registry    *misp.Registry
	transformer *misp.Transformer
	attachments *misp.AttachmentHandler
	alerts      store.AlertStore
	cases       store.CaseStore
	artifacts   store.ArtifactStore
	blobs       store.AttachmentStore
	logger      *logger.Logger
}

// NewIngestionPipeline creates a new IngestionPipeline.
func NewIngestionPipeline(
	registry *misp.Registry,
	transformer *misp.Transformer,
	attachments *misp.AttachmentHandler,
	alerts store.AlertStore,
	cases store.CaseStore,
	artifacts store.ArtifactStore,
	blobs store.AttachmentStore,
	log *logger.Logger,
) *IngestionPipeline {
	return &IngestionPipeline{
		registry:    registry,
		transformer: transformer,
		attachments: attachments,
		alerts:      alerts,
		cases:       cases,
		artifacts:   artifacts,
		blobs:       blobs,
		logger:      log.WithComponent("misp-ingest"),
	}
}

// Synchronize runs a delta sync across all instances: only events published
// after each instance's watermark are considered, and only attributes newer
// than each alert's last sync date are fetched.
func (p *IngestionPipeline) Synchronize(ctx context.Context) []Outcome {
	return p.run(ctx, false)
}

// FullSynchronize disables delta filtering and re-evaluates every event.
func (p *IngestionPipeline) FullSynchronize(ctx context.Context) []Outcome {
	return p.run(ctx, true)
}

// run fans instances out onto goroutines; events within one instance stay
// strictly sequential so updates to the same alert never race.
func (p *IngestionPipeline) run(ctx context.Context, full bool) []Outcome {
	instances := p.registry.List()

	var (
		mu       gosync.Mutex
		wg       gosync.WaitGroup
		outcomes []Outcome
	)

	for _, inst := range instances {
		wg.Add(1)
		go func(inst *misp.Instance) {
			defer wg.Done()
			batch := p.syncInstance(ctx, inst, full)
			mu.Lock()
			outcomes = append(outcomes, batch...)
			mu.Unlock()
		}(inst)
	}
	wg.Wait()

	return outcomes
}

// syncInstance processes one instance's batch. An instance-level failure
// drops the batch without advancing the watermark; the next cycle retries
// from the last successful high-water mark.
func (p *IngestionPipeline) syncInstance(ctx context.Context, inst *misp.Instance, full bool) []Outcome {
	log := p.logger.WithInstance(inst.Name)

	var watermark *int64
	if !full {
		w, err := p.alerts.MaxLastSyncDate(ctx, models.AlertTypeMISP, inst.Name)
		if err != nil {
			log.Error().Err(err).Msg("failed to compute watermark, dropping batch")
			return nil
		}
		watermark = &w
	}

	var publishedAfter int64
	if watermark != nil {
		publishedAfter = *watermark
	}

	summaries, skipped, err := inst.Client.EventIndex(ctx, publishedAfter)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch event index, dropping batch")
		return nil
	}
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("some index entries failed to parse")
	}

	log.Info().Int("events", len(summaries)).Bool("full", full).Msg("processing event index")

	outcomes := make([]Outcome, 0, len(summaries))
	for _, summary := range summaries {
		alert, err := p.syncEvent(ctx, inst, summary, watermark, full)
		if err != nil {
			log.Warn().Err(err).Str("event", summary.SourceRef).Msg("event sync failed")
		}
		outcomes = append(outcomes, Outcome{
			Instance:  inst.Name,
			SourceRef: summary.SourceRef,
			Alert:     alert,
			Err:       err,
		})
	}

	return outcomes
}

// syncEvent resolves one event against the alert store and applies the
// create-or-update decision. Panics are contained so one broken event can
// never abort the instance batch.
func (p *IngestionPipeline) syncEvent(ctx context.Context, inst *misp.Instance, summary misp.EventSummary, watermark *int64, full bool) (alert *models.Alert, err error) {
	defer func() {
		if r := recover(); r != nil {
			alert, err = nil, fmt.Errorf("event %s: panic: %v", summary.SourceRef, r)
		}
	}()

	existing, err := p.alerts.Get(ctx, models.AlertTypeMISP, summary.Source, summary.SourceRef)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &misp.PersistenceError{Op: "get alert", Err: err}
	}

	// Unfollowed alerts are left exactly as they are outside full sync.
	if existing != nil && !existing.Follow && !full {
		return existing, nil
	}

	var since *int64
	if watermark != nil && existing != nil {
		since = &existing.LastSyncDate
	}

	attrs, err := inst.Client.Attributes(ctx, summary.SourceRef, since)
	if err != nil {
		return nil, err
	}

	var artifacts []models.Artifact
	for _, attr := range attrs {
		artifacts = append(artifacts, p.transformer.Artifacts(inst, attr, since)...)
	}

	if existing == nil {
		return p.createAlert(ctx, inst, summary, artifacts)
	}
	return p.updateAlert(ctx, inst, summary, existing, artifacts, full)
}

func (p *IngestionPipeline) createAlert(ctx context.Context, inst *misp.Instance, summary misp.EventSummary, artifacts []models.Artifact) (*models.Alert, error) {
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}

	alert := &models.Alert{
		Type:         models.AlertTypeMISP,
		Source:       summary.Source,
		SourceRef:    summary.SourceRef,
		Title:        summary.Info,
		Description:  fmt.Sprintf("Imported from MISP event #%s on instance %s", summary.SourceRef, inst.Name),
		Severity:     severityFor(summary.ThreatLevel),
		Date:         summary.Date,
		LastSyncDate: summary.PublishTimestamp.Unix(),
		Status:       models.AlertStatusNew,
		Follow:       true,
		CaseTemplate: inst.CaseTemplate,
		Tags:         summary.Tags,
		TLP:          models.TLPAmber,
		Artifacts:    artifacts,
	}

	created, err := p.alerts.Create(ctx, alert)
	if err != nil {
		return nil, &misp.PersistenceError{Op: "create alert", Err: err}
	}
	return created, nil
}

// updateAlert rewrites the alert's artifact array and recomputes status;
// type, source, sourceRef, caseTemplate and date are never touched. A
// delta fetch only returns attributes newer than the alert's last sync,
// so the fresh artifacts join the existing array; a full sync re-fetched
// everything and replaces it. When a case was opened from the alert, its
// fields are merged and the new observables appended to it.
func (p *IngestionPipeline) updateAlert(ctx context.Context, inst *misp.Instance, summary misp.EventSummary, existing *models.Alert, artifacts []models.Artifact, full bool) (*models.Alert, error) {
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}

	merged := artifacts
	if !full {
		merged = append(append([]models.Artifact{}, existing.Artifacts...), artifacts...)
	}

	lastSync := summary.PublishTimestamp.Unix()
	severity := severityFor(summary.ThreatLevel)

	upd := models.AlertUpdate{
		Title:        &summary.Info,
		Severity:     &severity,
		LastSyncDate: &lastSync,
		Tags:         summary.Tags,
		Artifacts:    merged,
	}
	if !full {
		status := models.AlertStatusUpdated
		if existing.Status == models.AlertStatusNew {
			status = models.AlertStatusNew
		}
		upd.Status = &status
	}

	updated, err := p.alerts.Update(ctx, existing.ID, upd)
	if err != nil {
		return nil, &misp.PersistenceError{Op: "update alert", Err: err}
	}

	if existing.CaseID != nil {
		if err := p.mergeIntoCase(ctx, inst, *existing.CaseID, summary, artifacts, full); err != nil {
			return nil, err
		}
	}

	return updated, nil
}

// mergeIntoCase carries refreshed alert fields into the open case and
// appends the new observables. Case status is left alone on full sync.
func (p *IngestionPipeline) mergeIntoCase(ctx context.Context, inst *misp.Instance, caseID uuid.UUID, summary misp.EventSummary, artifacts []models.Artifact, full bool) error {
	severity := severityFor(summary.ThreatLevel)
	upd := models.CaseUpdate{
		Severity: &severity,
		Tags:     summary.Tags,
	}
	if !full {
		status := "Open"
		upd.Status = &status
	}

	if _, err := p.cases.Update(ctx, caseID, upd); err != nil {
		return &misp.PersistenceError{Op: "update case", Err: err}
	}

	if len(artifacts) == 0 {
		return nil
	}

	materialized := p.materialize(ctx, inst, artifacts)
	if err := p.artifacts.Create(ctx, caseID, materialized); err != nil {
		return &misp.PersistenceError{Op: "create case artifacts", Err: err}
	}
	return nil
}

// materialize resolves remote attachment descriptors into stored content
// so a case receives real files. Malware samples are unwrapped from their
// protected archive. The bytes are persisted in the attachment store
// under a stable id before the case artifact references them; temp files
// do not survive the sync cycle. Any failure keeps the remote descriptor.
func (p *IngestionPipeline) materialize(ctx context.Context, inst *misp.Instance, artifacts []models.Artifact) []models.Artifact {
	log := p.logger.WithInstance(inst.Name)

	out := make([]models.Artifact, 0, len(artifacts))
	for _, artifact := range artifacts {
		if artifact.Remote == nil {
			out = append(out, artifact)
			continue
		}

		file, err := p.attachments.Download(ctx, inst.Client, artifact.Remote.Reference)
		if err != nil {
			log.Warn().Err(err).
				Str("reference", artifact.Remote.Reference).
				Msg("attachment download failed, keeping remote descriptor")
			out = append(out, artifact)
			continue
		}
		if artifact.Remote.Type == "malware-sample" {
			file = p.attachments.ExtractMalwareSample(file)
		}

		stored, err := p.persistAttachment(ctx, file)
		if err != nil {
			log.Warn().Err(err).
				Str("reference", artifact.Remote.Reference).
				Msg("failed to persist attachment content, keeping remote descriptor")
			out = append(out, artifact)
			continue
		}

		local := artifact
		local.Remote = nil
		local.Attachment = &stored
		out = append(out, local)
	}
	return out
}

// persistAttachment copies a temp file into the attachment store and
// returns a handle carrying the stored id.
func (p *IngestionPipeline) persistAttachment(ctx context.Context, file models.LocalAttachment) (models.LocalAttachment, error) {
	content, err := os.Open(file.Path)
	if err != nil {
		return models.LocalAttachment{}, fmt.Errorf("failed to open %s: %w", file.Path, err)
	}
	defer content.Close()

	id := uuid.New().String()
	if err := p.blobs.Save(ctx, id, file.Name, file.ContentType, content); err != nil {
		return models.LocalAttachment{}, &misp.PersistenceError{Op: "save attachment", Err: err}
	}

	file.ID = id
	return file, nil
}

// severityFor maps MISP threat levels (1 high .. 4 undefined) onto
// platform severities (1 low .. 3 high).
func severityFor(threatLevel int) int {
	switch threatLevel {
	case 1:
		return 3
	case 2:
		return 2
	case 3:
		return 1
	default:
		return 2
	}
}
