package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mispbridge/internal/auth"
	"mispbridge/internal/domain/models"
	"mispbridge/internal/misp"
	"mispbridge/internal/store"
	"mispbridge/internal/streaming"
	syncpkg "mispbridge/internal/sync"
	"mispbridge/pkg/logger"
)

// MISPHandler exposes the connector's control operations
type MISPHandler struct {
	registry *misp.Registry
	ingest   *syncpkg.IngestionPipeline
	export   *syncpkg.ExportPipeline
	alerts   store.AlertStore
	cases    store.CaseStore
	bus      *streaming.Bus
	logger   *logger.Logger
}

// NewMISPHandler creates a new MISPHandler
func NewMISPHandler(
	registry *misp.Registry,
	ingest *syncpkg.IngestionPipeline,
	export *syncpkg.ExportPipeline,
	alerts store.AlertStore,
	cases store.CaseStore,
	bus *streaming.Bus,
	log *logger.Logger,
) *MISPHandler {
	return &MISPHandler{
		registry: registry,
		ingest:   ingest,
		export:   export,
		alerts:   alerts,
		cases:    cases,
		bus:      bus,
		logger:   log.WithComponent("misp-handler"),
	}
}

// Status handles GET /api/v1/misp/status
func (h *MISPHandler) Status(w http.ResponseWriter, r *http.Request) {
	type instanceStatus struct {
		Name         string   `json:"name"`
		CaseTemplate string   `json:"case_template,omitempty"`
		ArtifactTags []string `json:"artifact_tags,omitempty"`
		LastSyncDate int64    `json:"last_sync_date"`
	}

	instances := h.registry.List()
	statuses := make([]instanceStatus, 0, len(instances))
	for _, inst := range instances {
		watermark, err := h.alerts.MaxLastSyncDate(r.Context(), models.AlertTypeMISP, inst.Name)
		if err != nil {
			h.logger.Warn().Err(err).Str("instance", inst.Name).Msg("failed to read watermark")
		}
		statuses = append(statuses, instanceStatus{
			Name:         inst.Name,
			CaseTemplate: inst.CaseTemplate,
			ArtifactTags: inst.ArtifactTags,
			LastSyncDate: watermark,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"instances": statuses,
		"total":     len(statuses),
	})
}

// Sync handles POST /api/v1/misp/sync. The run happens in the background;
// pass ?full=true to disable delta filtering.
func (h *MISPHandler) Sync(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Query().Get("full") == "true"

	go func() {
		ctx := auth.With(context.Background(), auth.InitIdentity())
		if full {
			h.ingest.FullSynchronize(ctx)
		} else {
			h.ingest.Synchronize(ctx)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
		"full":   full,
	})
}

// Export handles POST /api/v1/misp/export/{instance}/{caseID}
func (h *MISPHandler) Export(w http.ResponseWriter, r *http.Request) {
	instanceName := chi.URLParam(r, "instance")

	caseID, err := uuid.Parse(chi.URLParam(r, "caseID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid case id"})
		return
	}

	caze, err := h.cases.Get(r.Context(), caseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "case not found"})
			return
		}
		h.logger.Error().Err(err).Msg("failed to load case")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load case"})
		return
	}

	alert, outcomes, err := h.export.Export(r.Context(), instanceName, caze)
	if err != nil {
		var cfgErr *misp.ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": cfgErr.Error()})
			return
		}
		h.logger.Error().Err(err).Str("instance", instanceName).Msg("export failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	_ = h.bus.Publish(r.Context(), streaming.NewEvent(streaming.EventKindCaseExported, map[string]any{
		"instance": instanceName,
		"case_id":  caze.ID.String(),
		"event_id": alert.SourceRef,
	}))

	type attributeResult struct {
		Value string `json:"value"`
		Error string `json:"error,omitempty"`
	}
	results := make([]attributeResult, len(outcomes))
	for i, o := range outcomes {
		results[i] = attributeResult{Value: o.Attribute.Value}
		if o.Err != nil {
			results[i].Error = o.Err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alert":      alert,
		"attributes": results,
	})
}

// Backfill handles POST /api/v1/misp/backfill. It publishes the domain
// event the backfill worker listens for.
func (h *MISPHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	evt := streaming.NewEvent(streaming.EventKindUpdateMispAlertArtifact, nil)
	if err := h.bus.Publish(auth.With(context.Background(), auth.InitIdentity()), evt); err != nil {
		h.logger.Error().Err(err).Msg("failed to publish backfill event")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to trigger backfill"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
