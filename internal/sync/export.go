package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"mispbridge/internal/domain/models"
	"mispbridge/internal/misp"
	"mispbridge/internal/store"
	"mispbridge/pkg/logger"
)

// ExportedAttribute is the staging record for one case observable on its
// way to MISP. Value is the inline data for text observables and the
// filename for file observables.
type ExportedAttribute struct {
	Artifact models.Artifact
	Category string
	Type     string
	Value    string
	Comment  string

	attachment *models.LocalAttachment
}

// AttributeOutcome is the per-attribute result of an export.
type AttributeOutcome struct {
	Attribute ExportedAttribute
	Err       error
}

// ExportPipeline turns a case into a MISP event, creating or reusing the
// remote event and submitting only attributes not already present.
type ExportPipeline struct {
	registry    *misp.Registry
	alerts      store.AlertStore
	artifacts   store.ArtifactStore
	attachments store.AttachmentStore
	logger      *logger.Logger
}

// NewExportPipeline creates a new ExportPipeline.
func NewExportPipeline(
	registry *misp.Registry,
	alerts store.AlertStore,
	artifacts store.ArtifactStore,
	attachments store.AttachmentStore,
	log *logger.Logger,
) *ExportPipeline {
	return &ExportPipeline{
		registry:    registry,
		alerts:      alerts,
		artifacts:   artifacts,
		attachments: attachments,
		logger:      log.WithComponent("misp-export"),
	}
}

// Export pushes a case to the named instance. It returns the
// reconciliation alert and the per-attribute outcomes. An unknown instance
// name is fatal to the call.
func (e *ExportPipeline) Export(ctx context.Context, instanceName string, caze *models.Case) (*models.Alert, []AttributeOutcome, error) {
	inst, err := e.registry.Get(instanceName)
	if err != nil {
		return nil, nil, err
	}
	log := e.logger.WithInstance(inst.Name)

	// An earlier export of this case determines the remote event to reuse.
	existing, err := e.alerts.Find(ctx, models.AlertQuery{
		Type:   models.AlertTypeMISP,
		Source: inst.Name,
		CaseID: &caze.ID,
	})
	if err != nil {
		return nil, nil, &misp.PersistenceError{Op: "find export alert", Err: err}
	}
	eventID := ""
	if len(existing) > 0 {
		eventID = existing[0].SourceRef
	}

	caseArtifacts, err := e.artifacts.Find(ctx, caze.ID)
	if err != nil {
		return nil, nil, &misp.PersistenceError{Op: "find case artifacts", Err: err}
	}

	staged, err := stageAttributes(caseArtifacts)
	if err != nil {
		return nil, nil, err
	}
	staged = dedupeAttributes(staged)

	var alreadyExported map[string]bool
	if eventID == "" {
		eventID, alreadyExported, err = e.createEvent(ctx, inst, caze, staged)
		if err != nil {
			return nil, nil, err
		}
	} else {
		alreadyExported, err = e.remoteValues(ctx, inst, eventID)
		if err != nil {
			return nil, nil, err
		}
	}

	outcomes := make([]AttributeOutcome, 0, len(staged))
	for _, attr := range staged {
		if alreadyExported[attr.Value] {
			continue
		}
		err := e.uploadAttribute(ctx, inst, eventID, attr)
		if err != nil {
			log.Warn().Err(err).Str("value", attr.Value).Msg("attribute export rejected")
		}
		outcomes = append(outcomes, AttributeOutcome{Attribute: attr, Err: err})
	}

	alert, err := e.reconcile(ctx, inst, caze, eventID, staged)
	if err != nil {
		return nil, outcomes, err
	}

	log.Info().
		Str("event", eventID).
		Int("attributes", len(staged)).
		Msg("case exported")

	return alert, outcomes, nil
}

// stageAttributes builds the staging records for a case's observables.
// An observable carrying both inline data and an attachment, or neither,
// violates the artifact invariant and fails the export.
func stageAttributes(artifacts []models.Artifact) ([]ExportedAttribute, error) {
	staged := make([]ExportedAttribute, 0, len(artifacts))
	for _, artifact := range artifacts {
		if err := artifact.Validate(); err != nil {
			return nil, err
		}

		switch {
		case artifact.Attachment != nil:
			kind := misp.KindFor(artifact.DataType, artifact.Attachment.Name)
			staged = append(staged, ExportedAttribute{
				Artifact:   artifact,
				Category:   kind.Category,
				Type:       kind.Type,
				Value:      artifact.Attachment.Name,
				Comment:    artifact.Message,
				attachment: artifact.Attachment,
			})
		case artifact.Data != "":
			kind := misp.KindFor(artifact.DataType, artifact.Data)
			staged = append(staged, ExportedAttribute{
				Artifact: artifact,
				Category: kind.Category,
				Type:     kind.Type,
				Value:    artifact.Data,
				Comment:  artifact.Message,
			})
		default:
			return nil, fmt.Errorf("observable %s has not been materialized and cannot be exported", artifact.DataType)
		}
	}
	return staged, nil
}

// dedupeAttributes drops colliding (category, type, value) triples keeping
// the last occurrence of each.
func dedupeAttributes(staged []ExportedAttribute) []ExportedAttribute {
	last := make(map[[3]string]int, len(staged))
	for i, attr := range staged {
		last[[3]string{attr.Category, attr.Type, attr.Value}] = i
	}

	kept := make([]ExportedAttribute, 0, len(last))
	for i, attr := range staged {
		if last[[3]string{attr.Category, attr.Type, attr.Value}] == i {
			kept = append(kept, attr)
		}
	}
	return kept
}

// createEvent posts a new event carrying the inline attributes and returns
// its id plus the set of values MISP accepted. Attributes MISP reports
// under errors.Attribute are left out of that set so they are retried
// one by one; an unexpected error shape counts as no errors recorded.
func (e *ExportPipeline) createEvent(ctx context.Context, inst *misp.Instance, caze *models.Case, staged []ExportedAttribute) (string, map[string]bool, error) {
	inline := make([]ExportedAttribute, 0, len(staged))
	for _, attr := range staged {
		if attr.attachment == nil {
			inline = append(inline, attr)
		}
	}

	attributes := make([]map[string]any, len(inline))
	for i, attr := range inline {
		attributes[i] = map[string]any{
			"category": attr.Category,
			"type":     attr.Type,
			"value":    attr.Value,
			"comment":  attr.Comment,
		}
	}

	doc, err := inst.Client.CreateEvent(ctx, map[string]any{
		"distribution":    0,
		"threat_level_id": caze.Severity,
		"analysis":        0,
		"info":            caze.Title,
		"date":            caze.StartDate.Format("06-01-02"),
		"published":       false,
		"Attribute":       attributes,
	})
	if err != nil {
		return "", nil, err
	}

	eventID := eventIDFrom(doc)
	if eventID == "" {
		return "", nil, &misp.ParseError{What: "create event response", Err: errors.New("no event id in response")}
	}

	rejected := rejectedIndices(doc)
	exported := make(map[string]bool, len(inline))
	for i, attr := range inline {
		if !rejected[i] {
			exported[attr.Value] = true
		}
	}

	return eventID, exported, nil
}

// remoteValues returns the values already present on the remote event:
// inline attribute data plus attachment filenames.
func (e *ExportPipeline) remoteValues(ctx context.Context, inst *misp.Instance, eventID string) (map[string]bool, error) {
	attrs, err := inst.Client.Attributes(ctx, eventID, nil)
	if err != nil {
		return nil, err
	}

	values := make(map[string]bool, len(attrs))
	for _, attr := range attrs {
		values[attr.Value] = true
	}
	return values, nil
}

// uploadAttribute submits one attribute: file observables go through
// events/upload_sample, inline ones through attributes/add.
func (e *ExportPipeline) uploadAttribute(ctx context.Context, inst *misp.Instance, eventID string, attr ExportedAttribute) error {
	if attr.attachment != nil {
		return e.uploadSample(ctx, inst, eventID, attr)
	}

	resp, err := inst.Client.AddAttribute(ctx, eventID, map[string]any{
		"category": attr.Category,
		"type":     attr.Type,
		"value":    attr.Value,
		"comment":  attr.Comment,
	})
	if err != nil {
		return err
	}
	return checkExportResponse(resp, attr.Artifact)
}

func (e *ExportPipeline) uploadSample(ctx context.Context, inst *misp.Instance, eventID string, attr ExportedAttribute) error {
	if attr.attachment.ID == "" {
		return &misp.PersistenceError{Op: "read attachment", Err: errors.New("attachment content was never stored")}
	}

	src, err := e.attachments.Source(ctx, attr.attachment.ID)
	if err != nil {
		return &misp.PersistenceError{Op: "read attachment", Err: err}
	}
	defer src.Close()

	content, err := io.ReadAll(src)
	if err != nil {
		return &misp.PersistenceError{Op: "read attachment", Err: err}
	}

	id, err := strconv.Atoi(eventID)
	if err != nil {
		return &misp.ParseError{What: "event id", Err: err}
	}

	resp, err := inst.Client.UploadSample(ctx, map[string]any{
		"request": map[string]any{
			"event_id": id,
			"category": "Payload delivery",
			"type":     "malware-sample",
			"comment":  attr.Comment,
			"files": []map[string]any{
				{
					"filename": attr.attachment.Name,
					"data":     base64.StdEncoding.EncodeToString(content),
				},
			},
		},
	})
	if err != nil {
		return err
	}
	return checkExportResponse(resp, attr.Artifact)
}

// reconcile creates or updates the alert that ties the case to its remote
// event. It never follows the remote side: lastSyncDate stays zero and the
// alert is marked Imported.
func (e *ExportPipeline) reconcile(ctx context.Context, inst *misp.Instance, caze *models.Case, eventID string, staged []ExportedAttribute) (*models.Alert, error) {
	artifacts := make([]models.Artifact, len(staged))
	for i, attr := range staged {
		artifacts[i] = attr.Artifact
	}

	status := models.AlertStatusImported
	follow := false
	var lastSync int64

	existing, err := e.alerts.Get(ctx, models.AlertTypeMISP, inst.Name, eventID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, &misp.PersistenceError{Op: "get export alert", Err: err}
	}

	if existing != nil {
		updated, err := e.alerts.Update(ctx, existing.ID, models.AlertUpdate{
			Title:        &caze.Title,
			Status:       &status,
			Follow:       &follow,
			LastSyncDate: &lastSync,
			CaseID:       &caze.ID,
			Artifacts:    artifacts,
		})
		if err != nil {
			return nil, &misp.PersistenceError{Op: "update export alert", Err: err}
		}
		return updated, nil
	}

	created, err := e.alerts.Create(ctx, &models.Alert{
		Type:         models.AlertTypeMISP,
		Source:       inst.Name,
		SourceRef:    eventID,
		Title:        caze.Title,
		Description:  fmt.Sprintf("Case %s exported to MISP instance %s", caze.Title, inst.Name),
		Severity:     caze.Severity,
		Date:         caze.StartDate,
		LastSyncDate: lastSync,
		Status:       status,
		Follow:       follow,
		CaseID:       &caze.ID,
		Tags:         caze.Tags,
		TLP:          caze.TLP,
		Artifacts:    artifacts,
	})
	if err != nil {
		return nil, &misp.PersistenceError{Op: "create export alert", Err: err}
	}
	return created, nil
}

// eventIDFrom digs the new event id out of a create response, tolerating
// both string and numeric ids.
func eventIDFrom(doc map[string]any) string {
	event, ok := doc["Event"].(map[string]any)
	if !ok {
		return ""
	}
	switch id := event["id"].(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	default:
		return ""
	}
}

// rejectedIndices parses errors.Attribute as a map of submitted-array
// index to rejection details. Any unexpected shape means no errors.
func rejectedIndices(doc map[string]any) map[int]bool {
	rejected := make(map[int]bool)

	errs, ok := doc["errors"].(map[string]any)
	if !ok {
		return rejected
	}
	attrErrs, ok := errs["Attribute"].(map[string]any)
	if !ok {
		return rejected
	}

	for key := range attrErrs {
		if i, err := strconv.Atoi(key); err == nil {
			rejected[i] = true
		}
	}
	return rejected
}

// checkExportResponse turns a non-2xx MISP reply into an ExportError with
// the most specific message the body offers.
func checkExportResponse(resp *http.Response, artifact models.Artifact) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	var details struct {
		Message string `json:"message"`
		Errors  any    `json:"errors"`
	}
	message := ""
	if err := json.Unmarshal(body, &details); err == nil {
		switch {
		case details.Message != "" && details.Errors != nil:
			message = fmt.Sprintf("%s %v", details.Message, details.Errors)
		case details.Message != "":
			message = details.Message
		case details.Errors != nil:
			message = fmt.Sprintf("%v", details.Errors)
		}
	}
	if message == "" {
		message = fmt.Sprintf("unexpected response %d: %s", resp.StatusCode, string(body))
	}

	return &misp.ExportError{Message: message, Artifact: artifact}
}
