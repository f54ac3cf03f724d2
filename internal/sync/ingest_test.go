package sync

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeka/zip"

	"mispbridge/internal/domain/models"
)

func TestFirstIngest(t *testing.T) {
	m := newMockMISP(t)
	m.index = []map[string]any{
		{"id": "42", "info": "phish", "date": "2024-01-01", "publish_timestamp": "1704100000", "threat_level_id": "2"},
	}
	m.attributes["42"] = []map[string]any{
		{"id": "1", "type": "ip-dst", "category": "Network activity", "value": "1.2.3.4", "timestamp": "1704067200"},
	}

	alerts := &memAlertStore{}
	pipeline, _ := newIngestPipeline(t, m, alerts, newMemCaseStore(), newMemArtifactStore())

	outcomes := pipeline.Synchronize(context.Background())
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)

	alert := alerts.byRef("demo", "42")
	require.NotNil(t, alert)
	assert.Equal(t, models.AlertTypeMISP, alert.Type)
	assert.Equal(t, models.AlertStatusNew, alert.Status)
	assert.True(t, alert.Follow)
	assert.Equal(t, "phish", alert.Title)
	assert.EqualValues(t, 1704100000, alert.LastSyncDate)

	require.Len(t, alert.Artifacts, 1)
	a := alert.Artifacts[0]
	assert.Equal(t, models.DataTypeIP, a.DataType)
	assert.Equal(t, "1.2.3.4", a.Data)
	assert.Equal(t, []string{"src:demo", "MISP:type=ip-dst", "MISP:category=Network activity"}, a.Tags)
	assert.Equal(t, models.TLPAmber, a.TLP)
}

func TestDeltaUpdate(t *testing.T) {
	m := newMockMISP(t)
	m.index = []map[string]any{
		{"id": "42", "info": "phish", "date": "2024-01-01", "publish_timestamp": "1704100000", "threat_level_id": "2"},
	}
	m.attributes["42"] = []map[string]any{
		{"id": "1", "type": "ip-dst", "category": "Network activity", "value": "1.2.3.4", "timestamp": "1704067200"},
	}

	alerts := &memAlertStore{}
	pipeline, _ := newIngestPipeline(t, m, alerts, newMemCaseStore(), newMemArtifactStore())

	pipeline.Synchronize(context.Background())
	priorWatermark := alerts.byRef("demo", "42").LastSyncDate

	// the analyst imported the alert, then the event is republished with
	// one additional attribute
	imported := models.AlertStatusImported
	alerts.Update(context.Background(), alerts.byRef("demo", "42").ID, models.AlertUpdate{Status: &imported})

	m.mu.Lock()
	m.index[0]["publish_timestamp"] = "1704250000"
	m.attributes["42"] = append(m.attributes["42"], map[string]any{
		"id": "2", "type": "md5", "category": "Payload delivery",
		"value": "d41d8cd98f00b204e9800998ecf8427e", "timestamp": "1704200000",
	})
	m.mu.Unlock()

	outcomes := pipeline.Synchronize(context.Background())
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)

	alert := alerts.byRef("demo", "42")
	assert.Equal(t, models.AlertStatusUpdated, alert.Status)
	require.Len(t, alert.Artifacts, 2)
	assert.Equal(t, "1.2.3.4", alert.Artifacts[0].Data)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", alert.Artifacts[1].Data)

	// delta monotonicity
	assert.GreaterOrEqual(t, alert.LastSyncDate, priorWatermark)
}

func TestNewStatusSticksUntilTriage(t *testing.T) {
	m := newMockMISP(t)
	m.index = []map[string]any{
		{"id": "42", "info": "phish", "publish_timestamp": "1704100000", "threat_level_id": "2"},
	}
	m.attributes["42"] = []map[string]any{
		{"id": "1", "type": "ip-dst", "category": "Network activity", "value": "1.2.3.4", "timestamp": "1704067200"},
	}

	alerts := &memAlertStore{}
	pipeline, _ := newIngestPipeline(t, m, alerts, newMemCaseStore(), newMemArtifactStore())
	pipeline.Synchronize(context.Background())

	m.mu.Lock()
	m.index[0]["publish_timestamp"] = "1704250000"
	m.mu.Unlock()

	pipeline.Synchronize(context.Background())
	assert.Equal(t, models.AlertStatusNew, alerts.byRef("demo", "42").Status)
}

func TestUnfollowedAlertIsLeftAlone(t *testing.T) {
	m := newMockMISP(t)
	m.index = []map[string]any{
		{"id": "42", "info": "phish", "publish_timestamp": "1704250000", "threat_level_id": "2"},
	}
	m.attributes["42"] = []map[string]any{
		{"id": "1", "type": "ip-dst", "category": "Network activity", "value": "1.2.3.4", "timestamp": "1704200000"},
	}

	alerts := &memAlertStore{}
	alerts.Create(context.Background(), &models.Alert{
		Type: models.AlertTypeMISP, Source: "demo", SourceRef: "42",
		Status: models.AlertStatusIgnored, Follow: false, LastSyncDate: 1704100000,
	})
	updatesBefore := alerts.updateCalls

	pipeline, _ := newIngestPipeline(t, m, alerts, newMemCaseStore(), newMemArtifactStore())
	outcomes := pipeline.Synchronize(context.Background())

	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, models.AlertStatusIgnored, outcomes[0].Alert.Status)
	assert.Equal(t, updatesBefore, alerts.updateCalls, "no update call may be issued")
	assert.Empty(t, alerts.byRef("demo", "42").Artifacts)
}

func TestFullSyncUpdatesUnfollowedWithoutTouchingStatus(t *testing.T) {
	m := newMockMISP(t)
	m.index = []map[string]any{
		{"id": "42", "info": "phish", "publish_timestamp": "1704250000", "threat_level_id": "2"},
	}
	m.attributes["42"] = []map[string]any{
		{"id": "1", "type": "ip-dst", "category": "Network activity", "value": "1.2.3.4", "timestamp": "1704200000"},
	}

	alerts := &memAlertStore{}
	alerts.Create(context.Background(), &models.Alert{
		Type: models.AlertTypeMISP, Source: "demo", SourceRef: "42",
		Status: models.AlertStatusIgnored, Follow: false, LastSyncDate: 1704100000,
	})

	pipeline, _ := newIngestPipeline(t, m, alerts, newMemCaseStore(), newMemArtifactStore())
	outcomes := pipeline.FullSynchronize(context.Background())
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)

	alert := alerts.byRef("demo", "42")
	assert.Equal(t, models.AlertStatusIgnored, alert.Status, "full sync leaves status unchanged")
	assert.Len(t, alert.Artifacts, 1, "full sync rewrites artifacts even when unfollowed")
}

func TestFailureIsolation(t *testing.T) {
	m := newMockMISP(t)
	m.index = []map[string]any{
		{"id": "50", "info": "broken", "publish_timestamp": "1704100000", "threat_level_id": "2"},
		{"id": "51", "info": "healthy", "publish_timestamp": "1704100001", "threat_level_id": "2"},
	}
	m.failAttributes["50"] = true
	m.attributes["51"] = []map[string]any{
		{"id": "1", "type": "domain", "category": "Network activity", "value": "evil.test", "timestamp": "1704067200"},
	}

	alerts := &memAlertStore{}
	pipeline, _ := newIngestPipeline(t, m, alerts, newMemCaseStore(), newMemArtifactStore())
	outcomes := pipeline.Synchronize(context.Background())

	require.Len(t, outcomes, 2)
	byRef := map[string]Outcome{}
	for _, o := range outcomes {
		byRef[o.SourceRef] = o
	}
	assert.Error(t, byRef["50"].Err)
	assert.NoError(t, byRef["51"].Err)

	assert.Nil(t, alerts.byRef("demo", "50"))
	require.NotNil(t, alerts.byRef("demo", "51"))
}

func TestCaseMergeAppendsMaterializedArtifacts(t *testing.T) {
	m := newMockMISP(t)
	m.index = []map[string]any{
		{"id": "42", "info": "phish", "publish_timestamp": "1704250000", "threat_level_id": "1"},
	}
	m.attributes["42"] = []map[string]any{
		{"id": "9", "type": "malware-sample", "category": "Payload delivery", "value": "orig.exe", "timestamp": "1704200000"},
	}

	// the downloadable attachment is a sample archive
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	meta, err := zw.Encrypt("sample.filename.txt", "infected", zip.StandardEncryption)
	require.NoError(t, err)
	meta.Write([]byte("orig.exe"))
	payload, err := zw.Encrypt("sample", "infected", zip.StandardEncryption)
	require.NoError(t, err)
	payload.Write([]byte("MZ sample"))
	require.NoError(t, zw.Close())
	m.attachments["9"] = buf.Bytes()

	cases := newMemCaseStore()
	caseID := uuid.New()
	cases.cases[caseID] = &models.Case{ID: caseID, Title: "inv", Status: "Open"}

	alerts := &memAlertStore{}
	alerts.Create(context.Background(), &models.Alert{
		Type: models.AlertTypeMISP, Source: "demo", SourceRef: "42",
		Status: models.AlertStatusImported, Follow: true,
		LastSyncDate: 1704100000, CaseID: &caseID,
	})

	artifacts := newMemArtifactStore()
	pipeline, blobs := newIngestPipeline(t, m, alerts, cases, artifacts)

	outcomes := pipeline.Synchronize(context.Background())
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)

	caseArtifacts, err := artifacts.Find(context.Background(), caseID)
	require.NoError(t, err)
	require.Len(t, caseArtifacts, 1)

	a := caseArtifacts[0]
	require.NotNil(t, a.Attachment, "remote attachment must be materialized")
	assert.Equal(t, "orig.exe", a.Attachment.Name)
	require.NotEmpty(t, a.Attachment.ID, "content must be persisted under a stable id")

	// the extracted bytes are durable in the attachment store
	rc, err := blobs.Source(context.Background(), a.Attachment.ID)
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("MZ sample"), content)

	// the alert itself keeps the remote descriptor
	alert := alerts.byRef("demo", "42")
	require.Len(t, alert.Artifacts, 1)
	assert.NotNil(t, alert.Artifacts[0].Remote)
}
