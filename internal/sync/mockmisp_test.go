package sync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/require"

	"mispbridge/internal/config"
	"mispbridge/internal/infrastructure/tempfile"
	"mispbridge/internal/misp"
	"mispbridge/pkg/logger"
)

// mockMISP simulates one remote MISP instance.
type mockMISP struct {
	mu gosync.Mutex

	index          []map[string]any
	attributes     map[string][]map[string]any
	failAttributes map[string]bool
	createResponse map[string]any
	attachments    map[string][]byte
	addStatus      int
	addBody        string

	addedAttributes []map[string]any
	uploadedSamples []map[string]any
	createdEvents   []map[string]any

	server *httptest.Server
}

func newMockMISP(t *testing.T) *mockMISP {
	m := &mockMISP{
		attributes:     make(map[string][]map[string]any),
		failAttributes: make(map[string]bool),
		attachments:    make(map[string][]byte),
		createResponse: map[string]any{"Event": map[string]any{"id": "17"}},
		addStatus:      http.StatusOK,
		addBody:        `{"Attribute": {}}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events/index", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		json.NewEncoder(w).Encode(m.index)
	})
	mux.HandleFunc("/attributes/restSearch/json", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Request map[string]any `json:"request"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		eventID, _ := body.Request["eventid"].(string)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.failAttributes[eventID] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"Attribute": m.attributes[eventID]},
		})
	})
	mux.HandleFunc("/events/upload_sample", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.uploadedSamples = append(m.uploadedSamples, body)
		m.mu.Unlock()
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.createdEvents = append(m.createdEvents, body)
		resp := m.createResponse
		m.mu.Unlock()
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/attributes/add/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.addedAttributes = append(m.addedAttributes, body)
		status, respBody := m.addStatus, m.addBody
		m.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(respBody))
	})
	mux.HandleFunc("/attributes/download/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/attributes/download/")
		m.mu.Lock()
		content, ok := m.attachments[id]
		m.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.zip"`)
		w.Header().Set("Content-Type", "application/zip")
		w.Write(content)
	})

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

// instance builds a registry holding one instance backed by the mock.
func (m *mockMISP) instance(t *testing.T, name string, tags ...string) (*misp.Registry, *misp.Instance) {
	t.Helper()

	client, err := misp.NewClient(name, config.MISPInstanceConfig{URL: m.server.URL, Key: "test-key"}, logger.NewDefault())
	require.NoError(t, err)

	inst := &misp.Instance{Name: name, ArtifactTags: tags, Client: client}
	registry, err := misp.NewRegistry(config.MISPConfig{}, logger.NewDefault())
	require.NoError(t, err)
	registry.Register(inst)
	return registry, inst
}

// newIngestPipeline wires a pipeline over the mock and fakes. The
// returned attachment store lets tests inspect persisted content.
func newIngestPipeline(t *testing.T, m *mockMISP, alerts *memAlertStore, cases *memCaseStore, artifacts *memArtifactStore) (*IngestionPipeline, *memAttachmentStore) {
	t.Helper()

	registry, _ := m.instance(t, "demo")
	temp, err := tempfile.NewStore(t.TempDir(), logger.NewDefault())
	require.NoError(t, err)

	blobs := newMemAttachmentStore()
	pipeline := NewIngestionPipeline(
		registry,
		misp.NewTransformer(logger.NewDefault()),
		misp.NewAttachmentHandler(temp, logger.NewDefault()),
		alerts, cases, artifacts, blobs,
		logger.NewDefault(),
	)
	return pipeline, blobs
}
