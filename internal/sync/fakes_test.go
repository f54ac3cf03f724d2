package sync

import (
	"bytes"
	"context"
	"io"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"mispbridge/internal/domain/models"
	"mispbridge/internal/store"
)

// memAlertStore is an in-memory AlertStore for pipeline tests.
type memAlertStore struct {
	mu          gosync.Mutex
	alerts      []*models.Alert
	updateCalls int
}

func (s *memAlertStore) Get(_ context.Context, alertType, source, sourceRef string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Type == alertType && a.Source == source && a.SourceRef == sourceRef {
			copied := *a
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memAlertStore) Find(_ context.Context, q models.AlertQuery) ([]*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Alert
	for _, a := range s.alerts {
		if q.Type != "" && a.Type != q.Type {
			continue
		}
		if q.Source != "" && a.Source != q.Source {
			continue
		}
		if q.SourceRef != "" && a.SourceRef != q.SourceRef {
			continue
		}
		if q.CaseID != nil && (a.CaseID == nil || *a.CaseID != *q.CaseID) {
			continue
		}
		if q.EmptyArtifacts && len(a.Artifacts) > 0 {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memAlertStore) MaxLastSyncDate(_ context.Context, alertType, source string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, a := range s.alerts {
		if a.Type == alertType && a.Source == source && a.LastSyncDate > max {
			max = a.LastSyncDate
		}
	}
	return max, nil
}

func (s *memAlertStore) Create(_ context.Context, a *models.Alert) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	copied := *a
	s.alerts = append(s.alerts, &copied)
	return a, nil
}

func (s *memAlertStore) Update(_ context.Context, id uuid.UUID, upd models.AlertUpdate) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	for _, a := range s.alerts {
		if a.ID != id {
			continue
		}
		if upd.Title != nil {
			a.Title = *upd.Title
		}
		if upd.Description != nil {
			a.Description = *upd.Description
		}
		if upd.Severity != nil {
			a.Severity = *upd.Severity
		}
		if upd.Date != nil {
			a.Date = *upd.Date
		}
		if upd.LastSyncDate != nil {
			a.LastSyncDate = *upd.LastSyncDate
		}
		if upd.Status != nil {
			a.Status = *upd.Status
		}
		if upd.Follow != nil {
			a.Follow = *upd.Follow
		}
		if upd.CaseID != nil {
			caseID := *upd.CaseID
			a.CaseID = &caseID
		}
		if upd.Tags != nil {
			a.Tags = upd.Tags
		}
		if upd.TLP != nil {
			a.TLP = *upd.TLP
		}
		if upd.Artifacts != nil {
			a.Artifacts = upd.Artifacts
		}
		a.UpdatedAt = time.Now()
		copied := *a
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

// byRef returns the stored alert for assertions.
func (s *memAlertStore) byRef(source, sourceRef string) *models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Source == source && a.SourceRef == sourceRef {
			return a
		}
	}
	return nil
}

// memCaseStore is an in-memory CaseStore.
type memCaseStore struct {
	mu    gosync.Mutex
	cases map[uuid.UUID]*models.Case
}

func newMemCaseStore() *memCaseStore {
	return &memCaseStore{cases: make(map[uuid.UUID]*models.Case)}
}

func (s *memCaseStore) Get(_ context.Context, id uuid.UUID) (*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *memCaseStore) Update(_ context.Context, id uuid.UUID, upd models.CaseUpdate) (*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	if upd.Severity != nil {
		c.Severity = *upd.Severity
	}
	if upd.Status != nil {
		c.Status = *upd.Status
	}
	if upd.Tags != nil {
		c.Tags = upd.Tags
	}
	if upd.TLP != nil {
		c.TLP = *upd.TLP
	}
	copied := *c
	return &copied, nil
}

// memArtifactStore is an in-memory ArtifactStore.
type memArtifactStore struct {
	mu        gosync.Mutex
	artifacts map[uuid.UUID][]models.Artifact
}

func newMemArtifactStore() *memArtifactStore {
	return &memArtifactStore{artifacts: make(map[uuid.UUID][]models.Artifact)}
}

func (s *memArtifactStore) Find(_ context.Context, caseID uuid.UUID) ([]models.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Artifact(nil), s.artifacts[caseID]...), nil
}

func (s *memArtifactStore) Create(_ context.Context, caseID uuid.UUID, artifacts []models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[caseID] = append(s.artifacts[caseID], artifacts...)
	return nil
}

// memAttachmentStore is an in-memory AttachmentStore.
type memAttachmentStore struct {
	mu      gosync.Mutex
	content map[string][]byte
}

func newMemAttachmentStore() *memAttachmentStore {
	return &memAttachmentStore{content: make(map[string][]byte)}
}

func (s *memAttachmentStore) Save(_ context.Context, id, _, _ string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[id] = data
	return nil
}

func (s *memAttachmentStore) Source(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.content[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}
