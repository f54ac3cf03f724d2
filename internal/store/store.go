// Package store declares the persistence contracts the connector requires
// of the surrounding platform. Implementations live under
// internal/infrastructure; tests substitute in-memory fakes.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"mispbridge/internal/domain/models"
)

// ErrNotFound is returned by Get-style lookups when no record matches.
var ErrNotFound = errors.New("not found")

// AlertStore persists alerts.
type AlertStore interface {
	// Get returns the alert identified by (type, source, sourceRef),
	// or ErrNotFound.
	Get(ctx context.Context, alertType, source, sourceRef string) (*models.Alert, error)

	// Find returns all alerts matching the query.
	Find(ctx context.Context, q models.AlertQuery) ([]*models.Alert, error)

	// MaxLastSyncDate returns the maximum LastSyncDate across alerts with
	// (type, source), or zero when none exist.
	MaxLastSyncDate(ctx context.Context, alertType, source string) (int64, error)

	Create(ctx context.Context, alert *models.Alert) (*models.Alert, error)
	Update(ctx context.Context, id uuid.UUID, upd models.AlertUpdate) (*models.Alert, error)
}

// CaseStore reads and mutates cases.
type CaseStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Case, error)
	Update(ctx context.Context, id uuid.UUID, upd models.CaseUpdate) (*models.Case, error)
}

// ArtifactStore persists case observables.
type ArtifactStore interface {
	// Find returns the observables of a case.
	Find(ctx context.Context, caseID uuid.UUID) ([]models.Artifact, error)

	// Create appends observables to a case.
	Create(ctx context.Context, caseID uuid.UUID, artifacts []models.Artifact) error
}

// AttachmentStore persists attachment content. Ingestion saves downloaded
// files under a stable id; export streams them back out.
type AttachmentStore interface {
	// Save stores attachment content under the given id.
	Save(ctx context.Context, id, name, contentType string, content io.Reader) error

	// Source opens the content of a stored attachment for streaming.
	Source(ctx context.Context, id string) (io.ReadCloser, error)
}

// TempStore allocates temporary files and releases them in bulk at cycle
// boundaries. A path handed out stays valid until the next ReleaseAll.
type TempStore interface {
	NewTemporaryFile(prefix, name string) (string, error)
	ReleaseAll()
}

// MigrationGate reports whether the platform schema is ready for the
// connector to run.
type MigrationGate interface {
	Ready(ctx context.Context) bool
}
