package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repositories bundles all persistence implementations
type Repositories struct {
	Alerts      *AlertRepository
	Cases       *CaseRepository
	Artifacts   *ArtifactRepository
	Attachments *AttachmentRepository
	Gate        *MigrationGate
}

// NewRepositories creates all repositories sharing one pool
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Alerts:      NewAlertRepository(pool),
		Cases:       NewCaseRepository(pool),
		Artifacts:   NewArtifactRepository(pool),
		Attachments: NewAttachmentRepository(pool),
		Gate:        NewMigrationGate(pool),
	}
}

// Migrate creates the connector schema when it does not exist yet.
func (r *Repositories) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS misp_alert (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			severity INT NOT NULL DEFAULT 2,
			date TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_sync_date BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'New',
			follow BOOLEAN NOT NULL DEFAULT true,
			case_template TEXT NOT NULL DEFAULT '',
			case_id UUID,
			tags TEXT[] NOT NULL DEFAULT '{}',
			tlp INT NOT NULL DEFAULT 2,
			artifacts JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (type, source, source_ref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_misp_alert_source ON misp_alert (type, source)`,
		`CREATE TABLE IF NOT EXISTS misp_case (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			severity INT NOT NULL DEFAULT 2,
			start_date TIMESTAMPTZ NOT NULL DEFAULT now(),
			status TEXT NOT NULL DEFAULT 'Open',
			tags TEXT[] NOT NULL DEFAULT '{}',
			tlp INT NOT NULL DEFAULT 2,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS case_artifact (
			id UUID PRIMARY KEY,
			case_id UUID NOT NULL,
			data_type TEXT NOT NULL,
			data TEXT,
			attachment JSONB,
			remote JSONB,
			tags TEXT[] NOT NULL DEFAULT '{}',
			tlp INT NOT NULL DEFAULT 2,
			message TEXT NOT NULL DEFAULT '',
			start_date TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_case_artifact_case ON case_artifact (case_id)`,
		`CREATE TABLE IF NOT EXISTS attachment (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			content BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.Alerts.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
