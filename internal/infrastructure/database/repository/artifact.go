package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mispbridge/internal/domain/models"
	"mispbridge/internal/store"
)

// ArtifactRepository persists case observables in PostgreSQL
type ArtifactRepository struct {
	pool *pgxpool.Pool
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(pool *pgxpool.Pool) *ArtifactRepository {
	return &ArtifactRepository{pool: pool}
}

// Find returns the observables of a case in insertion order.
func (r *ArtifactRepository) Find(ctx context.Context, caseID uuid.UUID) ([]models.Artifact, error) {
	query := `SELECT data_type, data, attachment, remote, tags, tlp, message, start_date
		FROM case_artifact
		WHERE case_id = $1
		ORDER BY created_at, id`

	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to find case artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		var (
			a          models.Artifact
			data       *string
			attachment []byte
			remote     []byte
		)
		if err := rows.Scan(&a.DataType, &data, &attachment, &remote, &a.Tags, &a.TLP, &a.Message, &a.StartDate); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if data != nil {
			a.Data = *data
		}
		if attachment != nil {
			if err := json.Unmarshal(attachment, &a.Attachment); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attachment: %w", err)
			}
		}
		if remote != nil {
			if err := json.Unmarshal(remote, &a.Remote); err != nil {
				return nil, fmt.Errorf("failed to unmarshal remote attachment: %w", err)
			}
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// Create appends observables to a case. Attachment content is persisted
// separately through the AttachmentStore; the artifact row only carries
// the stored id.
func (r *ArtifactRepository) Create(ctx context.Context, caseID uuid.UUID, artifacts []models.Artifact) error {
	now := time.Now()
	for i, a := range artifacts {
		// distinct per-row timestamps keep Find's created_at ordering equal
		// to the order of the slice
		createdAt := now.Add(time.Duration(i) * time.Microsecond)
		if err := a.Validate(); err != nil {
			return err
		}

		var (
			data       *string
			attachment []byte
			remote     []byte
			err        error
		)
		if a.Data != "" {
			data = &a.Data
		}
		if a.Attachment != nil {
			attachment, err = json.Marshal(a.Attachment)
			if err != nil {
				return fmt.Errorf("failed to marshal attachment: %w", err)
			}
		}
		if a.Remote != nil {
			remote, err = json.Marshal(a.Remote)
			if err != nil {
				return fmt.Errorf("failed to marshal remote attachment: %w", err)
			}
		}

		query := `
			INSERT INTO case_artifact (id, case_id, data_type, data, attachment, remote, tags, tlp, message, start_date, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

		_, err = r.pool.Exec(ctx, query,
			uuid.New(), caseID, a.DataType, data, attachment, remote, a.Tags, a.TLP, a.Message, a.StartDate, createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create case artifact: %w", err)
		}
	}
	return nil
}

// AttachmentRepository stores attachment content in PostgreSQL
type AttachmentRepository struct {
	pool *pgxpool.Pool
}

// NewAttachmentRepository creates a new attachment repository
func NewAttachmentRepository(pool *pgxpool.Pool) *AttachmentRepository {
	return &AttachmentRepository{pool: pool}
}

// Save stores attachment content under the given id.
func (r *AttachmentRepository) Save(ctx context.Context, id, name, contentType string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read attachment content: %w", err)
	}

	query := `
		INSERT INTO attachment (id, name, content_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = $2, content_type = $3, content = $4`

	if _, err := r.pool.Exec(ctx, query, id, name, contentType, data, time.Now()); err != nil {
		return fmt.Errorf("failed to save attachment: %w", err)
	}
	return nil
}

// Source opens stored attachment content for streaming.
func (r *AttachmentRepository) Source(ctx context.Context, id string) (io.ReadCloser, error) {
	var content []byte
	err := r.pool.QueryRow(ctx, `SELECT content FROM attachment WHERE id = $1`, id).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}
