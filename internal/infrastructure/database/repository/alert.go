package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mispbridge/internal/domain/models"
	"mispbridge/internal/store"
)

// AlertRepository persists alerts in PostgreSQL
type AlertRepository struct {
	pool *pgxpool.Pool
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(pool *pgxpool.Pool) *AlertRepository {
	return &AlertRepository{pool: pool}
}

const alertColumns = `id, type, source, source_ref, title, description, severity, date,
	last_sync_date, status, follow, case_template, case_id, tags, tlp, artifacts,
	created_at, updated_at`

// Get returns the alert identified by (type, source, sourceRef).
func (r *AlertRepository) Get(ctx context.Context, alertType, source, sourceRef string) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + `
		FROM misp_alert
		WHERE type = $1 AND source = $2 AND source_ref = $3`

	return r.scanAlert(r.pool.QueryRow(ctx, query, alertType, source, sourceRef))
}

// Find returns all alerts matching the query.
func (r *AlertRepository) Find(ctx context.Context, q models.AlertQuery) ([]*models.Alert, error) {
	conditions := []string{}
	args := []any{}

	if q.Type != "" {
		args = append(args, q.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if q.Source != "" {
		args = append(args, q.Source)
		conditions = append(conditions, fmt.Sprintf("source = $%d", len(args)))
	}
	if q.SourceRef != "" {
		args = append(args, q.SourceRef)
		conditions = append(conditions, fmt.Sprintf("source_ref = $%d", len(args)))
	}
	if q.CaseID != nil {
		args = append(args, *q.CaseID)
		conditions = append(conditions, fmt.Sprintf("case_id = $%d", len(args)))
	}
	if q.EmptyArtifacts {
		conditions = append(conditions, "jsonb_array_length(artifacts) = 0")
	}

	query := `SELECT ` + alertColumns + ` FROM misp_alert`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// MaxLastSyncDate returns the highest last_sync_date for (type, source),
// or zero when no alerts exist.
func (r *AlertRepository) MaxLastSyncDate(ctx context.Context, alertType, source string) (int64, error) {
	query := `SELECT COALESCE(MAX(last_sync_date), 0)
		FROM misp_alert
		WHERE type = $1 AND source = $2`

	var max int64
	if err := r.pool.QueryRow(ctx, query, alertType, source).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to aggregate last sync date: %w", err)
	}
	return max, nil
}

// Create inserts a new alert
func (r *AlertRepository) Create(ctx context.Context, a *models.Alert) (*models.Alert, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	artifacts, err := json.Marshal(a.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	query := `
		INSERT INTO misp_alert (
			id, type, source, source_ref, title, description, severity, date,
			last_sync_date, status, follow, case_template, case_id, tags, tlp,
			artifacts, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)`

	_, err = r.pool.Exec(ctx, query,
		a.ID, a.Type, a.Source, a.SourceRef, a.Title, a.Description, a.Severity, a.Date,
		a.LastSyncDate, a.Status, a.Follow, a.CaseTemplate, a.CaseID, a.Tags, a.TLP,
		artifacts, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	return a, nil
}

// Update applies a partial update and returns the refreshed alert.
func (r *AlertRepository) Update(ctx context.Context, id uuid.UUID, upd models.AlertUpdate) (*models.Alert, error) {
	sets := []string{}
	args := []any{}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.Severity != nil {
		add("severity", *upd.Severity)
	}
	if upd.Date != nil {
		add("date", *upd.Date)
	}
	if upd.LastSyncDate != nil {
		add("last_sync_date", *upd.LastSyncDate)
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Follow != nil {
		add("follow", *upd.Follow)
	}
	if upd.CaseID != nil {
		add("case_id", *upd.CaseID)
	}
	if upd.Tags != nil {
		add("tags", upd.Tags)
	}
	if upd.TLP != nil {
		add("tlp", *upd.TLP)
	}
	if upd.Artifacts != nil {
		artifacts, err := json.Marshal(upd.Artifacts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
		}
		add("artifacts", artifacts)
	}

	add("updated_at", time.Now())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE misp_alert SET %s WHERE id = $%d RETURNING `+alertColumns,
		strings.Join(sets, ", "), len(args))

	return r.scanAlert(r.pool.QueryRow(ctx, query, args...))
}

// scanAlert reads one alert row
func (r *AlertRepository) scanAlert(row pgx.Row) (*models.Alert, error) {
	var (
		a         models.Alert
		artifacts []byte
	)

	err := row.Scan(
		&a.ID, &a.Type, &a.Source, &a.SourceRef, &a.Title, &a.Description, &a.Severity, &a.Date,
		&a.LastSyncDate, &a.Status, &a.Follow, &a.CaseTemplate, &a.CaseID, &a.Tags, &a.TLP,
		&artifacts, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	if err := json.Unmarshal(artifacts, &a.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
	}

	return &a, nil
}
