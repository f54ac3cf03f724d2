package repository

import (
	"context"
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

// CaseRepository persists cases in PostgreSQL
type CaseRepository struct {
	pool *pgxpool.Pool
}

// NewCaseRepository creates a new case repository
func NewCaseRepository(pool *pgxpool.Pool) *CaseRepository {
	return &CaseRepository{pool: pool}
}

const caseColumns = `id, title, description, severity, start_date, status, tags, tlp, created_at, updated_at`

// Get retrieves a case by ID
func (r *CaseRepository) Get(ctx context.Context, id uuid.UUID) (*models.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM misp_case WHERE id = $1`
	return r.scanCase(r.pool.QueryRow(ctx, query, id))
}

// Create inserts a new case
func (r *CaseRepository) Create(ctx context.Context, c *models.Case) (*models.Case, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = "Open"
	}

	query := `
		INSERT INTO misp_case (id, title, description, severity, start_date, status, tags, tlp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		c.ID, c.Title, c.Description, c.Severity, c.StartDate, c.Status, c.Tags, c.TLP, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create case: %w", err)
	}
	return c, nil
}

// Update applies a partial update and returns the refreshed case.
func (r *CaseRepository) Update(ctx context.Context, id uuid.UUID, upd models.CaseUpdate) (*models.Case, error) {
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
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Tags != nil {
		add("tags", upd.Tags)
	}
	if upd.TLP != nil {
		add("tlp", *upd.TLP)
	}

	add("updated_at", time.Now())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE misp_case SET %s WHERE id = $%d RETURNING `+caseColumns,
		strings.Join(sets, ", "), len(args))

	return r.scanCase(r.pool.QueryRow(ctx, query, args...))
}

func (r *CaseRepository) scanCase(row pgx.Row) (*models.Case, error) {
	var c models.Case
	err := row.Scan(
		&c.ID, &c.Title, &c.Description, &c.Severity, &c.StartDate, &c.Status, &c.Tags, &c.TLP,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan case: %w", err)
	}
	return &c, nil
}
