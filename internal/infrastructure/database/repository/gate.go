package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationGate reports whether the connector schema is in place. The
// scheduler refuses to tick until it is.
type MigrationGate struct {
	pool *pgxpool.Pool
}

// NewMigrationGate creates a new migration gate
func NewMigrationGate(pool *pgxpool.Pool) *MigrationGate {
	return &MigrationGate{pool: pool}
}

// Ready checks that the alert table exists and the database answers.
func (g *MigrationGate) Ready(ctx context.Context) bool {
	var exists bool
	err := g.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'misp_alert')`,
	).Scan(&exists)
	return err == nil && exists
}
