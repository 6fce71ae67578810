package identity

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var tables = map[Kind]string{
	Organization: "organizations",
	Run:          "runs",
	Step:         "steps",
	Agent:        "agents",
	Task:         "tasks",
}

type PostgresDirectory struct {
	db DB
}

func NewPostgresDirectory(db DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// EnsureSchema creates minimal id tables for local development. Real
// deployments point at tables owned by the platform.
func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	for _, kind := range []Kind{Organization, Run, Step, Agent, Task} {
		query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, tables[kind])
		if _, err := d.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create %s table: %w", tables[kind], err)
		}
	}
	return nil
}

func (d *PostgresDirectory) Exists(ctx context.Context, kind Kind, id string) (bool, error) {
	table, ok := tables[kind]
	if !ok {
		return false, fmt.Errorf("unknown identity kind %q", kind)
	}

	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	var exists bool
	if err := d.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s %s: %w", kind, id, err)
	}
	return exists, nil
}

func (d *PostgresDirectory) Register(ctx context.Context, kind Kind, id string) error {
	table, ok := tables[kind]
	if !ok {
		return fmt.Errorf("unknown identity kind %q", kind)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, table)
	if _, err := d.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to register %s %s: %w", kind, id, err)
	}
	return nil
}
