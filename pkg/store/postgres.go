package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "github.com/lib/pq"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	bootstrapDDL: `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ DEFAULT now()
	)`,
}

func init() {
	sub, err := fs.Sub(postgresMigrationsFS, "migrations/postgres")
	if err != nil {
		panic(err)
	}
	postgresDialect.migrations = sub
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore wraps an already open database. It does not run migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore{db: db, dialect: postgresDialect}}
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := NewPostgresStore(db)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}
