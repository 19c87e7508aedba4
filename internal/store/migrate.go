package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/shrimpsizemoose/trekker/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ApplyMigrations runs the embedded SQL migrations in file-name order,
// translating them to SQLite when needed. Migrations are written to be
// re-runnable.
func (d *DB) ApplyMigrations(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)

	for _, name := range files {
		content, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		query := string(content)
		if d.Dialect == DialectSQLite {
			query = translateToSQLite(query)
		}

		logger.Info.Printf("Applying migration: %s (%s)", name, d.Dialect)
		if _, err := d.Client.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// sqliteReplacements are applied in order; longer tokens come first.
var sqliteReplacements = [][2]string{
	{"TIMESTAMPTZ", "TIMESTAMP"},
	{"DOUBLE PRECISION", "REAL"},
	{"BYTEA", "BLOB"},
	{"DEFAULT now()", "DEFAULT CURRENT_TIMESTAMP"},
	{"DEFAULT FALSE", "DEFAULT 0"},
	{"DEFAULT TRUE", "DEFAULT 1"},
}

// translateToSQLite converts the Postgres schema to the SQLite dialect.
func translateToSQLite(sql string) string {
	out := sql
	for _, r := range sqliteReplacements {
		out = strings.ReplaceAll(out, r[0], r[1])
	}
	return out
}
