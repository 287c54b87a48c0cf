package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/mysql/*.sql migrations/clickhouse/*.sql
var migrations embed.FS

// MigrateMySQL applies the embedded MySQL DDL in file order. Statements are
// idempotent (CREATE ... IF NOT EXISTS) so re-running is safe.
func MigrateMySQL(ctx context.Context, db *sqlx.DB) error {
	return apply(ctx, db, "migrations/mysql")
}

// MigrateClickHouse applies the sync log DDL. ClickHouse accepts a single
// statement per Exec, so files are split on ';'.
func MigrateClickHouse(ctx context.Context, db *sqlx.DB) error {
	return apply(ctx, db, "migrations/clickhouse")
}

func apply(ctx context.Context, db *sqlx.DB, dir string) error {
	files, err := fs.Glob(migrations, dir+"/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, f := range files {
		raw, err := migrations.ReadFile(f)
		if err != nil {
			return err
		}
		for _, stmt := range Statements(string(raw)) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate %s: %w", f, err)
			}
		}
	}
	return nil
}

// Statements splits a DDL script on ';' and drops comments and blanks.
func Statements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
