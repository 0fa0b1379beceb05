package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Every API instance may start at once; they serialize on this lock so the
// schema is migrated exactly once.
const migrationLockID = 0x6e69797961

var migrationName = regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)

// Migration is one numbered schema step with both directions on disk.
type Migration struct {
	Version string
	Up      string
	Down    string
}

// LoadMigrations reads dir and pairs up/down files by version. A version
// missing either direction is an error.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationName.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		m := byVersion[match[1]]
		if m == nil {
			m = &Migration{Version: match[1]}
			byVersion[match[1]] = m
		}
		path := filepath.Join(dir, entry.Name())
		switch match[2] {
		case "up":
			if m.Up != "" {
				return nil, fmt.Errorf("duplicate up migration for version %s", m.Version)
			}
			m.Up = path
		case "down":
			if m.Down != "" {
				return nil, fmt.Errorf("duplicate down migration for version %s", m.Version)
			}
			m.Down = path
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %s must include both up and down files", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every up migration not yet recorded and returns the
// versions it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) ([]string, error) {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	conn, unlock, err := lockMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migrations {
		migrated, err := isMigrated(ctx, conn, m.Version)
		if err != nil {
			return applied, err
		}
		if migrated {
			continue
		}
		if err := execMigration(ctx, conn, m.Version, m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return applied, err
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

// RollbackMigrations reverts up to steps applied migrations, newest first.
// A non-positive steps reverts all of them.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string, steps int) ([]string, error) {
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		return nil, err
	}

	conn, unlock, err := lockMigrations(ctx, db)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return nil, err
	}

	var reverted []string
	for i := len(migrations) - 1; i >= 0; i-- {
		if steps > 0 && len(reverted) == steps {
			break
		}
		m := migrations[i]
		migrated, err := isMigrated(ctx, conn, m.Version)
		if err != nil {
			return reverted, err
		}
		if !migrated {
			continue
		}
		if err := execMigration(ctx, conn, m.Version, m.Down, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return reverted, err
		}
		reverted = append(reverted, m.Version)
	}
	return reverted, nil
}

func lockMigrations(ctx context.Context, db *sql.DB) (*sql.Conn, func(), error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("migration conn: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migration lock: %w", err)
	}
	return conn, func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)
		conn.Close()
	}, nil
}

func execMigration(ctx context.Context, conn *sql.Conn, version, path, record string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	if body := strings.TrimSpace(string(contents)); body != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", filepath.Base(path), err)
		}
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, conn *sql.Conn, version string) (bool, error) {
	var exists bool
	err := conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
