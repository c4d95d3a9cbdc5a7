package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is a single versioned schema change.
type Migration struct {
	Version     string
	Rank        int
	Description string
	Filename    string
	Content     string
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}

	migrations := make([]Migration, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		parts := strings.SplitN(strings.TrimSuffix(name, ".sql"), "__", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed migration file name %q", name)
		}
		rank, err := strconv.Atoi(strings.TrimLeft(strings.TrimPrefix(parts[0], "V"), "0"))
		if err != nil {
			return nil, fmt.Errorf("malformed migration version %q: %w", parts[0], err)
		}
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Version:     parts[0],
			Rank:        rank,
			Description: parts[1],
			Filename:    name,
			Content:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Rank < migrations[j].Rank })
	return migrations, nil
}

// Migrate applies every migration not yet recorded in schema_version.
func Migrate(ctx context.Context, logger *zap.Logger, db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	if err := createMigrationTable(ctx, db); err != nil {
		return err
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(ctx, db, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		start := time.Now()
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
		logger.Info("applied migration", zap.String("version", m.Version), zap.String("description", m.Description), zap.Duration("took", time.Since(start)))
	}
	return nil
}

func createMigrationTable(ctx context.Context, db *sql.DB) error {
	const createTableSQL = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version_rank INTEGER NOT NULL,
			version VARCHAR(50) NOT NULL PRIMARY KEY,
			description VARCHAR(200) NOT NULL,
			script VARCHAR(1000) NOT NULL,
			installed_on TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			success BOOLEAN NOT NULL
		)`

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}
	return nil
}

func isMigrationApplied(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = $1 AND success = true", version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return count > 0, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.Content); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", m.Filename, err)
	}

	const insertSQL = `
		INSERT INTO schema_version (version_rank, version, description, script, success)
		VALUES ($1, $2, $3, $4, true)`
	if _, err := tx.ExecContext(ctx, insertSQL, m.Rank, m.Version, m.Description, m.Filename); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.Filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", m.Filename, err)
	}
	return nil
}
