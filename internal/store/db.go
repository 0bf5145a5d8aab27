// Package store is the durable persistence layer for jobs and accounts,
// backed by bun over modernc.org/sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

// DB wraps the bun connection and exposes the two repositories.
type DB struct {
	bun  *bun.DB
	path string
}

// Open creates the data directory if needed, opens the sqlite file at
// dataDir/filename, applies the pragma set the teacher applies to its
// own database, and reconciles the schema.
func Open(ctx context.Context, dataDir, filename string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, filename)

	sqldb, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bundb := bun.NewDB(sqldb, sqlitedialect.New())

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
	}
	for _, pragma := range pragmas {
		if _, err := bundb.ExecContext(ctx, pragma); err != nil {
			bundb.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	db := &DB{bun: bundb, path: dbPath}

	if err := db.migrate(ctx); err != nil {
		bundb.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.bun.Close()
}

// Conn exposes the bun handle for advanced queries.
func (db *DB) Conn() *bun.DB {
	return db.bun
}

// migrate creates tables and indexes idempotently, then reconciles
// additive columns against the current model shape. Per the durability
// contract, migrate never drops or alters an existing column — only
// CREATE TABLE IF NOT EXISTS and ADD COLUMN IF NOT EXISTS are permitted,
// so a running pipeline is never caught mid-deploy with a locked table.
func (db *DB) migrate(ctx context.Context) error {
	tx, err := db.bun.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := createTables(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := createIndexes(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := reconcileColumns(ctx, db.bun, "jobs", jobColumns); err != nil {
		return err
	}
	return reconcileColumns(ctx, db.bun, "accounts", accountColumns)
}

func createTables(ctx context.Context, tx bun.Tx) error {
	if _, err := tx.NewCreateTable().Model((*jobModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	_, err := tx.NewCreateTable().Model((*accountModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

func createIndexes(ctx context.Context, tx bun.Tx) error {
	if _, err := tx.NewCreateIndex().Model((*jobModel)(nil)).
		Index("idx_jobs_status").Column("status").IfNotExists().Exec(ctx); err != nil {
		return err
	}
	if _, err := tx.NewCreateIndex().Model((*jobModel)(nil)).
		Index("idx_jobs_platform_status").Column("platform", "status").IfNotExists().Exec(ctx); err != nil {
		return err
	}
	if _, err := tx.NewCreateIndex().Model((*jobModel)(nil)).
		Index("idx_jobs_video_id").Column("video_id").IfNotExists().Exec(ctx); err != nil {
		return err
	}
	_, err := tx.NewCreateIndex().Model((*accountModel)(nil)).
		Index("idx_accounts_platform_status").Column("platform", "status").IfNotExists().Exec(ctx)
	return err
}

// column describes one additive column a prior schema version may be
// missing, so PRAGMA table_info can drive a reconciliation pass instead
// of relying on bun's create-only DDL.
type column struct {
	name string
	ddl  string
}

var jobColumns = []column{
	{"account_id", "INTEGER"},
	{"has_account", "BOOLEAN NOT NULL DEFAULT 0"},
	{"task_state", "TEXT NOT NULL DEFAULT ''"},
	{"retry_count", "INTEGER NOT NULL DEFAULT 0"},
	{"max_retries", "INTEGER NOT NULL DEFAULT 3"},
}

var accountColumns = []column{
	{"device_id", "TEXT NOT NULL DEFAULT ''"},
	{"credits_reset_at", "DATETIME"},
	{"leased", "BOOLEAN NOT NULL DEFAULT 0"},
}

func reconcileColumns(ctx context.Context, db *bun.DB, table string, cols []column) error {
	existing := make(map[string]bool)

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range cols {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.ddl)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
		}
	}
	return nil
}
