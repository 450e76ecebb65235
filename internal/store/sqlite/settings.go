// Package sqlite is a settings backend (model.KV) on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"market-screener/internal/model"
)

// Config configures the SQLite backend.
type Config struct {
	DBPath string // e.g. "data/settings.db"
}

// SettingsKV implements model.KV over a single key/value table.
type SettingsKV struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (kv *SettingsKV) DB() *sql.DB { return kv.db }

// New opens (or creates) the database in WAL mode and ensures the schema.
func New(cfg Config) (*SettingsKV, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}

	log.Printf("[sqlite] opened settings database at %s", cfg.DBPath)
	return &SettingsKV{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT    PRIMARY KEY,
			value      BLOB    NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

// Get returns model.ErrNotFound when the key is absent.
func (kv *SettingsKV) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := kv.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s: %w", key, err)
	}
	return val, nil
}

// Set upserts key.
func (kv *SettingsKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := kv.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: set %s: %w", key, err)
	}
	return nil
}

// Ping checks the database (health endpoint).
func (kv *SettingsKV) Ping(ctx context.Context) error {
	return kv.db.PingContext(ctx)
}

// Close closes the database.
func (kv *SettingsKV) Close() error {
	return kv.db.Close()
}
