// Package store is the durable, crash-safe record of listings and their
// PSBT schedules, backed by SQLite opened in WAL mode with a single
// writable connection so the embedded database's own single-writer
// discipline supplies the serialization the broker's concurrency model
// requires.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config selects where the database file lives.
type Config struct {
	// Path is the sqlite database file. If empty, defaults to
	// "listings.db" in the current directory.
	Path string
}

// Store wraps a *sql.DB holding the listings and psbt_steps relations.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (creating if necessary) the database at cfg.Path and runs schema setup.
func New(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = "listings.db"
	}
	path = expandPath(path)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A single writable connection turns sqlite's own single-writer
	// discipline into the broker's store-level serialization guarantee.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	asset_name        TEXT NOT NULL,
	asset_qty         INTEGER NOT NULL,
	asset_divisible   INTEGER NOT NULL,
	utxo_txid         TEXT NOT NULL,
	utxo_vout         INTEGER NOT NULL,
	start_block       INTEGER NOT NULL,
	end_block         INTEGER NOT NULL,
	blocks_after_end  INTEGER NOT NULL,
	start_price_sats  INTEGER NOT NULL,
	end_price_sats    INTEGER NOT NULL,
	price_decrement   INTEGER NOT NULL,
	status            TEXT NOT NULL,
	seller            TEXT NOT NULL,
	created_at        DATETIME NOT NULL,
	spent_txid        TEXT,
	spent_block       INTEGER,
	spent_at          DATETIME,
	recipient         TEXT
);

-- At most one non-terminal listing per UTXO. Scoping the unique index
-- to non-terminal statuses (rather than a CHECK or a separate lock
-- table) lets insert_listing_atomic enforce the guard inside the very
-- same transaction as the insert, closing the TOCTOU window.
CREATE UNIQUE INDEX IF NOT EXISTS idx_listings_active_utxo
	ON listings(utxo_txid, utxo_vout)
	WHERE status IN ('upcoming', 'active', 'finished');

CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);
CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings(seller);
CREATE INDEX IF NOT EXISTS idx_listings_recipient ON listings(recipient);
CREATE INDEX IF NOT EXISTS idx_listings_utxo ON listings(utxo_txid, utxo_vout);

CREATE TABLE IF NOT EXISTS psbt_steps (
	listing_id    INTEGER NOT NULL REFERENCES listings(id),
	block_number  INTEGER NOT NULL,
	price_sats    INTEGER NOT NULL,
	psbt_data     TEXT NOT NULL,
	PRIMARY KEY (listing_id, block_number)
);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
