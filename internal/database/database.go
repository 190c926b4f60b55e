// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle and owns schema migrations.
type DB struct {
	*sql.DB
}

// New opens (creating if necessary) the sqlite database at path and
// applies pending migrations.
func New(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// modernc sqlite serializes writes; a single writer connection
	// avoids SQLITE_BUSY under concurrent polls.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// NewInMemory opens a throwaway in-memory database, used by tests.
func NewInMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		show_name TEXT NOT NULL,
		mikan_show_id TEXT NOT NULL,
		subgroup_id TEXT NOT NULL DEFAULT '',
		include_keywords TEXT NOT NULL DEFAULT '[]',
		exclude_keywords TEXT NOT NULL DEFAULT '[]',
		season INTEGER NOT NULL DEFAULT 1,
		total_episodes INTEGER NOT NULL DEFAULT 0,
		save_subfolder TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		download_count INTEGER NOT NULL DEFAULT 0,
		last_checked_at DATETIME,
		last_download_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_show
		ON subscriptions (mikan_show_id, subgroup_id)`,
	`CREATE TABLE IF NOT EXISTS download_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subscription_id INTEGER REFERENCES subscriptions(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		hash TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'Pending',
		error TEXT NOT NULL DEFAULT '',
		discovered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		downloaded_at DATETIME,
		synced_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_download_history_subscription
		ON download_history (subscription_id)`,
}

func (db *DB) migrate() error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	log.Debug().Int("migrations", len(migrations)).Msg("Database schema up to date")
	return nil
}
