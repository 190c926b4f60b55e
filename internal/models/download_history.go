// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikanarr/mikanarr/internal/dbinterface"
)

var ErrHistoryNotFound = errors.New("download history record not found")

// DownloadStatus tracks a record through the submission pipeline.
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "Pending"
	StatusDownloading DownloadStatus = "Downloading"
	StatusCompleted   DownloadStatus = "Completed"
	StatusFailed      DownloadStatus = "Failed"
)

// DownloadHistory is the dedup ledger: the canonical hash uniquely
// identifies one logical download, and the row's existence is the
// signal that an item was already handled. SubscriptionID is nil for
// manual (unsubscribed) downloads.
type DownloadHistory struct {
	ID             int64          `json:"id"`
	SubscriptionID *int64         `json:"subscriptionId,omitempty"`
	Title          string         `json:"title"`
	Hash           string         `json:"hash"`
	Size           int64          `json:"size"`
	Status         DownloadStatus `json:"status"`
	Error          string         `json:"error,omitempty"`
	DiscoveredAt   time.Time      `json:"discoveredAt"`
	DownloadedAt   *time.Time     `json:"downloadedAt,omitempty"`
	SyncedAt       *time.Time     `json:"syncedAt,omitempty"`
}

type DownloadHistoryStore struct {
	db dbinterface.Querier
}

func NewDownloadHistoryStore(db dbinterface.Querier) *DownloadHistoryStore {
	return &DownloadHistoryStore{db: db}
}

func (s *DownloadHistoryStore) Create(ctx context.Context, record *DownloadHistory) error {
	hash := strings.ToUpper(strings.TrimSpace(record.Hash))
	if hash == "" {
		return fmt.Errorf("hash cannot be empty")
	}
	if record.Status == "" {
		record.Status = StatusPending
	}

	const query = `
		INSERT INTO download_history (subscription_id, title, hash, size, status, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		record.SubscriptionID,
		record.Title,
		hash,
		record.Size,
		string(record.Status),
		record.Error,
	)
	if err != nil {
		return fmt.Errorf("create download history: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("create download history id: %w", err)
	}
	record.ID = id
	record.Hash = hash

	return nil
}

func (s *DownloadHistoryStore) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	hash = strings.ToUpper(strings.TrimSpace(hash))
	if hash == "" {
		return false, nil
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM download_history WHERE hash = ?`, hash).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("exists by hash: %w", err)
	}
	return true, nil
}

// FilterNewHashes returns the subset of hashes with no history record,
// preserving input order. The batch form keeps one poll cycle at a
// single round trip instead of one query per item.
func (s *DownloadHistoryStore) FilterNewHashes(ctx context.Context, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}

	normalized := make([]string, 0, len(hashes))
	args := make([]any, 0, len(hashes))
	for _, h := range hashes {
		h = strings.ToUpper(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		normalized = append(normalized, h)
		args = append(args, h)
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(
		`SELECT hash FROM download_history WHERE hash IN (%s)`,
		strings.TrimSuffix(strings.Repeat("?,", len(args)), ","),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("filter new hashes: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{}, len(normalized))
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		known[h] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var fresh []string
	seen := make(map[string]struct{}, len(normalized))
	for _, h := range normalized {
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		if _, ok := known[h]; !ok {
			fresh = append(fresh, h)
		}
	}
	return fresh, nil
}

// SetStatus transitions a record after a submission attempt or a later
// progress sync. A transition to Downloading stamps downloaded_at.
func (s *DownloadHistoryStore) SetStatus(ctx context.Context, id int64, status DownloadStatus, errMsg string) error {
	const query = `
		UPDATE download_history
		SET status = ?,
		    error = ?,
		    downloaded_at = CASE WHEN ? = 'Downloading' THEN CURRENT_TIMESTAMP ELSE downloaded_at END,
		    synced_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(status), errMsg, string(status), id)
	if err != nil {
		return fmt.Errorf("update download history: %w", err)
	}
	return requireRow(result, ErrHistoryNotFound)
}

// Delete removes a record, making its hash eligible for rediscovery on
// a later check cycle.
func (s *DownloadHistoryStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM download_history WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete download history: %w", err)
	}
	return requireRow(result, ErrHistoryNotFound)
}

func (s *DownloadHistoryStore) ListBySubscription(ctx context.Context, subscriptionID int64) ([]*DownloadHistory, error) {
	const query = `
		SELECT id, subscription_id, title, hash, size, status, error, discovered_at, downloaded_at, synced_at
		FROM download_history
		WHERE subscription_id = ?
		ORDER BY discovered_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list download history: %w", err)
	}
	defer rows.Close()

	var records []*DownloadHistory
	for rows.Next() {
		record, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download history: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *DownloadHistoryStore) GetByHash(ctx context.Context, hash string) (*DownloadHistory, error) {
	hash = strings.ToUpper(strings.TrimSpace(hash))

	const query = `
		SELECT id, subscription_id, title, hash, size, status, error, discovered_at, downloaded_at, synced_at
		FROM download_history
		WHERE hash = ?
	`

	record, err := scanHistory(s.db.QueryRowContext(ctx, query, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrHistoryNotFound
		}
		return nil, fmt.Errorf("get download history: %w", err)
	}
	return record, nil
}

func scanHistory(row rowScanner) (*DownloadHistory, error) {
	var (
		record         DownloadHistory
		subscriptionID sql.NullInt64
		status         string
		downloadedAt   sql.NullTime
		syncedAt       sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&subscriptionID,
		&record.Title,
		&record.Hash,
		&record.Size,
		&status,
		&record.Error,
		&record.DiscoveredAt,
		&downloadedAt,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = DownloadStatus(status)
	if subscriptionID.Valid {
		id := subscriptionID.Int64
		record.SubscriptionID = &id
	}
	if downloadedAt.Valid {
		t := downloadedAt.Time
		record.DownloadedAt = &t
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		record.SyncedAt = &t
	}

	return &record, nil
}
