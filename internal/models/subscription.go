// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mikanarr/mikanarr/internal/dbinterface"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// Subscription ties a show on the feed source to download rules.
// Counters are mutated by the polling engine; a "keep files"
// cancellation disables the row instead of deleting it so history
// stays attached.
type Subscription struct {
	ID              int64      `json:"id"`
	ShowName        string     `json:"showName"`
	MikanShowID     string     `json:"mikanShowId"`
	SubgroupID      string     `json:"subgroupId,omitempty"`
	IncludeKeywords []string   `json:"includeKeywords"`
	ExcludeKeywords []string   `json:"excludeKeywords"`
	Season          int        `json:"season"`
	TotalEpisodes   int        `json:"totalEpisodes"`
	SaveSubfolder   string     `json:"saveSubfolder,omitempty"`
	Enabled         bool       `json:"enabled"`
	DownloadCount   int        `json:"downloadCount"`
	LastCheckedAt   *time.Time `json:"lastCheckedAt,omitempty"`
	LastDownloadAt  *time.Time `json:"lastDownloadAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type SubscriptionStore struct {
	db dbinterface.Querier
}

func NewSubscriptionStore(db dbinterface.Querier) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func (s *SubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	if strings.TrimSpace(sub.ShowName) == "" {
		return fmt.Errorf("show name cannot be empty")
	}
	if strings.TrimSpace(sub.MikanShowID) == "" {
		return fmt.Errorf("mikan show id cannot be empty")
	}

	includeJSON, err := json.Marshal(nonNilStrings(sub.IncludeKeywords))
	if err != nil {
		return fmt.Errorf("encode include keywords: %w", err)
	}
	excludeJSON, err := json.Marshal(nonNilStrings(sub.ExcludeKeywords))
	if err != nil {
		return fmt.Errorf("encode exclude keywords: %w", err)
	}

	season := sub.Season
	if season <= 0 {
		season = 1
	}

	const query = `
		INSERT INTO subscriptions (
			show_name, mikan_show_id, subgroup_id, include_keywords, exclude_keywords,
			season, total_episodes, save_subfolder, enabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		sub.ShowName,
		sub.MikanShowID,
		sub.SubgroupID,
		string(includeJSON),
		string(excludeJSON),
		season,
		sub.TotalEpisodes,
		sub.SaveSubfolder,
		sub.Enabled,
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("create subscription id: %w", err)
	}
	sub.ID = id
	sub.Season = season

	return nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id int64) (*Subscription, error) {
	const query = `
		SELECT id, show_name, mikan_show_id, subgroup_id, include_keywords, exclude_keywords,
		       season, total_episodes, save_subfolder, enabled, download_count,
		       last_checked_at, last_download_at, created_at, updated_at
		FROM subscriptions
		WHERE id = ?
	`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListEnabled returns enabled subscriptions ordered by least recently
// checked, so a persistently failing subscription rotates to the back
// instead of starving the others. Limit <= 0 returns all.
func (s *SubscriptionStore) ListEnabled(ctx context.Context, limit int) ([]*Subscription, error) {
	query := `
		SELECT id, show_name, mikan_show_id, subgroup_id, include_keywords, exclude_keywords,
		       season, total_episodes, save_subfolder, enabled, download_count,
		       last_checked_at, last_download_at, created_at, updated_at
		FROM subscriptions
		WHERE enabled = 1
		ORDER BY last_checked_at IS NOT NULL, last_checked_at ASC, id ASC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// SoftDisable turns a subscription off without deleting it ("keep files" cancellation).
func (s *SubscriptionStore) SoftDisable(ctx context.Context, id int64) error {
	const query = `UPDATE subscriptions SET enabled = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("disable subscription: %w", err)
	}
	return requireRow(result, ErrSubscriptionNotFound)
}

// Delete removes the subscription and, via cascade, its download
// history ("delete files" cancellation).
func (s *SubscriptionStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return requireRow(result, ErrSubscriptionNotFound)
}

// TouchLastChecked stamps the last poll time regardless of poll outcome.
func (s *SubscriptionStore) TouchLastChecked(ctx context.Context, id int64, ts time.Time) error {
	const query = `UPDATE subscriptions SET last_checked_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, ts.UTC(), id); err != nil {
		return fmt.Errorf("touch subscription: %w", err)
	}
	return nil
}

// RecordDownload bumps the download counter and last download timestamp
// after a verified submission.
func (s *SubscriptionStore) RecordDownload(ctx context.Context, id int64, ts time.Time) error {
	const query = `
		UPDATE subscriptions
		SET download_count = download_count + 1,
		    last_download_at = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	if _, err := s.db.ExecContext(ctx, query, ts.UTC(), id); err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub          Subscription
		includeJSON  string
		excludeJSON  string
		lastChecked  sql.NullTime
		lastDownload sql.NullTime
	)

	err := row.Scan(
		&sub.ID,
		&sub.ShowName,
		&sub.MikanShowID,
		&sub.SubgroupID,
		&includeJSON,
		&excludeJSON,
		&sub.Season,
		&sub.TotalEpisodes,
		&sub.SaveSubfolder,
		&sub.Enabled,
		&sub.DownloadCount,
		&lastChecked,
		&lastDownload,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.IncludeKeywords = decodeStringArray(includeJSON)
	sub.ExcludeKeywords = decodeStringArray(excludeJSON)
	if lastChecked.Valid {
		t := lastChecked.Time
		sub.LastCheckedAt = &t
	}
	if lastDownload.Valid {
		t := lastDownload.Time
		sub.LastDownloadAt = &t
	}

	return &sub, nil
}

func decodeStringArray(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	if out == nil {
		return []string{}
	}
	return out
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func requireRow(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
