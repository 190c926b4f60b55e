// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package poller drives the subscription check cycle: fetch each
// enabled subscription's feed, filter by keywords, dedup against
// download history, and hand new releases to the download client.
package poller

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikanarr/mikanarr/internal/domain"
	"github.com/mikanarr/mikanarr/internal/feed"
	"github.com/mikanarr/mikanarr/internal/models"
	"github.com/mikanarr/mikanarr/internal/qbittorrent"
)

// SubscriptionStore is the subscription persistence the engine needs.
type SubscriptionStore interface {
	ListEnabled(ctx context.Context, limit int) ([]*models.Subscription, error)
	TouchLastChecked(ctx context.Context, id int64, ts time.Time) error
	RecordDownload(ctx context.Context, id int64, ts time.Time) error
}

// HistoryStore is the dedup ledger the engine needs.
type HistoryStore interface {
	FilterNewHashes(ctx context.Context, hashes []string) ([]string, error)
	Create(ctx context.Context, record *models.DownloadHistory) error
	SetStatus(ctx context.Context, id int64, status models.DownloadStatus, errMsg string) error
	Delete(ctx context.Context, id int64) error
}

// FeedSource fetches and parses per-show feeds.
type FeedSource interface {
	GetParsedFeed(ctx context.Context, showID, subgroupID string, totalEpisodes int) (*feed.ParsedFeed, error)
}

// Submitter hands releases to the download client.
type Submitter interface {
	AddTorrentWithTracking(ctx context.Context, req qbittorrent.SubmitRequest, opts qbittorrent.AddOptions) error
}

// Result aggregates one check cycle.
type Result struct {
	Checked   int
	Matched   int
	Submitted int
	Failed    int
}

func (r *Result) add(other Result) {
	r.Checked += other.Checked
	r.Matched += other.Matched
	r.Submitted += other.Submitted
	r.Failed += other.Failed
}

type Engine struct {
	subs    SubscriptionStore
	history HistoryStore
	feeds   FeedSource
	client  Submitter
	cfg     *domain.Config
}

func NewEngine(subs SubscriptionStore, history HistoryStore, feeds FeedSource, client Submitter, cfg *domain.Config) *Engine {
	return &Engine{
		subs:    subs,
		history: history,
		feeds:   feeds,
		client:  client,
		cfg:     cfg,
	}
}

// Run checks all subscriptions immediately, then on every interval
// tick until the context is cancelled. Cycles run strictly one at a
// time; a slow cycle delays the next tick rather than overlapping it.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("Subscription polling started")

	e.CheckAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription polling stopped")
			return
		case <-ticker.C:
			e.CheckAll(ctx)
		}
	}
}

// CheckAll polls enabled subscriptions sequentially, least recently
// checked first, up to the configured cap per cycle. One
// subscription's failure never aborts the cycle.
func (e *Engine) CheckAll(ctx context.Context) Result {
	var total Result

	subs, err := e.subs.ListEnabled(ctx, e.cfg.CheckAllLimit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list subscriptions for check cycle")
		return total
	}

	delay := time.Duration(e.cfg.CheckDelaySeconds) * time.Second

	for i, sub := range subs {
		if ctx.Err() != nil {
			return total
		}

		total.add(e.CheckSubscription(ctx, sub))

		if delay > 0 && i < len(subs)-1 {
			select {
			case <-ctx.Done():
				return total
			case <-time.After(delay):
			}
		}
	}

	if total.Checked > 0 {
		log.Info().
			Int("checked", total.Checked).
			Int("matched", total.Matched).
			Int("submitted", total.Submitted).
			Int("failed", total.Failed).
			Msg("Check cycle finished")
	}
	return total
}

// CheckSubscription polls one subscription. The last-checked stamp is
// written whatever the outcome, so a subscription whose feed or
// download client is broken still rotates to the back of the queue.
func (e *Engine) CheckSubscription(ctx context.Context, sub *models.Subscription) (result Result) {
	result.Checked = 1

	defer func() {
		// Stamp even when the surrounding context was cancelled.
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.subs.TouchLastChecked(touchCtx, sub.ID, time.Now()); err != nil {
			log.Error().Err(err).Int64("subscription", sub.ID).Msg("Failed to stamp last checked time")
		}
	}()

	parsed, err := e.feeds.GetParsedFeed(ctx, sub.MikanShowID, sub.SubgroupID, sub.TotalEpisodes)
	if err != nil {
		log.Error().Err(err).Int64("subscription", sub.ID).Str("show", sub.ShowName).Msg("Feed fetch failed")
		result.Failed = 1
		return result
	}

	candidates := e.matchingItems(sub, parsed.Items)
	if len(candidates) == 0 {
		return result
	}

	hashes := make([]string, 0, len(candidates))
	for _, item := range candidates {
		hashes = append(hashes, item.Hash)
	}

	fresh, err := e.history.FilterNewHashes(ctx, hashes)
	if err != nil {
		log.Error().Err(err).Int64("subscription", sub.ID).Msg("History dedup query failed")
		result.Failed = 1
		return result
	}
	freshSet := make(map[string]struct{}, len(fresh))
	for _, h := range fresh {
		freshSet[h] = struct{}{}
	}

	opts := e.addOptions(sub)

	for _, item := range candidates {
		if _, ok := freshSet[item.Hash]; !ok {
			continue
		}
		result.Matched++

		submitted, err := e.submitItem(ctx, sub, item, opts)
		if submitted {
			result.Submitted++
			continue
		}
		result.Failed++

		// A tripped breaker fails every remaining item the same way;
		// leave them unrecorded so the next cycle retries them.
		if isBreakerError(err) {
			log.Warn().Err(err).Int64("subscription", sub.ID).Msg("Download client unavailable, deferring remaining items")
			break
		}
	}

	return result
}

// isBreakerError reports whether a submission failed because the
// download client's circuit breaker is open rather than because of the
// item itself.
func isBreakerError(err error) bool {
	return errors.Is(err, &qbittorrent.EndpointSuspendedError{}) || errors.Is(err, &qbittorrent.CredentialLockedError{})
}

// matchingItems applies the subscription's keyword rules: every
// include keyword must appear in the title and no exclude keyword may,
// both as case-insensitive substrings. Items without a resolvable hash
// cannot be dedup-tracked and are skipped.
func (e *Engine) matchingItems(sub *models.Subscription, items []feed.ParsedItem) []feed.ParsedItem {
	var out []feed.ParsedItem
	for _, item := range items {
		if !item.Downloadable() {
			continue
		}
		if item.Hash == "" {
			log.Debug().Str("title", item.Title).Msg("Skipping item without a resolvable hash")
			continue
		}
		if !matchesKeywords(item.Title, sub.IncludeKeywords, sub.ExcludeKeywords) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func matchesKeywords(title string, include, exclude []string) bool {
	lower := strings.ToLower(title)

	for _, kw := range include {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if !strings.Contains(lower, kw) {
			return false
		}
	}
	for _, kw := range exclude {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}

// submitItem records the item, hands it to the download client, and
// settles the record's status. Returns whether the submission was
// verified, plus the submission error for breaker inspection.
func (e *Engine) submitItem(ctx context.Context, sub *models.Subscription, item feed.ParsedItem, opts qbittorrent.AddOptions) (bool, error) {
	subID := sub.ID
	record := &models.DownloadHistory{
		SubscriptionID: &subID,
		Title:          item.Title,
		Hash:           item.Hash,
		Size:           item.Size,
		Status:         models.StatusPending,
	}
	if err := e.history.Create(ctx, record); err != nil {
		log.Error().Err(err).Str("title", item.Title).Msg("Failed to record download")
		return false, err
	}

	err := e.client.AddTorrentWithTracking(ctx, qbittorrent.SubmitRequest{
		Title:      item.Title,
		TorrentURL: item.TorrentURL,
		Magnet:     item.Magnet,
		Hash:       item.Hash,
	}, opts)
	if err != nil {
		log.Error().Err(err).Str("title", item.Title).Int64("subscription", sub.ID).Msg("Submission failed")
		if isBreakerError(err) {
			// The item never reached the client. A Failed row would
			// dedup-block it forever, so drop the record and let the
			// next cycle rediscover the hash once the breaker clears.
			if delErr := e.history.Delete(ctx, record.ID); delErr != nil {
				log.Error().Err(delErr).Int64("record", record.ID).Msg("Failed to drop deferred record")
			}
			return false, err
		}
		if statusErr := e.history.SetStatus(ctx, record.ID, models.StatusFailed, err.Error()); statusErr != nil {
			log.Error().Err(statusErr).Int64("record", record.ID).Msg("Failed to mark record failed")
		}
		return false, err
	}

	if statusErr := e.history.SetStatus(ctx, record.ID, models.StatusDownloading, ""); statusErr != nil {
		log.Error().Err(statusErr).Int64("record", record.ID).Msg("Failed to mark record downloading")
	}
	if err := e.subs.RecordDownload(ctx, sub.ID, time.Now()); err != nil {
		log.Error().Err(err).Int64("subscription", sub.ID).Msg("Failed to bump download counter")
	}

	log.Info().Str("title", item.Title).Str("show", sub.ShowName).Msg("Release submitted")
	return true, nil
}

// addOptions builds the download client options for a subscription,
// appending the per-show subfolder to the base save path when enabled.
func (e *Engine) addOptions(sub *models.Subscription) qbittorrent.AddOptions {
	savePath := e.cfg.SavePath
	if savePath != "" && e.cfg.ShowSubfolder {
		subfolder := strings.TrimSpace(sub.SaveSubfolder)
		if subfolder == "" {
			subfolder = strings.TrimSpace(sub.ShowName)
		}
		if subfolder != "" {
			savePath = path.Join(savePath, subfolder)
		}
	}

	var tags []string
	if e.cfg.Tags != "" {
		for _, tag := range strings.Split(e.cfg.Tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	return qbittorrent.AddOptions{
		SavePath: savePath,
		Category: e.cfg.Category,
		Tags:     tags,
		Paused:   e.cfg.AddPaused,
	}
}
