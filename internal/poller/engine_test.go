// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikanarr/mikanarr/internal/domain"
	"github.com/mikanarr/mikanarr/internal/feed"
	"github.com/mikanarr/mikanarr/internal/models"
	"github.com/mikanarr/mikanarr/internal/qbittorrent"
)

type fakeSubs struct {
	subs      []*models.Subscription
	listErr   error
	touched   []int64
	downloads []int64
}

func (f *fakeSubs) ListEnabled(_ context.Context, limit int) ([]*models.Subscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit > 0 && limit < len(f.subs) {
		return f.subs[:limit], nil
	}
	return f.subs, nil
}

func (f *fakeSubs) TouchLastChecked(_ context.Context, id int64, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeSubs) RecordDownload(_ context.Context, id int64, _ time.Time) error {
	f.downloads = append(f.downloads, id)
	return nil
}

type fakeHistory struct {
	known    map[string]struct{}
	created  []*models.DownloadHistory
	statuses map[int64]models.DownloadStatus
	errs     map[int64]string
	deleted  []int64
	nextID   int64
}

func newFakeHistory(knownHashes ...string) *fakeHistory {
	known := map[string]struct{}{}
	for _, h := range knownHashes {
		known[h] = struct{}{}
	}
	return &fakeHistory{
		known:    known,
		statuses: map[int64]models.DownloadStatus{},
		errs:     map[int64]string{},
	}
}

func (f *fakeHistory) FilterNewHashes(_ context.Context, hashes []string) ([]string, error) {
	var fresh []string
	for _, h := range hashes {
		if _, ok := f.known[h]; !ok {
			fresh = append(fresh, h)
		}
	}
	return fresh, nil
}

func (f *fakeHistory) Create(_ context.Context, record *models.DownloadHistory) error {
	f.nextID++
	record.ID = f.nextID
	f.created = append(f.created, record)
	f.known[record.Hash] = struct{}{}
	f.statuses[record.ID] = record.Status
	return nil
}

func (f *fakeHistory) SetStatus(_ context.Context, id int64, status models.DownloadStatus, errMsg string) error {
	f.statuses[id] = status
	f.errs[id] = errMsg
	return nil
}

func (f *fakeHistory) Delete(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	delete(f.statuses, id)
	for _, record := range f.created {
		if record.ID == id {
			delete(f.known, record.Hash)
		}
	}
	return nil
}

type fakeFeed struct {
	feeds map[string]*feed.ParsedFeed
	errs  map[string]error
}

func (f *fakeFeed) GetParsedFeed(_ context.Context, showID, _ string, _ int) (*feed.ParsedFeed, error) {
	if err, ok := f.errs[showID]; ok {
		return nil, err
	}
	if parsed, ok := f.feeds[showID]; ok {
		return parsed, nil
	}
	return &feed.ParsedFeed{}, nil
}

type fakeSubmitter struct {
	failWith map[string]error
	requests []qbittorrent.SubmitRequest
	options  []qbittorrent.AddOptions
}

func (f *fakeSubmitter) AddTorrentWithTracking(_ context.Context, req qbittorrent.SubmitRequest, opts qbittorrent.AddOptions) error {
	f.requests = append(f.requests, req)
	f.options = append(f.options, opts)
	if err, ok := f.failWith[req.Hash]; ok {
		return err
	}
	return nil
}

func parsedItem(title, hash string) feed.ParsedItem {
	return feed.ParsedItem{Item: feed.Item{
		Title:  title,
		Magnet: "magnet:?xt=urn:btih:" + hash,
		Hash:   hash,
	}}
}

func testConfig() *domain.Config {
	return &domain.Config{
		SavePath:      "/downloads",
		Category:      "anime",
		ShowSubfolder: true,
	}
}

func testSubscription() *models.Subscription {
	return &models.Subscription{
		ID:          1,
		ShowName:    "Frieren",
		MikanShowID: "3141",
		Season:      1,
	}
}

func TestCheckSubscription_SubmitsFreshMatches(t *testing.T) {
	hashA := "A000000000000000000000000000000000000001"
	hashB := "B000000000000000000000000000000000000002"

	subs := &fakeSubs{}
	history := newFakeHistory(hashB)
	feeds := &fakeFeed{feeds: map[string]*feed.ParsedFeed{
		"3141": {Items: []feed.ParsedItem{
			parsedItem("[Group] Frieren - 07 [1080p]", hashA),
			parsedItem("[Group] Frieren - 06 [1080p]", hashB),
		}},
	}}
	submitter := &fakeSubmitter{}

	engine := NewEngine(subs, history, feeds, submitter, testConfig())
	result := engine.CheckSubscription(context.Background(), testSubscription())

	assert.Equal(t, Result{Checked: 1, Matched: 1, Submitted: 1}, result)

	require.Len(t, submitter.requests, 1)
	assert.Equal(t, hashA, submitter.requests[0].Hash)
	assert.Equal(t, "/downloads/Frieren", submitter.options[0].SavePath)
	assert.Equal(t, "anime", submitter.options[0].Category)

	require.Len(t, history.created, 1)
	assert.Equal(t, models.StatusDownloading, history.statuses[history.created[0].ID])
	require.NotNil(t, history.created[0].SubscriptionID)
	assert.EqualValues(t, 1, *history.created[0].SubscriptionID)

	assert.Equal(t, []int64{1}, subs.downloads)
	assert.Equal(t, []int64{1}, subs.touched, "last checked must be stamped")
}

func TestCheckSubscription_KeywordFilter(t *testing.T) {
	hash1080 := "1000000000000000000000000000000000000001"
	hash720 := "2000000000000000000000000000000000000002"
	hashTrad := "3000000000000000000000000000000000000003"

	sub := testSubscription()
	sub.IncludeKeywords = []string{"1080p", "简"}
	sub.ExcludeKeywords = []string{"繁體"}

	history := newFakeHistory()
	feeds := &fakeFeed{feeds: map[string]*feed.ParsedFeed{
		"3141": {Items: []feed.ParsedItem{
			parsedItem("[Group] Frieren - 07 [1080P][简体]", hash1080),
			parsedItem("[Group] Frieren - 07 [720p][简体]", hash720),
			parsedItem("[Group] Frieren - 07 [1080p][简体][繁體]", hashTrad),
		}},
	}}
	submitter := &fakeSubmitter{}

	engine := NewEngine(&fakeSubs{}, history, feeds, submitter, testConfig())
	result := engine.CheckSubscription(context.Background(), sub)

	assert.Equal(t, Result{Checked: 1, Matched: 1, Submitted: 1}, result)
	require.Len(t, submitter.requests, 1)
	assert.Equal(t, hash1080, submitter.requests[0].Hash, "include matching is case-insensitive, excludes veto")
}

func TestCheckSubscription_FeedErrorStillStampsLastChecked(t *testing.T) {
	subs := &fakeSubs{}
	feeds := &fakeFeed{errs: map[string]error{"3141": errors.New("connection refused")}}

	engine := NewEngine(subs, newFakeHistory(), feeds, &fakeSubmitter{}, testConfig())
	result := engine.CheckSubscription(context.Background(), testSubscription())

	assert.Equal(t, Result{Checked: 1, Failed: 1}, result)
	assert.Equal(t, []int64{1}, subs.touched)
}

func TestCheckSubscription_SubmitFailureMarksRecordFailed(t *testing.T) {
	hashA := "A000000000000000000000000000000000000001"
	hashB := "B000000000000000000000000000000000000002"

	history := newFakeHistory()
	feeds := &fakeFeed{feeds: map[string]*feed.ParsedFeed{
		"3141": {Items: []feed.ParsedItem{
			parsedItem("[Group] Frieren - 07", hashA),
			parsedItem("[Group] Frieren - 08", hashB),
		}},
	}}
	submitter := &fakeSubmitter{failWith: map[string]error{
		hashA: errors.New("torrent was acknowledged but never appeared in the client"),
	}}

	engine := NewEngine(&fakeSubs{}, history, feeds, submitter, testConfig())
	result := engine.CheckSubscription(context.Background(), testSubscription())

	assert.Equal(t, Result{Checked: 1, Matched: 2, Submitted: 1, Failed: 1}, result)
	assert.Len(t, submitter.requests, 2, "one failed item must not abort the rest")

	require.Len(t, history.created, 2)
	assert.Equal(t, models.StatusFailed, history.statuses[history.created[0].ID])
	assert.Contains(t, history.errs[history.created[0].ID], "never appeared")
	assert.Equal(t, models.StatusDownloading, history.statuses[history.created[1].ID])
}

func TestCheckSubscription_BreakerDefersRemainingItems(t *testing.T) {
	hashA := "A000000000000000000000000000000000000001"
	hashB := "B000000000000000000000000000000000000002"

	history := newFakeHistory()
	feeds := &fakeFeed{feeds: map[string]*feed.ParsedFeed{
		"3141": {Items: []feed.ParsedItem{
			parsedItem("[Group] Frieren - 07", hashA),
			parsedItem("[Group] Frieren - 08", hashB),
		}},
	}}
	submitter := &fakeSubmitter{failWith: map[string]error{
		hashA: &qbittorrent.EndpointSuspendedError{Endpoint: "http://localhost:8080", RetryAfter: time.Minute},
	}}

	engine := NewEngine(&fakeSubs{}, history, feeds, submitter, testConfig())
	result := engine.CheckSubscription(context.Background(), testSubscription())

	assert.Equal(t, Result{Checked: 1, Matched: 1, Failed: 1}, result)
	assert.Len(t, submitter.requests, 1, "a tripped breaker must defer the remaining items")
	require.Len(t, history.created, 1)
	assert.Equal(t, []int64{history.created[0].ID}, history.deleted, "a breaker failure must not leave a record that dedup-blocks the retry")

	// Once the breaker clears, the next cycle must pick both items up again.
	submitter.failWith = nil
	result = engine.CheckSubscription(context.Background(), testSubscription())

	assert.Equal(t, Result{Checked: 1, Matched: 2, Submitted: 2}, result)
	require.Len(t, submitter.requests, 3)
	assert.Equal(t, hashA, submitter.requests[1].Hash)
	assert.Equal(t, hashB, submitter.requests[2].Hash)
}

func TestCheckSubscription_SkipsUntrackableItems(t *testing.T) {
	feeds := &fakeFeed{feeds: map[string]*feed.ParsedFeed{
		"3141": {Items: []feed.ParsedItem{
			{Item: feed.Item{Title: "no sources at all"}},
			{Item: feed.Item{Title: "no hash", TorrentURL: "http://example.org/a.torrent"}},
		}},
	}}
	submitter := &fakeSubmitter{}

	engine := NewEngine(&fakeSubs{}, newFakeHistory(), feeds, submitter, testConfig())
	result := engine.CheckSubscription(context.Background(), testSubscription())

	assert.Equal(t, Result{Checked: 1}, result)
	assert.Empty(t, submitter.requests)
}

func TestCheckAll_OneFailureDoesNotAbortCycle(t *testing.T) {
	hashA := "A000000000000000000000000000000000000001"

	subA := testSubscription()
	subB := &models.Subscription{ID: 2, ShowName: "Apothecary", MikanShowID: "2718", Season: 1}

	subs := &fakeSubs{subs: []*models.Subscription{subA, subB}}
	feeds := &fakeFeed{
		errs: map[string]error{"3141": errors.New("feed source returned status 502")},
		feeds: map[string]*feed.ParsedFeed{
			"2718": {Items: []feed.ParsedItem{parsedItem("[Group] Apothecary - 01", hashA)}},
		},
	}
	submitter := &fakeSubmitter{}

	engine := NewEngine(subs, newFakeHistory(), feeds, submitter, testConfig())
	result := engine.CheckAll(context.Background())

	assert.Equal(t, Result{Checked: 2, Matched: 1, Submitted: 1, Failed: 1}, result)
	assert.Equal(t, []int64{1, 2}, subs.touched)
}

func TestCheckAll_RespectsLimit(t *testing.T) {
	subs := &fakeSubs{subs: []*models.Subscription{
		testSubscription(),
		{ID: 2, ShowName: "B", MikanShowID: "2", Season: 1},
		{ID: 3, ShowName: "C", MikanShowID: "3", Season: 1},
	}}
	cfg := testConfig()
	cfg.CheckAllLimit = 2

	engine := NewEngine(subs, newFakeHistory(), &fakeFeed{}, &fakeSubmitter{}, cfg)
	result := engine.CheckAll(context.Background())

	assert.Equal(t, 2, result.Checked)
	assert.Equal(t, []int64{1, 2}, subs.touched)
}

func TestMatchesKeywords(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		include []string
		exclude []string
		want    bool
	}{
		{name: "no rules matches everything", title: "[Group] Show - 07", want: true},
		{name: "all includes present", title: "[Group] Show [1080p][简体]", include: []string{"1080p", "简体"}, want: true},
		{name: "one include missing", title: "[Group] Show [720p][简体]", include: []string{"1080p", "简体"}, want: false},
		{name: "include is case-insensitive", title: "[Group] Show [1080P]", include: []string{"1080p"}, want: true},
		{name: "any exclude vetoes", title: "[Group] Show [1080p][繁體]", include: []string{"1080p"}, exclude: []string{"繁體"}, want: false},
		{name: "blank keywords are ignored", title: "[Group] Show", include: []string{" ", ""}, exclude: []string{""}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesKeywords(tt.title, tt.include, tt.exclude))
		})
	}
}
