// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package feed talks to the fansub-indexing site: per-show RSS feeds
// and the free-text HTML search page. Both surfaces are scraped and
// undocumented, so parsing tolerates missing elements and returns
// empty results instead of failing on malformed payloads.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikanarr/mikanarr/internal/buildinfo"
)

const maxFeedBytes int64 = 8 << 20

// Item is one release discovered in a feed. Recomputed on every fetch,
// never persisted.
type Item struct {
	Title       string    `json:"title"`
	TorrentURL  string    `json:"torrentUrl,omitempty"`
	Magnet      string    `json:"magnet,omitempty"`
	Hash        string    `json:"hash,omitempty"`
	Size        int64     `json:"size"`
	PublishedAt time.Time `json:"publishedAt"`
	Homepage    string    `json:"homepage,omitempty"`
}

// Downloadable reports whether the item carries something a download
// client can act on.
func (i Item) Downloadable() bool {
	return i.TorrentURL != "" || i.Magnet != ""
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func NewClient(baseURL string, timeoutSeconds int) *Client {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	timeout := time.Duration(timeoutSeconds) * time.Second

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
	}
}

// RSS document shapes. The torrent element lives in a vendor
// namespace and carries its own pubDate; encoding/xml matches it by
// local name regardless of the namespace URI, which also covers
// mirrors that use a different one.
type rssDoc struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title     string       `xml:"title"`
	GUID      string       `xml:"guid"`
	Link      string       `xml:"link"`
	PubDate   string       `xml:"pubDate"`
	Magnet    string       `xml:"magnet"`
	Enclosure rssEnclosure `xml:"enclosure"`
	Torrent   rssTorrent   `xml:"torrent"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Type   string `xml:"type,attr"`
	Length int64  `xml:"length,attr"`
}

type rssTorrent struct {
	Link          string `xml:"link"`
	ContentLength int64  `xml:"contentLength"`
	PubDate       string `xml:"pubDate"`
}

var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// GetFeed fetches and parses the per-show feed. A malformed payload is
// logged and yields an empty list; only transport failures are errors.
func (c *Client) GetFeed(ctx context.Context, showID, subgroupID string) ([]Item, error) {
	feedURL := c.feedURL(showID, subgroupID)

	body, err := c.get(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	items, err := c.parseFeed(body)
	if err != nil {
		log.Warn().Err(err).Str("showID", showID).Msg("Failed to parse feed, returning empty result")
		return []Item{}, nil
	}
	return items, nil
}

func (c *Client) feedURL(showID, subgroupID string) string {
	query := url.Values{}
	query.Set("bangumiId", showID)
	if subgroupID != "" {
		query.Set("subgroupid", subgroupID)
	}
	return c.baseURL + "/RSS/Bangumi?" + query.Encode()
}

// queryFeedURL returns the plain per-query feed used by the
// episode-links-only search fallback.
func (c *Client) queryFeedURL(searchTerm string) string {
	query := url.Values{}
	query.Set("searchstr", searchTerm)
	return c.baseURL + "/RSS/Search?" + query.Encode()
}

// GetQueryFeed fetches the free-text search feed instead of a per-show one.
func (c *Client) GetQueryFeed(ctx context.Context, searchTerm string) ([]Item, error) {
	body, err := c.get(ctx, c.queryFeedURL(searchTerm))
	if err != nil {
		return nil, err
	}

	items, err := c.parseFeed(body)
	if err != nil {
		log.Warn().Err(err).Str("query", searchTerm).Msg("Failed to parse query feed, returning empty result")
		return []Item{}, nil
	}
	return items, nil
}

func (c *Client) parseFeed(body []byte) ([]Item, error) {
	var doc rssDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal feed: %w", err)
	}

	fetchedAt := time.Now().UTC()
	items := make([]Item, 0, len(doc.Channel.Items))
	for _, raw := range doc.Channel.Items {
		torrentURL := raw.Enclosure.URL
		if torrentURL == "" {
			torrentURL = raw.Torrent.Link
		}
		if strings.HasPrefix(torrentURL, "/") {
			torrentURL = c.baseURL + torrentURL
		}

		size := raw.Enclosure.Length
		if size == 0 {
			size = raw.Torrent.ContentLength
		}

		item := Item{
			Title:       strings.TrimSpace(raw.Title),
			TorrentURL:  torrentURL,
			Magnet:      strings.TrimSpace(raw.Magnet),
			Size:        size,
			PublishedAt: parsePubDate(fetchedAt, raw.Torrent.PubDate, raw.PubDate),
			Homepage:    raw.Link,
		}

		if hash, ok := ResolveHash(item.Magnet, item.TorrentURL, raw.GUID); ok {
			item.Hash = hash
		}

		items = append(items, item)
	}
	return items, nil
}

// parsePubDate tries each candidate string against the known layouts,
// falling back to the fetch time.
func parsePubDate(fallback time.Time, candidates ...string) time.Time {
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		for _, layout := range pubDateLayouts {
			if t, err := time.Parse(layout, candidate); err == nil {
				return t.UTC()
			}
		}
	}
	return fallback
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("feed source returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}
	return data, nil
}
