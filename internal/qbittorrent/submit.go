// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/mikanarr/mikanarr/internal/buildinfo"
)

const (
	addVerifyAttempts = 3
	maxTorrentBytes   = 16 << 20
)

// addVerifyDelay is a var so tests can collapse the polling waits.
var addVerifyDelay = 2 * time.Second

// SubmitRequest is one release to hand to the download client. At
// least one of TorrentURL and Magnet must be set; Hash, when known,
// makes the post-add verification exact instead of count-based.
type SubmitRequest struct {
	Title      string
	TorrentURL string
	Magnet     string
	Hash       string
}

func (r SubmitRequest) sources() []string {
	var urls []string
	if r.Magnet != "" {
		urls = append(urls, r.Magnet)
	}
	if r.TorrentURL != "" {
		urls = append(urls, r.TorrentURL)
	}
	return urls
}

// AddTorrentWithTracking submits a release and verifies the client
// actually accepted it. The WebUI acknowledges adds it then silently
// drops (unreachable trackers, duplicate torrents, parse failures), so
// acknowledgement alone is not success. The protocol is: record a
// baseline, submit by URL, poll for visibility, fall back to
// downloading the .torrent payload and re-submitting as multipart,
// then re-assert the save path which the client sometimes ignores on
// add.
func (c *Client) AddTorrentWithTracking(ctx context.Context, req SubmitRequest, opts AddOptions) error {
	urls := req.sources()
	if len(urls) == 0 {
		return fmt.Errorf("release %q carries no downloadable source", req.Title)
	}

	baseline, baselineOK := c.torrentBaseline(ctx, opts.Category)

	if err := c.AddTorrentByURL(ctx, urls, opts); err != nil {
		return err
	}

	visible, err := c.waitVisible(ctx, req, opts.Category, baseline, baselineOK)
	if err != nil {
		return err
	}

	if !visible && strings.HasPrefix(req.TorrentURL, "http") {
		log.Debug().Str("title", req.Title).Msg("Torrent not visible after URL add, retrying with payload upload")

		payload, fetchErr := c.fetchTorrentPayload(ctx, req.TorrentURL)
		if fetchErr != nil {
			return fmt.Errorf("torrent %q not visible after add and payload fetch failed: %w", req.Title, fetchErr)
		}

		if err := c.AddTorrentByFile(ctx, torrentFilename(req), payload, opts); err != nil {
			return err
		}

		visible, err = c.waitVisible(ctx, req, opts.Category, baseline, baselineOK)
		if err != nil {
			return err
		}
	}

	if !visible {
		return fmt.Errorf("torrent %q was acknowledged but never appeared in the client", req.Title)
	}

	if opts.SavePath != "" && req.Hash != "" {
		// Some versions apply the category's default path instead of
		// the requested one. setLocation is idempotent, so assert it.
		if err := c.SetLocation(ctx, []string{req.Hash}, opts.SavePath); err != nil {
			return fmt.Errorf("torrent %q added but relocation failed: %w", req.Title, err)
		}
	}

	return nil
}

// torrentBaseline counts the torrents currently in the category.
// Best-effort: when the count is unavailable, verification relies on
// the hash alone.
func (c *Client) torrentBaseline(ctx context.Context, category string) (int, bool) {
	torrents, err := c.ListTorrents(ctx, category)
	if err != nil {
		log.Debug().Err(err).Msg("Baseline torrent count unavailable")
		return 0, false
	}
	return len(torrents), true
}

// waitVisible polls for the submitted torrent. Either signal counts:
// the expected hash showing up, or the category count growing past the
// baseline. The count path matters even with a known hash, because the
// client re-derives its own hash for hybrid v1/v2 torrents.
func (c *Client) waitVisible(ctx context.Context, req SubmitRequest, category string, baseline int, baselineOK bool) (bool, error) {
	for attempt := 0; attempt < addVerifyAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(addVerifyDelay):
		}

		if req.Hash != "" {
			torrents, err := c.ListTorrents(ctx, "", req.Hash)
			if err != nil {
				return false, err
			}
			if len(torrents) > 0 {
				return true, nil
			}
		}

		if !baselineOK {
			continue
		}
		torrents, err := c.ListTorrents(ctx, category)
		if err != nil {
			return false, err
		}
		if len(torrents) > baseline {
			return true, nil
		}
	}
	return false, nil
}

// fetchTorrentPayload downloads the raw .torrent file for the
// multipart fallback, retrying transient failures.
func (c *Client) fetchTorrentPayload(ctx context.Context, torrentURL string) ([]byte, error) {
	var payload []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, torrentURL, nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build torrent request: %w", err))
			}
			req.Header.Set("User-Agent", buildinfo.UserAgent)

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("fetch torrent payload: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("torrent source returned status %d", resp.StatusCode)
			}

			payload, err = io.ReadAll(io.LimitReader(resp.Body, maxTorrentBytes))
			if err != nil {
				return fmt.Errorf("read torrent payload: %w", err)
			}
			if len(payload) == 0 {
				return fmt.Errorf("torrent source returned an empty payload")
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func torrentFilename(req SubmitRequest) string {
	if req.Hash != "" {
		return req.Hash + ".torrent"
	}
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, req.Title)
	if name == "" {
		name = "release"
	}
	return name + ".torrent"
}
