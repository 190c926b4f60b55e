// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRSS = `<?xml version="1.0" encoding="utf-8"?>
<rss version="2.0" xmlns:torrent="https://mikanani.me/0.1/">
  <channel>
    <title>Mikan Project - Frieren</title>
    <item>
      <guid isPermaLink="false">[Group] Frieren - 07 [1080p]</guid>
      <link>https://mikanani.me/Home/Episode/` + sampleHash + `</link>
      <title>[Group] Frieren - 07 [1080p]</title>
      <torrent xmlns="https://mikanani.me/0.1/">
        <link>/Download/20250607/` + sampleHash + `.torrent</link>
        <contentLength>731650176</contentLength>
        <pubDate>2025-06-07T21:00:00</pubDate>
      </torrent>
      <enclosure type="application/x-bittorrent" length="731650176" url="/Download/20250607/` + sampleHash + `.torrent"/>
    </item>
    <item>
      <title>[Group] Frieren - 06 [1080p]</title>
      <link>https://mikanani.me/Home/Episode/other</link>
      <magnet>magnet:?xt=urn:btih:` + sampleHashB32 + `</magnet>
      <pubDate>Sat, 31 May 2025 21:00:00 +0800</pubDate>
    </item>
  </channel>
</rss>`

func newFeedServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, NewClient(server.URL, 5)
}

func TestGetFeed(t *testing.T) {
	var gotPath string
	_, client := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		_, _ = w.Write([]byte(sampleRSS))
	})

	items, err := client.GetFeed(context.Background(), "3141", "583")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "/RSS/Bangumi?bangumiId=3141&subgroupid=583", gotPath)

	first := items[0]
	assert.Equal(t, "[Group] Frieren - 07 [1080p]", first.Title)
	assert.True(t, first.Downloadable())
	assert.Contains(t, first.TorrentURL, "://", "relative torrent links must be resolved against the base URL")
	assert.Equal(t, sampleHash, first.Hash)
	assert.EqualValues(t, 731650176, first.Size)
	assert.Equal(t, time.Date(2025, 6, 7, 21, 0, 0, 0, time.UTC), first.PublishedAt)

	second := items[1]
	assert.Empty(t, second.TorrentURL)
	assert.NotEmpty(t, second.Magnet)
	assert.Equal(t, sampleHash, second.Hash, "base32 magnet must canonicalize to the same hex hash")
	assert.Equal(t, 2025, second.PublishedAt.Year())
}

func TestGetFeed_MalformedPayloadIsNotAnError(t *testing.T) {
	_, client := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not a feed at all"))
	})

	items, err := client.GetFeed(context.Background(), "3141", "")
	require.NoError(t, err, "a garbled payload is the feed source's bug, not ours")
	assert.Empty(t, items)
}

func TestGetFeed_TransportFailureIsAnError(t *testing.T) {
	server, client := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	_, err := client.GetFeed(context.Background(), "3141", "")
	assert.Error(t, err)
}

func TestGetFeed_ErrorStatus(t *testing.T) {
	_, client := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetFeed(context.Background(), "3141", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestGetQueryFeed(t *testing.T) {
	var gotQuery string
	_, client := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Path + "?" + r.URL.RawQuery
		_, _ = w.Write([]byte(sampleRSS))
	})

	items, err := client.GetQueryFeed(context.Background(), "Frieren")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "/RSS/Search?searchstr=Frieren", gotQuery)
}

func TestParsePubDate(t *testing.T) {
	fallback := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		candidates []string
		want       time.Time
	}{
		{
			name:       "vendor timestamp without zone",
			candidates: []string{"2025-06-07T21:00:00"},
			want:       time.Date(2025, 6, 7, 21, 0, 0, 0, time.UTC),
		},
		{
			name:       "rfc1123z",
			candidates: []string{"Sat, 07 Jun 2025 21:00:00 +0000"},
			want:       time.Date(2025, 6, 7, 21, 0, 0, 0, time.UTC),
		},
		{
			name:       "first parsable candidate wins",
			candidates: []string{"garbage", "2025-06-07T21:00:00"},
			want:       time.Date(2025, 6, 7, 21, 0, 0, 0, time.UTC),
		},
		{
			name:       "everything unparsable falls back to fetch time",
			candidates: []string{"garbage", ""},
			want:       fallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePubDate(fallback, tt.candidates...))
		})
	}
}
