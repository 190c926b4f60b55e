// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package feed

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchPageWithShows = `<!DOCTYPE html>
<html><body>
  <ul class="list-inline an-ul">
    <li><a href="/Home/Bangumi/3141" title="葬送的芙莉莲"><div>葬送的芙莉莲</div></a></li>
    <li><a href="/Home/Bangumi/3332"><div>葬送的芙莉莲 第二季</div></a></li>
    <li><a href="/Home/Bangumi/3141"><div>duplicate of the first</div></a></li>
  </ul>
</body></html>`

const searchPageEpisodesOnly = `<!DOCTYPE html>
<html><body>
  <table><tr><td><a href="/Home/Episode/` + sampleHash + `">[Group] Something - 03</a></td></tr></table>
</body></html>`

func TestSearch_ShowEntries(t *testing.T) {
	_, client := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(searchPageWithShows))
	})

	result, err := client.Search(context.Background(), "葬送的芙莉莲")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Seasons, 2, "duplicate show links must be collapsed")

	first := result.Seasons[0]
	assert.Equal(t, "3141", first.FeedShowID)
	assert.Equal(t, 1, first.Season)

	second := result.Seasons[1]
	assert.Equal(t, "3332", second.FeedShowID)
	assert.Equal(t, 2, second.Season, "season marker in the entry name sets the season")
	assert.False(t, result.EpisodeLinksOnly)
}

func TestSearch_EpisodeLinksOnly(t *testing.T) {
	_, client := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(searchPageEpisodesOnly))
	})

	result, err := client.Search(context.Background(), "Something")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, result.Seasons)
	assert.True(t, result.EpisodeLinksOnly)
}

func TestSearch_NoMatches(t *testing.T) {
	_, client := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body>nothing here</body></html>"))
	})

	result, err := client.Search(context.Background(), "unknown show")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestSearch_BlankQuery(t *testing.T) {
	_, client := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("blank query must not hit the network")
	})

	result, err := client.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestNewSearchSeason(t *testing.T) {
	tests := []struct {
		name       string
		entryName  string
		wantSeason int
		wantYear   int
	}{
		{name: "plain name defaults to season one", entryName: "葬送的芙莉莲", wantSeason: 1},
		{name: "chinese season marker", entryName: "葬送的芙莉莲 第二季", wantSeason: 2},
		{name: "latin season marker", entryName: "Mushoku Tensei Season 2", wantSeason: 2},
		{name: "year in the name", entryName: "Ranma 1/2 (2024)", wantSeason: 1, wantYear: 2024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := newSearchSeason(tt.entryName, "42")
			assert.Equal(t, "42", entry.FeedShowID)
			assert.Equal(t, tt.wantSeason, entry.Season)
			if tt.wantYear > 0 {
				assert.Equal(t, tt.wantYear, entry.Year)
			}
		})
	}
}
