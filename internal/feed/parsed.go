// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package feed

import (
	"context"

	"github.com/mikanarr/mikanarr/internal/titleparser"
)

// ParsedItem pairs a feed item with its extracted title metadata.
type ParsedItem struct {
	Item
	Meta titleparser.Info `json:"meta"`
}

// ParsedFeed is a feed run through the title parser, with distinct
// filter facets and episode numbering normalized to season-relative.
type ParsedFeed struct {
	Items         []ParsedItem `json:"items"`
	Subgroups     []string     `json:"subgroups,omitempty"`
	Resolutions   []string     `json:"resolutions,omitempty"`
	SubtitleTypes []string     `json:"subtitleTypes,omitempty"`
	LatestEpisode int          `json:"latestEpisode"`
	EpisodeOffset int          `json:"episodeOffset"`
}

// Shows using continuous numbering without metadata are only
// renumbered when the observed span looks like a single cour or two;
// a wider span is more likely a long-running absolute-numbered show
// that should be left alone.
const maxOffsetSpan = 26

// GetParsedFeed fetches a feed and runs every item through the title
// parser. totalEpisodes is external per-season metadata; zero means
// unknown.
func (c *Client) GetParsedFeed(ctx context.Context, showID, subgroupID string, totalEpisodes int) (*ParsedFeed, error) {
	items, err := c.GetFeed(ctx, showID, subgroupID)
	if err != nil {
		return nil, err
	}
	return buildParsedFeed(items, totalEpisodes), nil
}

func buildParsedFeed(items []Item, totalEpisodes int) *ParsedFeed {
	parsed := &ParsedFeed{Items: make([]ParsedItem, 0, len(items))}

	var (
		subgroups   = map[string]struct{}{}
		resolutions = map[string]struct{}{}
		subtitles   = map[string]struct{}{}
		minEpisode  = 0
		maxEpisode  = 0
		maxSeason   = 0
	)

	for _, item := range items {
		meta := titleparser.Parse(item.Title)
		parsed.Items = append(parsed.Items, ParsedItem{Item: item, Meta: meta})

		if meta.Subgroup != "" {
			if _, ok := subgroups[meta.Subgroup]; !ok {
				subgroups[meta.Subgroup] = struct{}{}
				parsed.Subgroups = append(parsed.Subgroups, meta.Subgroup)
			}
		}
		if meta.Resolution != titleparser.ResolutionUnknown {
			if _, ok := resolutions[string(meta.Resolution)]; !ok {
				resolutions[string(meta.Resolution)] = struct{}{}
				parsed.Resolutions = append(parsed.Resolutions, string(meta.Resolution))
			}
		}
		if meta.Subtitle != "" {
			if _, ok := subtitles[meta.Subtitle]; !ok {
				subtitles[meta.Subtitle] = struct{}{}
				parsed.SubtitleTypes = append(parsed.SubtitleTypes, meta.Subtitle)
			}
		}

		if meta.Season > maxSeason {
			maxSeason = meta.Season
		}
		if meta.Episode > 0 && !meta.IsCollection {
			if minEpisode == 0 || meta.Episode < minEpisode {
				minEpisode = meta.Episode
			}
			if meta.Episode > maxEpisode {
				maxEpisode = meta.Episode
			}
		}
	}

	if offset := episodeOffset(minEpisode, maxEpisode, maxSeason, totalEpisodes); offset > 0 {
		parsed.EpisodeOffset = offset
		for i := range parsed.Items {
			if parsed.Items[i].Meta.Episode > 0 && !parsed.Items[i].Meta.IsCollection {
				parsed.Items[i].Meta.Episode -= offset
			}
		}
		maxEpisode -= offset
	}
	parsed.LatestEpisode = maxEpisode

	return parsed
}

// episodeOffset decides whether the feed numbers episodes absolutely
// across seasons. With external metadata, episodes past the per-season
// total are the signal; without it, a season >= 2 marker combined with
// a small numbering span suggests the same. The offset rebases the
// minimum observed episode to 1.
func episodeOffset(minEpisode, maxEpisode, season, totalEpisodes int) int {
	if minEpisode <= 1 {
		return 0
	}

	span := maxEpisode - minEpisode + 1

	var continuous bool
	if totalEpisodes > 0 {
		continuous = maxEpisode > totalEpisodes
	} else {
		continuous = season >= 2 && span <= maxOffsetSpan
	}

	if !continuous {
		return 0
	}
	return minEpisode - 1
}
