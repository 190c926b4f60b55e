// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package feed

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/moistari/rls"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/mikanarr/mikanarr/internal/titleparser"
)

// SearchSeason is one show entry on the search page. The feed source
// lists each season of a show as a separate entry.
type SearchSeason struct {
	Name       string `json:"name"`
	FeedShowID string `json:"feedShowId"`
	Year       int    `json:"year,omitempty"`
	Season     int    `json:"season"`
}

// SearchResult is the outcome of scraping the search page. When the
// page yields episode links but no structured show links,
// EpisodeLinksOnly is set and callers can still fetch the plain
// per-query feed via GetQueryFeed.
type SearchResult struct {
	Query            string         `json:"query"`
	Seasons          []SearchSeason `json:"seasons,omitempty"`
	EpisodeLinksOnly bool           `json:"episodeLinksOnly,omitempty"`
}

var yearRe = regexp.MustCompile(`(19|20)\d{2}`)

// Search scrapes the HTML search page for show entries matching the
// free-text title. Several query encodings are tried because the
// search endpoint is inconsistent about which it accepts. A nil result
// with nil error means nothing matched.
func (c *Client) Search(ctx context.Context, title string) (*SearchResult, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, nil
	}

	var lastErr error
	for _, searchURL := range c.searchURLs(title) {
		body, err := c.get(ctx, searchURL)
		if err != nil {
			lastErr = err
			continue
		}

		result := parseSearchPage(title, body)
		if result != nil {
			return result, nil
		}
	}

	if lastErr != nil {
		// Every encoding failed at the transport level.
		return nil, lastErr
	}

	log.Debug().Str("query", title).Msg("Search returned no show or episode links")
	return nil, nil
}

// searchURLs returns the query-encoding variants to try in order:
// standard form encoding, percent-encoded spaces, and spaces collapsed
// to '+' on the raw term.
func (c *Client) searchURLs(title string) []string {
	base := c.baseURL + "/Home/Search?searchstr="

	form := url.Values{}
	form.Set("searchstr", title)

	variants := []string{
		c.baseURL + "/Home/Search?" + form.Encode(),
		base + strings.ReplaceAll(url.QueryEscape(title), "+", "%20"),
		base + url.QueryEscape(strings.Join(strings.Fields(title), "+")),
	}

	seen := make(map[string]struct{}, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func parseSearchPage(query string, body []byte) *SearchResult {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		log.Warn().Err(err).Str("query", query).Msg("Failed to parse search page")
		return nil
	}

	var (
		seasons      []SearchSeason
		seenShowIDs  = map[string]struct{}{}
		episodeLinks bool
	)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			href := attrValue(n, "href")
			switch {
			case strings.Contains(href, "/Home/Bangumi/"):
				showID := strings.Trim(href[strings.LastIndex(href, "/")+1:], "/")
				if showID != "" {
					if _, dup := seenShowIDs[showID]; !dup {
						seenShowIDs[showID] = struct{}{}
						name := strings.TrimSpace(nodeText(n))
						if name == "" {
							name = attrValue(n, "title")
						}
						seasons = append(seasons, newSearchSeason(name, showID))
					}
				}
			case strings.Contains(href, "/Home/Episode/"):
				episodeLinks = true
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if len(seasons) > 0 {
		return &SearchResult{Query: query, Seasons: seasons}
	}
	if episodeLinks {
		return &SearchResult{Query: query, EpisodeLinksOnly: true}
	}
	return nil
}

// newSearchSeason infers season number and year from the entry name.
// Latin-script names go through the release-name parser first; CJK
// season markers and numerals are handled by the title parser.
func newSearchSeason(name, showID string) SearchSeason {
	entry := SearchSeason{
		Name:       name,
		FeedShowID: showID,
		Season:     1,
	}

	if release := rls.ParseString(name); release.Series > 0 {
		entry.Season = release.Series
		if release.Year > 0 {
			entry.Year = release.Year
		}
	} else if season := titleparser.Parse(name).Season; season > 0 {
		entry.Season = season
	}

	if entry.Year == 0 {
		if m := yearRe.FindString(name); m != "" {
			if y := atoiSafe(m); y > 0 {
				entry.Year = y
			}
		}
	}

	return entry
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}
