// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package titleparser extracts episode metadata from fansub release
// titles. Release titles are inconsistent free text where a single
// regex cannot tell an episode number from a resolution or codec
// suffix, so extraction runs ordered, scored candidate rules with
// explicit tie-breaks.
package titleparser

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// Info is the stateless parse result for one release title.
type Info struct {
	Resolution   Resolution `json:"resolution,omitempty"`
	Subgroup     string     `json:"subgroup,omitempty"`
	Episode      int        `json:"episode,omitempty"` // 0 means absent
	Season       int        `json:"season,omitempty"`  // 0 means no explicit marker
	Subtitle     string     `json:"subtitle,omitempty"`
	IsCollection bool       `json:"isCollection"`
}

// Parse runs the full extraction pipeline over a raw release title.
func Parse(title string) Info {
	// Fold full-width digits and brackets into their ASCII forms so a
	// single set of patterns covers both spellings. Fold also restores
	// halfwidth katakana, which some uploaders use.
	folded := width.Fold.String(title)

	info := Info{
		Resolution: detectResolution(folded),
		Subgroup:   detectSubgroup(folded),
		Season:     detectSeason(folded),
	}

	info.Subtitle = detectSubtitle(folded)
	info.IsCollection = detectCollection(folded)

	if !info.IsCollection {
		info.Episode = detectEpisode(folded, info.Season)
	}

	return info
}

// Subgroups appear as the first bracketed token, but reposts and
// relays prepend their own short prefixes, so the bracket is allowed
// to start anywhere in the first ~20 characters.
const subgroupScanWindow = 20

var subgroupRe = regexp.MustCompile(`[\[【]([^\]】\[【]+)[\]】]`)

func detectSubgroup(title string) string {
	loc := subgroupRe.FindStringSubmatchIndex(title)
	if loc == nil {
		return ""
	}
	if runeOffset(title, loc[0]) > subgroupScanWindow {
		return ""
	}

	group := strings.TrimSpace(title[loc[2]:loc[3]])
	if group == "" {
		return ""
	}
	// A leading bracket holding only metadata is not a subgroup.
	if _, err := strconv.Atoi(group); err == nil {
		return ""
	}
	return group
}

func runeOffset(s string, byteIndex int) int {
	return len([]rune(s[:byteIndex]))
}

var (
	seasonLatinRe   = regexp.MustCompile(`(?i)(?:\bseason[\s._]*(\d{1,2})\b|\bS(\d{1,2})\b|\b(\d{1,2})(?:st|nd|rd|th)[\s._]+season\b)`)
	seasonChineseRe = regexp.MustCompile(`第\s*([0-9一二三四五六七八九十]{1,3})\s*[季期]`)
)

var chineseNumerals = map[rune]int{
	'一': 1, '二': 2, '三': 3, '四': 4, '五': 5,
	'六': 6, '七': 7, '八': 8, '九': 9, '十': 10,
}

// detectSeason returns the explicit season marker, or 0 when none is
// present.
func detectSeason(title string) int {
	// SxxExx carries the season even though \b won't split S02E09.
	if m := seasonEpisodeRe.FindStringSubmatch(title); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}

	if m := seasonLatinRe.FindStringSubmatch(title); m != nil {
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			if n, err := strconv.Atoi(g); err == nil && n > 0 {
				return n
			}
		}
	}

	if m := seasonChineseRe.FindStringSubmatch(title); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
		if n := parseChineseNumeral(m[1]); n > 0 {
			return n
		}
	}

	return 0
}

// parseChineseNumeral handles 一..十 plus the compound forms up to 九十九
// (十一, 二十, 二十三...), which covers every season number seen in the wild.
func parseChineseNumeral(s string) int {
	runes := []rune(s)
	switch len(runes) {
	case 1:
		return chineseNumerals[runes[0]]
	case 2:
		if runes[0] == '十' {
			return 10 + chineseNumerals[runes[1]]
		}
		if runes[1] == '十' {
			return chineseNumerals[runes[0]] * 10
		}
	case 3:
		if runes[1] == '十' {
			return chineseNumerals[runes[0]]*10 + chineseNumerals[runes[2]]
		}
	}
	return 0
}
