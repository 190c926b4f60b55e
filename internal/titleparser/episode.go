// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package titleparser

import (
	"regexp"
	"strconv"
	"strings"
)

// Tier scores give the extraction order a total ranking: a match from
// a higher tier always beats any match from a lower one, and within
// equal scores the earliest position wins.
const (
	scoreChineseDouble = 100
	scoreChineseSingle = 90
	scoreSeasonEpisode = 80
	scoreEpPrefixed    = 70
	scoreBracketOnly   = 60
)

var (
	chineseDoubleRe = regexp.MustCompile(`第\s*(\d{1,4})\s*&\s*(\d{1,4})\s*[话話集]`)
	chineseSingleRe = regexp.MustCompile(`第\s*(\d{1,4})\s*[话話集]`)
	seasonEpisodeRe = regexp.MustCompile(`(?i)S(\d{1,2})[\s._]?E(\d{1,4})`)
	epPrefixedRe    = regexp.MustCompile(`(?i)(?:^|[^a-zA-Z0-9])EP?[\s.]*(\d{1,4})(?:v\d+)?`)
	bracketOnlyRe   = regexp.MustCompile(`\[\s*(\d{1,4})(?:\s*v\d+)?\s*\]`)

	collectionKeywordRe = regexp.MustCompile(`(?i)(合集|全集|全[0-9]+[话話集]|batch|complete)`)
	collectionRangeRe   = regexp.MustCompile(`(\d{1,4})\s*[-~～—–+]\s*(\d{1,4})`)

	looseNumberRe = regexp.MustCompile(`\d{1,5}`)
)

// Values that are nearly always resolutions rather than episodes.
var resolutionValues = map[int]bool{
	480: true, 576: true, 720: true, 1080: true, 1440: true,
	1280: true, 1920: true, 2160: true, 3840: true,
}

type episodeCandidate struct {
	value int
	score int
	pos   int
}

// detectCollection reports whether the title names a multi-episode
// batch. An explicit single-episode marker (第N话 with no range) or a
// double-episode marker (第07&08话) forces false even when a range or
// keyword is also present.
func detectCollection(title string) bool {
	if chineseDoubleRe.MatchString(title) || chineseSingleRe.MatchString(title) {
		return false
	}

	if collectionKeywordRe.MatchString(title) {
		return true
	}

	for _, loc := range collectionRangeRe.FindAllStringSubmatchIndex(title, -1) {
		if isEpisodeRange(title, loc) {
			return true
		}
	}
	return false
}

// isEpisodeRange filters out dash-separated numbers that are not
// episode ranges: codec suffixes (x264-10bit), years, descending pairs,
// and season markers ("S2 - 25" is season 2 episode 25, not a batch).
func isEpisodeRange(title string, loc []int) bool {
	lo, _ := strconv.Atoi(title[loc[2]:loc[3]])
	hi, _ := strconv.Atoi(title[loc[4]:loc[5]])

	if hi <= lo || lo <= 0 || hi > 2000 {
		return false
	}
	if prev, ok := byteBefore(title, loc[0]); ok {
		if prev >= '0' && prev <= '9' || prev == 'x' || prev == 'X' || prev == 'h' || prev == 'H' {
			return false
		}
		if prev == 's' || prev == 'S' {
			return false
		}
	}
	if next, ok := byteAfter(title, loc[1]); ok && next >= '0' && next <= '9' {
		return false
	}
	if strings.HasPrefix(strings.ToLower(title[loc[1]:]), "bit") {
		return false
	}
	return true
}

// detectEpisode runs the tiered extractors, then the loose fallback,
// then the bare-season default.
func detectEpisode(title string, season int) int {
	if ep, ok := pickTiered(title); ok {
		return ep
	}
	if ep, ok := pickLoose(title, season); ok {
		return ep
	}
	// A title carrying a season marker but no episode marker is the
	// premiere announcement form.
	if season > 0 {
		return 1
	}
	return 0
}

func pickTiered(title string) (int, bool) {
	var candidates []episodeCandidate

	// A double-episode marker names the range it closes, so the second
	// number is the one new to this release.
	for _, loc := range chineseDoubleRe.FindAllStringSubmatchIndex(title, -1) {
		addCandidate(&candidates, title, loc[4], loc[5], scoreChineseDouble, loc[0])
	}
	for _, loc := range chineseSingleRe.FindAllStringSubmatchIndex(title, -1) {
		addCandidate(&candidates, title, loc[2], loc[3], scoreChineseSingle, loc[0])
	}
	for _, loc := range seasonEpisodeRe.FindAllStringSubmatchIndex(title, -1) {
		addCandidate(&candidates, title, loc[4], loc[5], scoreSeasonEpisode, loc[0])
	}
	for _, loc := range epPrefixedRe.FindAllStringSubmatchIndex(title, -1) {
		addCandidate(&candidates, title, loc[2], loc[3], scoreEpPrefixed, loc[0])
	}
	for _, loc := range bracketOnlyRe.FindAllStringSubmatchIndex(title, -1) {
		addCandidate(&candidates, title, loc[2], loc[3], scoreBracketOnly, loc[0])
	}

	if len(candidates) == 0 {
		return 0, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.score > best.score || (c.score == best.score && c.pos < best.pos) {
			best = c
		}
	}
	return best.value, true
}

func addCandidate(candidates *[]episodeCandidate, title string, start, end, score, pos int) {
	value, err := strconv.Atoi(title[start:end])
	if err != nil || !plausibleEpisode(title, value, start, end) {
		return
	}
	*candidates = append(*candidates, episodeCandidate{value: value, score: score, pos: pos})
}

// plausibleEpisode rejects numbers that are resolutions or codec
// fragments rather than episode counts.
func plausibleEpisode(title string, value, start, end int) bool {
	if value <= 0 || value > 20000 {
		return false
	}
	if resolutionValues[value] {
		return false
	}
	if next, ok := byteAfter(title, end); ok && (next == 'p' || next == 'P' || next == 'i') {
		return false
	}
	if prev, ok := byteBefore(title, start); ok {
		if prev == 'x' || prev == 'X' || prev == 'h' || prev == 'H' {
			return false
		}
	}
	if strings.HasPrefix(strings.ToLower(title[end:]), "bit") {
		return false
	}
	return true
}

// Loose-mode scoring weights. The loose extractor deliberately prefers
// the LAST plausible number by position, the opposite tie-break from
// tiered mode: trailing numbers in free-form titles are usually the
// episode while leading ones are part of the show name.
const (
	looseBaseScore       = 30
	looseZeroPadBonus    = 30
	looseDashBonus       = 15
	looseCountWordMalus  = 50
	looseSeasonMalus     = 40
	looseSeparatorSet    = " \t-_[](){}【】.~～、"
	looseCountWordRunes  = "话話集期季月年日"
)

func pickLoose(title string, season int) (int, bool) {
	var candidates []episodeCandidate

	for _, loc := range looseNumberRe.FindAllStringIndex(title, -1) {
		start, end := loc[0], loc[1]
		raw := title[start:end]

		value, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}

		countWord := followedByCountWord(title, end)
		if !looseBounded(title, start, end, countWord) {
			continue
		}
		if !plausibleEpisode(title, value, start, end) {
			continue
		}

		score := looseBaseScore
		if raw[0] == '0' && len(raw) > 1 {
			score += looseZeroPadBonus
		}
		if dashPreceded(title, start) {
			score += looseDashBonus
		}
		if countWord {
			score -= looseCountWordMalus
		}
		if season > 0 && value == season {
			score -= looseSeasonMalus
		}

		candidates = append(candidates, episodeCandidate{value: value, score: score, pos: start})
	}

	if len(candidates) == 0 {
		return 0, false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		// Latest position wins ties in loose mode.
		if c.score > best.score || (c.score == best.score && c.pos > best.pos) {
			best = c
		}
	}
	return best.value, true
}

func looseBounded(title string, start, end int, countWordAfter bool) bool {
	if start > 0 {
		r, _ := lastRune(title[:start])
		if !strings.ContainsRune(looseSeparatorSet, r) {
			return false
		}
	}
	if end < len(title) && !countWordAfter {
		r, _ := firstRune(title[end:])
		if !strings.ContainsRune(looseSeparatorSet, r) {
			return false
		}
	}
	return true
}

func followedByCountWord(title string, end int) bool {
	if end >= len(title) {
		return false
	}
	r, _ := firstRune(title[end:])
	return strings.ContainsRune(looseCountWordRunes, r)
}

func dashPreceded(title string, start int) bool {
	for i := start - 1; i >= 0; i-- {
		switch title[i] {
		case ' ', '\t':
			continue
		case '-':
			return true
		default:
			return false
		}
	}
	return false
}

func byteBefore(s string, i int) (byte, bool) {
	if i <= 0 || i > len(s) {
		return 0, false
	}
	return s[i-1], true
}

func byteAfter(s string, i int) (byte, bool) {
	if i < 0 || i >= len(s) {
		return 0, false
	}
	return s[i], true
}

func firstRune(s string) (rune, int) {
	for _, r := range s {
		return r, len(string(r))
	}
	return 0, 0
}

func lastRune(s string) (rune, int) {
	var last rune
	for _, r := range s {
		last = r
	}
	return last, len(string(last))
}
