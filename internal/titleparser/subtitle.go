// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package titleparser

import "strings"

// Language flag tokens. Titles routinely state several (e.g. 简日 and
// 繁日 variants in one release), so detection aggregates every match
// and canonicalizes by specificity afterwards.
var (
	simplifiedTokens  = []string{"简繁日", "简繁", "简日", "简中", "简体", "簡體", "简", "CHS", "GB"}
	traditionalTokens = []string{"简繁日", "简繁", "繁日", "繁中", "繁體", "繁体", "繁", "CHT", "BIG5"}
	japaneseTokens    = []string{"简繁日", "简日", "繁日", "中日", "日字", "日语字幕", "日雙語"}
)

var subtitleStyles = []struct {
	tokens []string
	label  string
}{
	{[]string{"内封", "內封"}, "内封"},
	{[]string{"内嵌", "內嵌"}, "内嵌"},
	{[]string{"外挂", "外掛"}, "外挂"},
}

// detectSubtitle aggregates all language keywords and canonicalizes by
// specificity (简繁日 > 简繁 > 简日/繁日 > 简体/繁体), then appends the
// independently detected style token.
func detectSubtitle(title string) string {
	hasSimplified := containsAny(title, simplifiedTokens)
	hasTraditional := containsAny(title, traditionalTokens)
	hasJapanese := containsAny(title, japaneseTokens)

	var language string
	switch {
	case hasSimplified && hasTraditional && hasJapanese:
		language = "简繁日"
	case hasSimplified && hasTraditional:
		language = "简繁"
	case hasSimplified && hasJapanese:
		language = "简日"
	case hasTraditional && hasJapanese:
		language = "繁日"
	case hasSimplified:
		language = "简体"
	case hasTraditional:
		language = "繁体"
	}

	var style string
	for _, s := range subtitleStyles {
		if containsAny(title, s.tokens) {
			style = s.label
			break
		}
	}

	return language + style
}

func containsAny(title string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(title, token) {
			return true
		}
	}
	return false
}
