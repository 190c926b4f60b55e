// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package titleparser

import "regexp"

// Resolution is the normalized video resolution label.
type Resolution string

const (
	ResolutionUnknown Resolution = ""
	Resolution720p    Resolution = "720p"
	Resolution1080p   Resolution = "1080p"
	Resolution4K      Resolution = "4K"
	ResolutionAI4K    Resolution = "AI4K"
)

// resolutionPriority decides which label wins when a title carries
// conflicting tokens (e.g. an AI-upscaled 1080p source tagged with both).
var resolutionPriority = []Resolution{ResolutionAI4K, Resolution4K, Resolution1080p, Resolution720p}

var resolutionPatterns = []struct {
	re    *regexp.Regexp
	label Resolution
}{
	{regexp.MustCompile(`(?i)AI[\s\-_]?4K`), ResolutionAI4K},
	{regexp.MustCompile(`(?i)(?:\b|_)(4K|2160p)(?:\b|_)`), Resolution4K},
	{regexp.MustCompile(`3840\s*[xX×]\s*2160`), Resolution4K},
	{regexp.MustCompile(`(?i)1080[pi]`), Resolution1080p},
	{regexp.MustCompile(`1920\s*[xX×]\s*1080`), Resolution1080p},
	{regexp.MustCompile(`(?i)720p`), Resolution720p},
	{regexp.MustCompile(`1280\s*[xX×]\s*720`), Resolution720p},
}

// detectResolution collects every resolution token in the title and
// picks by fixed priority.
func detectResolution(title string) Resolution {
	found := make(map[Resolution]bool, 4)
	for _, p := range resolutionPatterns {
		if p.re.MatchString(title) {
			found[p.label] = true
		}
	}

	for _, label := range resolutionPriority {
		if found[label] {
			return label
		}
	}
	return ResolutionUnknown
}

// NormalizeResolution canonicalizes a single resolution token. Already
// normalized labels map to themselves, so the function is idempotent.
func NormalizeResolution(token string) Resolution {
	return detectResolution(token)
}
