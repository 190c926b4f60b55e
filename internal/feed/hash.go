// Copyright (c) 2025, the mikanarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package feed

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var (
	hexHashRe   = regexp.MustCompile(`[0-9a-fA-F]{40}`)
	btihRe      = regexp.MustCompile(`(?i)btih:([0-9a-zA-Z]+)`)
	base32Strip = regexp.MustCompile(`(?i)^[A-Z2-7]{32}$`)
)

// ResolveHash extracts a canonical 40-hex-char BitTorrent info hash
// from the first source that yields one. Sources are tried in order;
// each is percent-decoded, scanned for a bounded 40-hex run, scanned
// for a btih: URN (hex or base32), and finally treated as a raw
// 32-char base32 hash.
func ResolveHash(sources ...string) (string, bool) {
	for _, source := range sources {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}

		if decoded, err := url.QueryUnescape(source); err == nil {
			source = decoded
		}

		if hash, ok := scanHex(source); ok {
			return hash, true
		}
		if hash, ok := scanBtih(source); ok {
			return hash, true
		}
		if hash, ok := decodeBase32Hash(source); ok {
			return hash, true
		}
	}
	return "", false
}

// scanHex finds a 40-hex run that is not part of a longer hex run.
// Adjacent hex digits mean the match is a fragment of something else
// (a SHA-256, a longer identifier) rather than an info hash.
func scanHex(s string) (string, bool) {
	for _, loc := range hexHashRe.FindAllStringIndex(s, -1) {
		if loc[0] > 0 && isHexDigit(s[loc[0]-1]) {
			continue
		}
		if loc[1] < len(s) && isHexDigit(s[loc[1]]) {
			continue
		}
		return strings.ToUpper(s[loc[0]:loc[1]]), true
	}
	return "", false
}

func scanBtih(s string) (string, bool) {
	m := btihRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}

	value := m[1]
	switch len(value) {
	case 40:
		if _, err := hex.DecodeString(value); err == nil {
			return strings.ToUpper(value), true
		}
	case 32:
		return decodeBase32Hash(value)
	}
	return "", false
}

func decodeBase32Hash(s string) (string, bool) {
	if !base32Strip.MatchString(s) {
		return "", false
	}

	raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
	if err != nil || len(raw) != 20 {
		return "", false
	}
	return strings.ToUpper(hex.EncodeToString(raw)), true
}

func isHexDigit(b byte) bool {
	switch {
	case b >= '0' && b <= '9':
		return true
	case b >= 'a' && b <= 'f':
		return true
	case b >= 'A' && b <= 'F':
		return true
	}
	return false
}
