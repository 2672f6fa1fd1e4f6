package moderation

import (
	"strings"
	"unicode"
)

// linkTLDs are the top-level domains a bare "host.tld/path" word must end
// in to count as a link. Requiring the path keeps "v2.0" and "3.14" clean.
var linkTLDs = map[string]struct{}{
	"com": {}, "net": {}, "org": {}, "io": {}, "co": {}, "xyz": {}, "info": {},
	"biz": {}, "ru": {}, "cn": {}, "tk": {}, "ml": {}, "ga": {}, "cf": {},
}

// containsLink reports whether any whitespace-separated word of text is a
// URL, a www. host or a bare host with a path.
func containsLink(text string) bool {
	for _, word := range strings.Fields(strings.ToLower(text)) {
		for _, prefix := range []string{"http://", "https://", "www."} {
			if strings.HasPrefix(word, prefix) && len(word) > len(prefix) {
				return true
			}
		}

		host, _, hasPath := strings.Cut(word, "/")
		if !hasPath {
			continue
		}
		if dot := strings.LastIndexByte(host, '.'); dot > 0 {
			if _, ok := linkTLDs[host[dot+1:]]; ok {
				return true
			}
		}
	}
	return false
}

// Digits in one unbroken run of number characters that make up a phone
// number.
const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

// containsPhoneNumber reports whether text has a run of digits and phone
// punctuation ("+", "-", ".", "(", ")" and spaces) holding a phone number's
// worth of digits. Any other character ends the run.
func containsPhoneNumber(text string) bool {
	digits := 0
	for _, r := range text + "x" {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune("+-.() ", r):
		default:
			if digits >= minPhoneDigits && digits <= maxPhoneDigits {
				return true
			}
			digits = 0
		}
	}
	return false
}

// Repetitions that count as flooding.
const (
	charRunLimit = 5
	wordRunLimit = 3
)

// hasCharRun reports whether one visible character repeats charRunLimit
// times in a row.
func hasCharRun(text string) bool {
	return longestRun([]rune(text), func(a, b rune) bool {
		return a == b && !unicode.IsSpace(a)
	}) >= charRunLimit
}

// hasWordRun reports whether one word repeats wordRunLimit times in a row,
// ignoring case.
func hasWordRun(text string) bool {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	return longestRun(words, strings.EqualFold) >= wordRunLimit
}

// longestRun returns the length of the longest stretch of consecutive
// items that are equal to their predecessor under same.
func longestRun[T any](items []T, same func(a, b T) bool) int {
	best, run := 0, 0
	for i := range items {
		if i > 0 && same(items[i-1], items[i]) {
			run++
		} else {
			run = 1
		}
		best = max(best, run)
	}
	return best
}
