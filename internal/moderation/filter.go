// Package moderation screens chat text for prohibited content. It is used
// by the room monitor, which observes the event feed and flags offending
// messages and display names; it never sits on the delivery path.
package moderation

import (
	"strings"
	"unicode"
)

// Reasons reported in Result.Reason.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// DefaultTerms is the built-in blocklist used by NewFilter. Multi-word
// entries match as whole-word phrases.
var DefaultTerms = []string{
	"kill yourself",
	"go die",
	"send nudes",
	"child porn",
	"heil hitler",
	"bomb threat",
	"free bitcoin",
	"crypto giveaway",
	"click here",
}

// Result is the outcome of screening one piece of text.
type Result struct {
	Flagged bool
	Reason  string // ReasonKeyword or ReasonSpam
	Term    string // matched term, or the name of the spam check
	Detail  string // what a message rule saw; empty for keyword matches
}

// Filter matches text against a keyword blocklist and the spam checks.
// It is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
}

// NewFilter returns a Filter using DefaultTerms.
func NewFilter() *Filter {
	return NewFilterWithTerms(DefaultTerms)
}

// NewFilterWithTerms returns a Filter for the given terms. Blank terms are
// ignored; matching is case-insensitive.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(term)
		switch len(tokens) {
		case 0:
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// spamRule is one chat message heuristic. term is reported as Result.Term
// and detail as Result.Detail.
type spamRule struct {
	term   string
	detail string
	match  func(string) bool
}

// messageRules run in order after the blocklist; the first match flags the
// message.
var messageRules = []spamRule{
	{"url", "links to an outside site", containsLink},
	{"phone", "shares a phone number", containsPhoneNumber},
	{"char_flood", "repeats one character over and over", hasCharRun},
	{"word_flood", "repeats one word over and over", hasWordRun},
}

// Check screens a chat message. Keyword matches take priority over the
// message rules.
func (f *Filter) Check(text string) Result {
	if term, ok := f.matchKeyword(text); ok {
		return Result{Flagged: true, Reason: ReasonKeyword, Term: term}
	}
	for _, rule := range messageRules {
		if rule.match(text) {
			return Result{Flagged: true, Reason: ReasonSpam, Term: rule.term, Detail: rule.detail}
		}
	}
	return Result{}
}

// CheckName screens a display name. Names are short, so only the keyword
// blocklist applies.
func (f *Filter) CheckName(name string) Result {
	if term, ok := f.matchKeyword(name); ok {
		return Result{Flagged: true, Reason: ReasonKeyword, Term: term}
	}
	return Result{}
}

func (f *Filter) matchKeyword(text string) (string, bool) {
	plain := tokenizePlain(text)
	leet := tokenizeLeet(text)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}

	for _, tokens := range [][]string{plain, leet} {
		for _, tok := range tokens {
			if _, ok := f.words[tok]; ok {
				return tok, true
			}
		}
		for _, phrase := range f.phrases {
			if containsPhrase(tokens, phrase) {
				return strings.Join(phrase, " "), true
			}
		}
	}
	return "", false
}

func containsPhrase(tokens, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, w := range phrase {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

var leetReplacer = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
	"!", "i",
)

// normalizeLeet maps common character substitutions back to letters.
func normalizeLeet(s string) string {
	return leetReplacer.Replace(s)
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet is like tokenizePlain but keeps the symbols normalizeLeet
// understands inside tokens.
func tokenizeLeet(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		return r != '@' && r != '$' && r != '!'
	})
}
