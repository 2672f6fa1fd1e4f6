package router

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // matches the transport's frame budget
	MaxTextChars    = 2000
)

var (
	ErrEmptyText   = errors.New("message text is empty")
	ErrTextTooLong = errors.New("message text exceeds limit")
	ErrInvalidText = errors.New("message contains invalid UTF-8")
)

// NormalizeText trims a chat message and checks its content requirements.
func NormalizeText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrEmptyText
	}
	if len(text) > MaxMessageBytes || utf8.RuneCountInString(text) > MaxTextChars {
		return "", ErrTextTooLong
	}
	if !utf8.ValidString(text) {
		return "", ErrInvalidText
	}
	return text, nil
}
