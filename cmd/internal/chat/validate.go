package chat

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NormalizeText trims text and enforces 1..MaxMessageChars runes.
func NormalizeText(text string) (string, error) {
	const op = "chat.NormalizeText"

	t := strings.TrimSpace(text)
	if t == "" {
		return "", NewError(op, ErrInvalidMessage, "empty text")
	}
	if !utf8.ValidString(t) {
		return "", NewError(op, ErrInvalidMessage, "text is not valid utf-8")
	}
	if utf8.RuneCountInString(t) > MaxMessageChars {
		return "", NewError(op, ErrInvalidMessage, "text exceeds 500 characters")
	}
	return t, nil
}

// NormalizeUserID trims a user id and reports whether it is well-formed.
// Control characters are rejected so they can serve as key separators.
func NormalizeUserID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxUserIDBytes || !utf8.ValidString(id) {
		return "", false
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return "", false
	}
	return id, true
}

// NormalizeParticipants validates an unordered pair and returns it in canonical order.
func NormalizeParticipants(a, b string) ([2]string, error) {
	const op = "chat.NormalizeParticipants"

	a, okA := NormalizeUserID(a)
	b, okB := NormalizeUserID(b)
	if !okA || !okB {
		return [2]string{}, NewError(op, ErrInvalidParticipants, "malformed user id")
	}
	if a == b {
		return [2]string{}, NewError(op, ErrInvalidParticipants, "participants must differ")
	}
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}, nil
}

// PairKey is the unique key of an unordered participant pair (input must be canonical).
func PairKey(p [2]string) string {
	return p[0] + "\x1f" + p[1]
}

// Snippet truncates text to SnippetChars runes for conversation summaries.
func Snippet(text string) string {
	if utf8.RuneCountInString(text) <= SnippetChars {
		return text
	}
	r := []rune(text)
	return string(r[:SnippetChars-1]) + "…"
}

// ClampLimit applies paging defaults.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}
