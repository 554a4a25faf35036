package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

// MessageLimit is the longest text, in runes of markup, sent as one
// Telegram message. The Bot API allows 4096 after entity parsing.
const MessageLimit = 4000

// TruncRunes cuts s to at most n runes, marking the cut with "…".
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos] + "…"
		}
		i++
	}
	return s
}

// EscTrunc escapes s and keeps the escaped result within n runes, "…"
// included. Entities are never cut.
func EscTrunc(s string, n int) H {
	if n <= 0 {
		return ""
	}
	full := html.EscapeString(s)
	if utf8.RuneCountInString(full) <= n {
		return H(full)
	}
	var b strings.Builder
	used := 0
	for _, r := range s {
		e := html.EscapeString(string(r))
		k := utf8.RuneCountInString(e)
		if used+k > n-1 {
			break
		}
		b.WriteString(e)
		used += k
	}
	b.WriteString("…")
	return H(b.String())
}

// Runes reports the length of h as Telegram counts raw text.
func (h H) Runes() int { return utf8.RuneCountInString(string(h)) }

func BTrunc(s string, n int) H    { return wrap("b", EscTrunc(s, n)) }
func ITrunc(s string, n int) H    { return wrap("i", EscTrunc(s, n)) }
func CodeTrunc(s string, n int) H { return wrap("code", EscTrunc(s, n)) }
