package tgui

import (
	"fmt"
	"html"
	"strings"
	"unicode/utf8"
)

// H is HTML already safe for ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks s as already-safe HTML.
func Raw(s string) H { return H(s) }

func tag(name string, inner H) H { return H("<" + name + ">" + string(inner) + "</" + name + ">") }

func B(s string) H    { return tag("b", Esc(s)) }
func I(s string) H    { return tag("i", Esc(s)) }
func Code(s string) H { return tag("code", Esc(s)) }

// Pre renders a preformatted block. Keep s short: the platform rejects a
// split message with unbalanced tags.
func Pre(s string) H { return tag("pre", Esc(s)) }

// PreClip is Pre for untrusted text such as error details: surrounding
// space is trimmed and at most n runes are kept, the cut marked with "…".
func PreClip(s string, n int) H { return Pre(clip(strings.TrimSpace(s), n)) }

// clip counts runes of the unescaped text, so entities never get cut.
func clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	end := 0
	for i := 0; i < n; i++ {
		_, size := utf8.DecodeRuneInString(s[end:])
		end += size
	}
	return s[:end] + "…"
}

func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Line joins parts with a single space.
func Line(parts ...H) H { return JoinH(" ", parts...) }

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			ss = append(ss, string(p))
		}
	}
	return H(strings.Join(ss, sep))
}
