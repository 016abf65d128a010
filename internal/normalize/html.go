package normalize

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML removes markup from a string, keeping only text content.
// Uses a real tokenizer rather than a regex so nested and malformed tags
// degrade to their text instead of leaking fragments.
func StripHTML(s string) string {
	if s == "" || !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}
