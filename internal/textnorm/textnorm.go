// Package textnorm normalises menu text before keyword and pattern matching.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Normalize NFC-normalises, lower-cases and space-joins the non-blank parts.
func Normalize(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, strings.ToLower(norm.NFC.String(p)))
	}
	return strings.Join(out, " ")
}

// NFC returns s in composed form, trimmed.
func NFC(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

// Words compiles a case-insensitive pattern matching any of words as whole
// words. Unlike \b, the boundary is Unicode aware, so "rosé" matches in
// "rosé wine". Words are matched in the order given.
func Words(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(` + strings.Join(quoted, "|") + `)(?:$|[^\p{L}\p{N}])`)
}

// Pattern wraps a raw regular expression fragment in the same Unicode-aware
// word boundaries as Words.
func Pattern(expr string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(` + expr + `)(?:$|[^\p{L}\p{N}])`)
}

// Match returns the first word matched by re in text, or "".
func Match(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// ContainsWord reports whether word occurs in text delimited by non-alphanumeric
// runes or the ends of text. Both are expected to be normalised already.
func ContainsWord(text, word string) bool {
	if word == "" {
		return false
	}
	for offset := 0; offset <= len(text)-len(word); {
		idx := strings.Index(text[offset:], word)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(word)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return false
}

// FirstWord returns the first entry of words contained in text, or "".
func FirstWord(text string, words []string) string {
	for _, w := range words {
		if ContainsWord(text, w) {
			return w
		}
	}
	return ""
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Title title-cases s, e.g. "pinot noir" becomes "Pinot Noir".
func Title(s string) string {
	return cases.Title(language.Und).String(s)
}
