package match

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies canonical composition, case folding and whitespace
// collapsing. Keywords and text go through the same function.
func Normalize(s string) string {
	// Casers are stateful; one per call keeps Normalize safe for concurrent use.
	folded := cases.Fold().String(norm.NFC.String(s))
	return strings.Join(strings.Fields(folded), " ")
}

// truncateRunes returns at most limit runes of s. limit <= 0 disables the cap.
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

var scripts = []*unicode.RangeTable{
	unicode.Georgian,
	unicode.Latin,
	unicode.Cyrillic,
	unicode.Armenian,
	unicode.Greek,
	unicode.Arabic,
	unicode.Hebrew,
	unicode.Han,
}

func scriptOf(r rune) *unicode.RangeTable {
	for _, table := range scripts {
		if unicode.Is(table, r) {
			return table
		}
	}
	return nil
}

// joins reports whether neighbor would extend the run that edge belongs to:
// a letter of the same script, or a digit next to a digit.
func joins(edge, neighbor rune) bool {
	switch {
	case unicode.IsLetter(edge):
		if !unicode.IsLetter(neighbor) {
			return false
		}
		return scriptOf(edge) == scriptOf(neighbor)
	case unicode.IsDigit(edge):
		return unicode.IsDigit(neighbor)
	default:
		return false
	}
}

// wholeWordIndex returns the byte offset of the first occurrence of needle
// in text that is not glued to a neighboring letter run, or -1.
func wholeWordIndex(text, needle string) int {
	if needle == "" {
		return -1
	}
	first, _ := utf8.DecodeRuneInString(needle)
	last, _ := utf8.DecodeLastRuneInString(needle)
	offset := 0
	for offset <= len(text) {
		idx := strings.Index(text[offset:], needle)
		if idx < 0 {
			return -1
		}
		start := offset + idx
		end := start + len(needle)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (start == 0 || !joins(first, before)) && (end == len(text) || !joins(last, after)) {
			return start
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return -1
}

func containsWholeWord(text, needle string) bool {
	return wholeWordIndex(text, needle) >= 0
}
