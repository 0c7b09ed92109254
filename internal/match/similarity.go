package match

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// partialRatio scores how well phrase appears somewhere in text, 0-100. A
// literal occurrence scores 100; otherwise the phrase is compared with every
// window of the same rune length that starts at a word boundary and the best
// normalized Levenshtein similarity wins.
func partialRatio(phrase, text string) int {
	if phrase == "" || text == "" {
		return 0
	}
	if strings.Contains(text, phrase) {
		return 100
	}
	p := []rune(phrase)
	t := []rune(text)
	if len(t) <= len(p) {
		return ratio(phrase, text, len(p))
	}

	best := 0
	for start := 0; start+len(p) <= len(t); start++ {
		if start > 0 && t[start-1] != ' ' {
			continue
		}
		score := ratio(phrase, string(t[start:start+len(p)]), len(p))
		if score > best {
			best = score
			if best == 100 {
				break
			}
		}
	}
	return best
}

func ratio(a, b string, length int) int {
	if length == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	if dist >= length {
		return 0
	}
	return (length - dist) * 100 / length
}
