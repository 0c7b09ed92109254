// Package match scores document text against a fixed keyword set. A cheap
// whole-word prefilter gates the scored pass; an optional lemma pass re-scores
// stemmed text and keeps the better score per keyword.
package match

import (
	"fmt"
	"strings"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"go.uber.org/zap"
)

// DefaultMaxTextRunes caps the text seen by the scored and lemma passes.
const DefaultMaxTextRunes = 50000

// Result maps a keyword phrase to its score. Only scores at or above the
// requested threshold are present.
type Result map[string]int

// Keyword is one entry of the keyword set.
type Keyword struct {
	// Phrase is the keyword as configured.
	Phrase     string
	normalized string
	lemma      string
}

// IsPhrase reports whether the keyword has more than one word.
func (k Keyword) IsPhrase() bool {
	return strings.Contains(k.normalized, " ")
}

// Option customizes a Matcher.
type Option func(*Matcher)

// WithLemmatizer enables the lemma pass. A non-nil initErr marks the pass
// unavailable for the matcher's lifetime.
func WithLemmatizer(l Lemmatizer, initErr error) Option {
	return func(m *Matcher) {
		m.lemmatizer = l
		m.lemmaErr = initErr
		if l == nil && initErr == nil {
			m.lemmaErr = fmt.Errorf("no lemmatizer configured")
		}
	}
}

// WithMaxTextRunes overrides the length cap of the scored passes.
func WithMaxTextRunes(n int) Option {
	return func(m *Matcher) {
		m.maxTextRunes = n
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Matcher) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Matcher is immutable after construction and safe for concurrent use.
type Matcher struct {
	keywords     []Keyword
	automaton    *ahocorasick.Matcher
	lemmatizer   Lemmatizer
	lemmaErr     error
	maxTextRunes int
	logger       *zap.Logger
}

// NewMatcher normalizes and deduplicates keywords and compiles the prefilter.
func NewMatcher(phrases []string, opts ...Option) (*Matcher, error) {
	m := &Matcher{
		maxTextRunes: DefaultMaxTextRunes,
		logger:       zap.NewNop(),
		lemmaErr:     fmt.Errorf("no lemmatizer configured"),
	}
	for _, opt := range opts {
		opt(m)
	}

	seen := make(map[string]struct{}, len(phrases))
	patterns := make([]string, 0, len(phrases))
	for _, phrase := range phrases {
		normalized := Normalize(phrase)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		m.keywords = append(m.keywords, Keyword{Phrase: strings.TrimSpace(phrase), normalized: normalized})
		patterns = append(patterns, normalized)
	}
	if len(m.keywords) == 0 {
		return nil, fmt.Errorf("keyword set is empty")
	}
	m.automaton = ahocorasick.NewStringMatcher(patterns)

	if m.lemmaErr == nil {
		for i := range m.keywords {
			lemma, err := lemmatizeText(m.lemmatizer, m.keywords[i].normalized)
			if err != nil {
				m.lemmaErr = fmt.Errorf("lemmatize keyword %q: %w", m.keywords[i].Phrase, err)
				break
			}
			m.keywords[i].lemma = lemma
		}
	}
	if m.lemmaErr != nil {
		m.lemmatizer = nil
		m.logger.Info("lemma pass unavailable", zap.Error(m.lemmaErr))
	}
	return m, nil
}

// Keywords returns the deduplicated keyword set.
func (m *Matcher) Keywords() []Keyword {
	return append([]Keyword(nil), m.keywords...)
}

// LemmaAvailable reports whether the lemma pass runs.
func (m *Matcher) LemmaAvailable() bool {
	return m.lemmatizer != nil
}

// HasWholeWord reports whether any keyword occurs in text as a whole word.
func (m *Matcher) HasWholeWord(text string) bool {
	return m.prefilter(Normalize(text))
}

func (m *Matcher) prefilter(normalized string) bool {
	if normalized == "" {
		return false
	}
	for _, idx := range m.automaton.MatchThreadSafe([]byte(normalized)) {
		if containsWholeWord(normalized, m.keywords[idx].normalized) {
			return true
		}
	}
	return false
}

// Score returns every keyword scoring at least threshold against text.
// Text without a whole-word keyword occurrence scores nothing.
func (m *Matcher) Score(text string, threshold int) Result {
	result := Result{}
	normalized := Normalize(text)
	if !m.prefilter(normalized) {
		return result
	}

	capped := truncateRunes(normalized, m.maxTextRunes)
	scores := make([]int, len(m.keywords))
	for i, kw := range m.keywords {
		scores[i] = scoreKeyword(kw.normalized, kw.IsPhrase(), capped)
	}

	if m.lemmatizer != nil {
		lemmaText, err := lemmatizeText(m.lemmatizer, capped)
		if err != nil {
			m.logger.Debug("lemma pass skipped", zap.Error(err))
		} else {
			for i, kw := range m.keywords {
				if s := scoreKeyword(kw.lemma, kw.IsPhrase(), lemmaText); s > scores[i] {
					scores[i] = s
				}
			}
		}
	}

	for i, kw := range m.keywords {
		if scores[i] >= threshold {
			result[kw.Phrase] = scores[i]
		}
	}
	return result
}

func scoreKeyword(keyword string, phrase bool, text string) int {
	if phrase {
		return partialRatio(keyword, text)
	}
	if containsWholeWord(text, keyword) {
		return 100
	}
	return 0
}
