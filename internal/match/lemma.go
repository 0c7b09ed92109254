package match

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

// Lemmatizer maps a word to its canonical form.
type Lemmatizer interface {
	Lemmatize(word string) (string, error)
}

// SnowballLemmatizer reduces words to Snowball stems for one language.
type SnowballLemmatizer struct {
	language string
}

// NewSnowballLemmatizer checks that language is supported by the stemmer.
// Supported: english, spanish, french, russian, swedish, norwegian, hungarian.
func NewSnowballLemmatizer(language string) (*SnowballLemmatizer, error) {
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		return nil, fmt.Errorf("lemma language not configured")
	}
	if _, err := snowball.Stem("probe", language, true); err != nil {
		return nil, fmt.Errorf("snowball %q: %w", language, err)
	}
	return &SnowballLemmatizer{language: language}, nil
}

// Lemmatize implements Lemmatizer. Tokens without letters pass through.
func (s *SnowballLemmatizer) Lemmatize(word string) (string, error) {
	if !strings.ContainsFunc(word, unicode.IsLetter) {
		return word, nil
	}
	stem, err := snowball.Stem(word, s.language, true)
	if err != nil {
		return "", fmt.Errorf("stem %q: %w", word, err)
	}
	if stem == "" {
		return word, nil
	}
	return stem, nil
}

// lemmatizeText applies l to every space-separated token of normalized text.
func lemmatizeText(l Lemmatizer, text string) (string, error) {
	words := strings.Split(text, " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		lemma, err := l.Lemmatize(w)
		if err != nil {
			return "", err
		}
		words[i] = lemma
	}
	return strings.Join(words, " "), nil
}
