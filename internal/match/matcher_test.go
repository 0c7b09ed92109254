package match

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var georgianKeywords = []string{
	"თუჯის სარქველი",
	"დანისებრი სარქველი",
	"ურდული",
}

func newMatcher(t *testing.T, phrases []string, opts ...Option) *Matcher {
	t.Helper()
	m, err := NewMatcher(phrases, opts...)
	require.NoError(t, err)
	return m
}

type countingLemmatizer struct {
	calls atomic.Int32
	fail  string
}

func (c *countingLemmatizer) Lemmatize(word string) (string, error) {
	c.calls.Add(1)
	if c.fail != "" && word == c.fail {
		return "", errors.New("no lemma")
	}
	word = strings.TrimSuffix(word, "ები")
	return strings.TrimSuffix(word, "ი"), nil
}

func TestScorePhraseLiterallyPresent(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, georgianKeywords)
	got := m.Score("ავტორიზებული წარმომადგენელი თუჯის სარქველი მოწოდებულია", 85)
	assert.Equal(t, Result{"თუჯის სარქველი": 100}, got)
}

func TestScoreNoOccurrence(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, georgianKeywords)
	assert.Empty(t, m.Score("სატენდერო დოკუმენტაცია კომპიუტერული ტექნიკის შესყიდვაზე", 0))
	assert.Empty(t, m.Score("", 0))
	assert.Empty(t, m.Score(" \n\t ", 0))
}

func TestPrefilterRejectsPartialWords(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, []string{"სარქველი", "valve"})
	for _, text := range []string{
		"მოწოდებულია სარქველები და მილები",
		"the valves are supplied",
		"კოდი: xსარქველიy", // Latin neighbors do not glue to Georgian
	} {
		got := m.Score(text, 0)
		if strings.Contains(text, "xსარქველიy") {
			assert.Equal(t, Result{"სარქველი": 100, "valve": 0}, got)
			continue
		}
		assert.Empty(t, got, text)
		assert.False(t, m.HasWholeWord(text), text)
	}
}

func TestPrefilterLaw(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, []string{"cast iron valve", "gate valve"})
	texts := []string{
		"cast iron valves and gate valves",
		"castiron valve",
		"gatevalve supply",
		"nothing relevant here",
	}
	for _, text := range texts {
		require.False(t, m.HasWholeWord(text), text)
		for _, threshold := range []int{0, 50, 100} {
			assert.Empty(t, m.Score(text, threshold), "%q at %d", text, threshold)
		}
	}
}

func TestScoreMonotonicThreshold(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, append([]string{"pipe"}, georgianKeywords...))
	texts := []string{
		"pipe and დანისებრი სარქვლები",
		"თუჯის სარქველი, ურდული, pipe",
		"pipe only",
	}
	for _, text := range texts {
		low := m.Score(text, 0)
		high := m.Score(text, 100)
		for kw := range high {
			assert.Contains(t, low, kw, text)
		}
		assert.Len(t, low, 4, "threshold 0 keeps every keyword once the prefilter passes")
	}
}

func TestScoreFuzzyPhrase(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, []string{"pipe", "cast iron valves"})
	got := m.Score("pipe and cast iron valve delivery", 0)
	assert.Equal(t, 100, got["pipe"])
	assert.Equal(t, 93, got["cast iron valves"])
	assert.NotContains(t, m.Score("pipe and cast iron valve delivery", 95), "cast iron valves")
}

func TestScoreSingleWordIsBinary(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, []string{"pipe", "valve"})
	got := m.Score("pipe and valves", 0)
	assert.Equal(t, Result{"pipe": 100, "valve": 0}, got)
}

func TestScoreIsCaseAndFormInsensitive(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, []string{"Gate   Valve"})
	assert.Equal(t, Result{"Gate   Valve": 100}, m.Score("Supply of GATE\n\tVALVE units", 90))
	// Decomposed text matches the composed keyword.
	m2 := newMatcher(t, []string{"vanne forg\u00e9e"})
	assert.Equal(t, 100, m2.Score("une vanne forge\u0301e", 90)["vanne forg\u00e9e"])
}

func TestDuplicateKeywordsCollapse(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, []string{"ურდული", " ურდული ", "ურდული"})
	require.Len(t, m.Keywords(), 1)
	assert.Equal(t, Result{"ურდული": 100}, m.Score("ურდული DN50", 90))
}

func TestNewMatcherRejectsEmptySet(t *testing.T) {
	t.Parallel()

	_, err := NewMatcher([]string{"", "   "})
	require.Error(t, err)
}

func TestTextCapAppliesToScoredPass(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, []string{"valve"}, WithMaxTextRunes(20))
	text := strings.Repeat("filler ", 20) + "valve"
	assert.True(t, m.HasWholeWord(text), "prefilter sees the full text")
	assert.Empty(t, m.Score(text, 90))
	assert.Equal(t, Result{"valve": 0}, m.Score(text, 0))
}

func TestLemmaPassRaisesScore(t *testing.T) {
	t.Parallel()

	lemma, err := NewSnowballLemmatizer("english")
	require.NoError(t, err)
	m := newMatcher(t, []string{"tender", "cast iron valves"}, WithLemmatizer(lemma, nil))
	require.True(t, m.LemmaAvailable())

	got := m.Score("tender for cast iron valve delivery", 95)
	assert.Equal(t, 100, got["cast iron valves"])
	assert.Equal(t, 100, got["tender"])
}

func TestLemmaUnavailableDegrades(t *testing.T) {
	t.Parallel()

	lemma, err := NewSnowballLemmatizer("georgian")
	require.Error(t, err)
	m := newMatcher(t, georgianKeywords, WithLemmatizer(lemma, err))
	assert.False(t, m.LemmaAvailable())
	assert.Equal(t, Result{"ურდული": 100}, m.Score("ურდული", 90))

	_, err = NewSnowballLemmatizer("")
	require.Error(t, err)
}

func TestLemmaErrorKeepsBaseScores(t *testing.T) {
	t.Parallel()

	lemma := &countingLemmatizer{fail: "boom"}
	m := newMatcher(t, []string{"ურდული"}, WithLemmatizer(lemma, nil))
	require.True(t, m.LemmaAvailable())
	assert.Equal(t, Result{"ურდული": 100}, m.Score("ურდული boom", 90))
}

func TestLemmatizerNotInvokedForEmptyText(t *testing.T) {
	t.Parallel()

	lemma := &countingLemmatizer{}
	m := newMatcher(t, []string{"სარქველი"}, WithLemmatizer(lemma, nil))
	before := lemma.calls.Load()
	assert.Empty(t, m.Score("   ", 0))
	assert.Equal(t, before, lemma.calls.Load())
}

func TestLemmaPassWithInjectedLemmatizer(t *testing.T) {
	t.Parallel()

	lemma := &countingLemmatizer{}
	m := newMatcher(t, []string{"ურდული", "თუჯის სარქველი"}, WithLemmatizer(lemma, nil))
	got := m.Score("ურდული და თუჯის სარქველები", 100)
	assert.Equal(t, Result{"ურდული": 100, "თუჯის სარქველი": 100}, got)
}

func TestScoreDeterministic(t *testing.T) {
	t.Parallel()

	m := newMatcher(t, georgianKeywords)
	text := "ურდული და დანისებრი სარქვლის მიწოდება"
	first := m.Score(text, 50)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.Score(text, 50))
	}
}

func TestWholeWordIndex(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, wholeWordIndex("valve x", "valve"))
	assert.Equal(t, 7, wholeWordIndex("valves valve", "valve"))
	assert.Equal(t, -1, wholeWordIndex("valves", "valve"))
	assert.Equal(t, -1, wholeWordIndex("", "valve"))
	assert.Equal(t, -1, wholeWordIndex("valve", ""))
	assert.Equal(t, 5, wholeWordIndex("dn50 100", "100"))
	assert.Equal(t, -1, wholeWordIndex("1000", "100"))
}

func TestPartialRatio(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100, partialRatio("gate valve", "a gate valve here"))
	assert.Equal(t, 90, partialRatio("gate valve", "gate valvo"))
	assert.Equal(t, 0, partialRatio("gate valve", ""))
	assert.Equal(t, 50, partialRatio("abcd", "ab"))
}
