package keyword

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// ConfusableOption is a functional option for [NewConfusableChecker].
type ConfusableOption func(*ConfusableChecker)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for names whose
// Double Metaphone codes overlap. Default: 0.70.
func WithPhoneticThreshold(threshold float64) ConfusableOption {
	return func(c *ConfusableChecker) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for names without
// a phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) ConfusableOption {
	return func(c *ConfusableChecker) { c.fuzzyThreshold = threshold }
}

// ConfusableChecker flags keyword names that a listener (or the acoustic
// model) could mistake for one another.
//
// Two names are confusable when their Double Metaphone codes overlap and
// their Jaro-Winkler similarity reaches the phonetic threshold, or, without
// an overlap, when the similarity reaches the higher fuzzy threshold.
// Multi-word names compare their best word pair as well as the full and
// space-stripped strings.
//
// The checker is read-only after construction and safe for concurrent use.
type ConfusableChecker struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewConfusableChecker returns a checker with the given options applied.
func NewConfusableChecker(opts ...ConfusableOption) *ConfusableChecker {
	c := &ConfusableChecker{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Match is one enrolled name found confusable with a candidate.
type Match struct {
	Name       string
	Similarity float64
	Phonetic   bool
}

// Confusables returns the names in enrolled that are confusable with name,
// in the order given.
func (c *ConfusableChecker) Confusables(name string, enrolled []string) []Match {
	nameLower := strings.ToLower(strings.TrimSpace(name))
	if nameLower == "" {
		return nil
	}
	nameTokens := strings.Fields(nameLower)
	nameCodes := codesForTokens(nameTokens)

	var out []Match
	for _, other := range enrolled {
		otherLower := strings.ToLower(strings.TrimSpace(other))
		if otherLower == "" {
			continue
		}
		otherTokens := strings.Fields(otherLower)
		phonetic := codesOverlap(nameCodes, codesForTokens(otherTokens))
		score := bestJWScore(nameTokens, otherTokens, nameLower, otherLower)

		switch {
		case phonetic && score >= c.phoneticThreshold:
			out = append(out, Match{Name: other, Similarity: score, Phonetic: true})
		case !phonetic && score >= c.fuzzyThreshold:
			out = append(out, Match{Name: other, Similarity: score})
		}
	}
	return out
}

// Warnings formats [ConfusableChecker.Confusables] as messages suitable for
// an API response.
func (c *ConfusableChecker) Warnings(name string, enrolled []string) []string {
	matches := c.Confusables(name, enrolled)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		how := "looks like"
		if m.Phonetic {
			how = "sounds like"
		}
		out = append(out, fmt.Sprintf("%q %s enrolled keyword %q (similarity %.2f)", name, how, m.Name, m.Similarity))
	}
	return out
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity over the full strings,
// the space-stripped strings and every word pair.
func bestJWScore(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)

	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}

	for _, a := range aTokens {
		for _, b := range bTokens {
			if s := matchr.JaroWinkler(a, b, false); s > score {
				score = s
			}
		}
	}
	return score
}
