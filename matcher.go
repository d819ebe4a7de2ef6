package main

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Score weights. Target coverage matters most; the reverse coverage and
// Jaccard terms reward candidates that carry little unrelated text.
const (
	weightTargetCoverage    = 0.60
	weightCandidateCoverage = 0.20
	weightJaccard           = 0.20
	containmentBonus        = 0.10
)

// MatchScore is the confidence that a text fragment names the target product.
type MatchScore struct {
	Value  float64
	Source string
}

// Normalize folds case, strips diacritics, drops apostrophes and turns
// punctuation into spaces. Decimal points between digits are kept so that
// sizes like "10.5" survive.
func Normalize(s string) string {
	if s == "" {
		return ""
	}

	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = cases.Fold().String(folded)

	rs := []rune(folded)
	var b strings.Builder
	b.Grow(len(folded))
	for i, r := range rs {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '’':
			// dropped so that "men's" becomes "mens"
		case r == '.' && i > 0 && i < len(rs)-1 && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1]):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func tokenize(s string) []string {
	return strings.Fields(Normalize(s))
}

// Score compares candidate text against the target product name.
func Score(candidate, target string) MatchScore {
	ms := MatchScore{Source: candidate}

	candTokens := tokenize(candidate)
	targetTokens := tokenize(target)
	if len(candTokens) == 0 || len(targetTokens) == 0 {
		return ms
	}

	targetSet := make(map[string]bool, len(targetTokens))
	for _, tok := range targetTokens {
		targetSet[tok] = true
	}
	candSet := make(map[string]bool, len(candTokens))
	candMatched := 0
	for _, tok := range candTokens {
		candSet[tok] = true
		if targetSet[tok] {
			candMatched++
		}
	}

	shared := 0
	for tok := range targetSet {
		if candSet[tok] {
			shared++
		}
	}
	if shared == 0 {
		return ms
	}

	union := len(targetSet) + len(candSet) - shared
	targetCoverage := float64(shared) / float64(len(targetSet))
	candCoverage := float64(candMatched) / float64(len(candTokens))
	jaccard := float64(shared) / float64(union)

	value := targetCoverage*weightTargetCoverage +
		candCoverage*weightCandidateCoverage +
		jaccard*weightJaccard

	// Every candidate token belongs to the name: a partial name such as a
	// title with the colorway left off.
	if candMatched == len(candTokens) {
		value += containmentBonus
	}

	if value > 1 {
		value = 1
	}
	ms.Value = value
	return ms
}
