// Package moderation neutralises markup and masks censored words in chat text.
package moderation

import (
	"html"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

const DefaultReplacement = '*'

// Sanitizer escapes HTML and masks configured words. A Sanitizer without words
// only escapes.
type Sanitizer struct {
	matcher     *goahocorasick.Machine
	replacement rune
}

// NewSanitizer builds the Aho-Corasick automaton from the normalized words.
func NewSanitizer(censoredWords []string, replacement rune) (*Sanitizer, error) {
	if replacement == 0 {
		replacement = DefaultReplacement
	}
	words := lo.Uniq(lo.FilterMap(censoredWords, func(word string, _ int) (string, bool) {
		p := string(normalizeRunes([]rune(word)))
		return p, p != ""
	}))
	patterns := lo.Map(words, func(word string, _ int) []rune { return []rune(word) })
	s := &Sanitizer{replacement: replacement}
	if len(patterns) == 0 {
		return s, nil
	}
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	s.matcher = m
	return s, nil
}

// Sanitize masks censored words, then escapes markup so the result is safe to
// render as HTML text.
func (s *Sanitizer) Sanitize(text string) string {
	return html.EscapeString(s.censor(text))
}

func (s *Sanitizer) censor(original string) string {
	if s.matcher == nil {
		return original
	}
	normalized, origIdx := normalize(original)
	if len(normalized) == 0 {
		return original
	}
	spans := s.matcher.MultiPatternSearch(normalized, false)
	if len(spans) == 0 {
		return original
	}

	runes := []rune(original)
	for _, span := range spans {
		start := span.Pos
		end := start + len(span.Word)
		if start < 0 || end > len(origIdx) {
			continue
		}
		for i := origIdx[start]; i <= origIdx[end-1]; i++ {
			if !unicode.IsSpace(runes[i]) {
				runes[i] = s.replacement
			}
		}
	}
	return string(runes)
}

// normalize drops noise characters and folds leet spellings, remembering where
// each kept rune came from.
func normalize(input string) ([]rune, []int) {
	runes := []rune(input)
	norm := make([]rune, 0, len(runes))
	idx := make([]int, 0, len(runes))
	for i, r := range runes {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		norm = append(norm, unicode.ToLower(clean))
		idx = append(idx, i)
	}
	return norm, idx
}

func normalizeRunes(input []rune) []rune {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		clean := simplifyRune(r)
		if isNoise(clean) {
			continue
		}
		out = append(out, unicode.ToLower(clean))
	}
	return out
}

func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}

func isNoise(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r)
}
