package pipeline

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PatternKind is the match mode of a low-value filter pattern.
type PatternKind int

const (
	// PatternContains matches if the pattern appears anywhere in the title
	// (the default, bare-string syntax).
	PatternContains PatternKind = iota
	// PatternPrefix matches if the title starts with the pattern, syntax
	// "^prefix".
	PatternPrefix
	// PatternExact matches only an exact title match, syntax "=exact".
	PatternExact
)

// Pattern is one compiled low-value filter rule.
type Pattern struct {
	Kind  PatternKind
	Value string
}

// DefaultLowValuePatterns are the operator-configured patterns baked in as
// a sane baseline; deployments may extend this list via config.
var DefaultLowValuePatterns = []Pattern{
	{Kind: PatternContains, Value: "file edit applied successfully"},
	{Kind: PatternContains, Value: "no changes"},
	{Kind: PatternContains, Value: "command completed successfully"},
	{Kind: PatternExact, Value: "ok"},
}

// ParsePattern compiles one pattern-syntax string: "^prefix" (prefix match),
// "=exact" (exact match), or a bare string (substring match, the default).
func ParsePattern(raw string) Pattern {
	switch {
	case strings.HasPrefix(raw, "^"):
		return Pattern{Kind: PatternPrefix, Value: normalizeForMatch(raw[1:])}
	case strings.HasPrefix(raw, "="):
		return Pattern{Kind: PatternExact, Value: normalizeForMatch(raw[1:])}
	default:
		return Pattern{Kind: PatternContains, Value: normalizeForMatch(raw)}
	}
}

// IsLowValue reports whether title matches any of patterns after Unicode
// NFKC normalisation and zero-width character stripping, which closes the
// homoglyph/ZWJ bypass the plain-string match would otherwise miss.
func IsLowValue(title string, patterns []Pattern) bool {
	normalized := normalizeForMatch(title)
	for _, p := range patterns {
		switch p.Kind {
		case PatternContains:
			if strings.Contains(normalized, p.Value) {
				return true
			}
		case PatternPrefix:
			if strings.HasPrefix(normalized, p.Value) {
				return true
			}
		case PatternExact:
			if normalized == p.Value {
				return true
			}
		}
	}
	return false
}

// zeroWidth are characters commonly used to break up substring matches
// without changing visible rendering.
var zeroWidth = []rune{
	'​', // zero width space
	'‌', // zero width non-joiner
	'‍', // zero width joiner
	'﻿', // byte order mark / zero width no-break space
}

// normalizeForMatch applies NFKC normalisation, strips zero-width
// characters, folds common cross-script homoglyphs to their Latin
// look-alike, and lowercases, so that visually-identical but
// codepoint-distinct titles (Cyrillic homoglyphs, inserted ZWJs) collapse
// to the same comparison key.
func normalizeForMatch(s string) string {
	s = norm.NFKC.String(s)
	s = stripZeroWidth(s)
	s = foldConfusables(s)
	return strings.ToLower(strings.TrimSpace(s))
}

// confusables maps single-rune homoglyphs from other scripts (primarily
// Cyrillic, which shares many glyph shapes with Latin) to the Latin letter
// they visually impersonate. NFKC does not fold across scripts, so this
// catches the common "Updаted" (Cyrillic а, U+0430) bypass NFKC alone
// would miss.
var confusables = map[rune]rune{
	'а': 'a', 'А': 'A', // CYRILLIC A / а U+0430/U+0410
	'е': 'e', 'Е': 'E', // CYRILLIC IE U+0435/U+0415
	'о': 'o', 'О': 'O', // CYRILLIC O U+043E/U+041E
	'р': 'p', 'Р': 'P', // CYRILLIC ER U+0440/U+0420
	'с': 'c', 'С': 'C', // CYRILLIC ES U+0441/U+0421
	'у': 'y', 'У': 'Y', // CYRILLIC U U+0443/U+0423
	'х': 'x', 'Х': 'X', // CYRILLIC HA U+0445/U+0425
	'і': 'i', 'І': 'I', // CYRILLIC BYELORUSSIAN-UKRAINIAN I U+0456/U+0406
	'ѕ': 's', 'Ѕ': 'S', // CYRILLIC DZE U+0455/U+0405
	'ј': 'j', 'Ј': 'J', // CYRILLIC JE U+0458/U+0408
}

func foldConfusables(s string) string {
	return strings.Map(func(r rune) rune {
		if folded, ok := confusables[r]; ok {
			return folded
		}
		return r
	}, s)
}

func stripZeroWidth(s string) string {
	return strings.Map(func(r rune) rune {
		for _, zw := range zeroWidth {
			if r == zw {
				return -1
			}
		}
		return r
	}, s)
}
