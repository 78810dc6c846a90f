// Package sentence implements the sentence splitter (spec §4.A): a pure,
// deterministic function from arbitrary text to an ordered list of trimmed,
// non-empty sentences.
package sentence

import (
	"strings"
	"unicode"
)

// terminators are the punctuation runes that end a sentence, Latin and CJK.
var terminators = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '；': true, ';': true,
}

// titleAbbreviations never end a sentence, even before a capital letter.
var titleAbbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "vs": true,
}

// Strategy is one of the splitting strategies spec §4.A names.
type Strategy int

const (
	// Punctuation splits on sentence-terminating punctuation, aware of
	// abbreviations, decimals, and ellipses (the default strategy).
	Punctuation Strategy = iota
	// Newline splits purely on line breaks, one sentence per non-empty line.
	Newline
)

// TextSplitter is anything that turns raw input into an ordered list of
// trimmed, non-empty sentences — satisfied by both Splitter and
// MarkdownSplitter, so callers can swap in markdown-aware splitting without
// the consumer caring which one it holds.
type TextSplitter interface {
	Split(text string) []string
}

// Splitter is a pure, stateless function from text to sentences.
type Splitter struct {
	strategy Strategy
}

// New constructs a Splitter using the given strategy. The zero value uses
// Punctuation.
func New(strategy Strategy) *Splitter {
	return &Splitter{strategy: strategy}
}

// Split turns text into an ordered list of trimmed, non-empty sentences.
// Same input always yields the same output; empty input yields an empty
// (possibly nil) slice. Not a streaming operation.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	switch s.strategy {
	case Newline:
		return splitNewline(text)
	default:
		return splitPunctuation(text)
	}
}

func splitNewline(text string) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func splitPunctuation(text string) []string {
	runes := []rune(text)
	var out []string
	var cur strings.Builder

	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if isBoundary(runes, i) {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// isBoundary reports whether position pos in runes ends a sentence.
func isBoundary(runes []rune, pos int) bool {
	if pos >= len(runes)-1 {
		return true
	}
	cur := runes[pos]
	if !terminators[cur] {
		return false
	}

	// Ellipsis ("...") never ends a sentence on its own middle/first dot.
	if cur == '.' && pos+1 < len(runes) && runes[pos+1] == '.' {
		return false
	}
	// Decimal numbers: digit '.' digit.
	if cur == '.' && pos > 0 && pos+1 < len(runes) &&
		unicode.IsDigit(runes[pos-1]) && unicode.IsDigit(runes[pos+1]) {
		return false
	}

	// Abbreviations: word immediately preceding the dot, lowercased, is a
	// known title abbreviation, or a short (<=3 rune) token not followed by
	// a capital letter.
	if cur == '.' {
		word := precedingWord(runes, pos)
		lw := strings.ToLower(word)
		if titleAbbreviations[lw] {
			return false
		}
		if len(word) > 0 && len([]rune(word)) <= 3 {
			next := pos + 1
			for next < len(runes) && unicode.IsSpace(runes[next]) {
				next++
			}
			if next < len(runes) && !unicode.IsUpper(runes[next]) {
				return false
			}
		}
	}

	return true
}

// precedingWord returns the run of non-space runes immediately before pos.
func precedingWord(runes []rune, pos int) string {
	start := pos
	for start > 0 && !unicode.IsSpace(runes[start-1]) {
		start--
	}
	return string(runes[start:pos])
}
