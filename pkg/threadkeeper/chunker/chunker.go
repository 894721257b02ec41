// Package chunker splits long replies into transport-sized parts.
//
// Packing is greedy at decreasing granularity: paragraphs, then sentences,
// then whitespace-delimited words, then raw runes. Every unit keeps its
// trailing separator, so the bodies of all parts concatenate back to the
// original text. When more than one part is produced each rendered chunk
// carries a " (i/n)" marker.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLength leaves headroom under Discord's 2000 character limit.
const DefaultMaxLength = 1900

// Part is one piece of a split text before rendering.
type Part struct {
	Index int // 1-based
	Total int
	Body  string
}

// Render returns prefix + body + marker. The marker is omitted for a single
// part or when showMarker is false.
func (p Part) Render(prefix string, showMarker bool) string {
	if p.Total <= 1 || !showMarker {
		return prefix + p.Body
	}
	return prefix + p.Body + Marker(p.Index, p.Total)
}

// Marker returns the part marker appended to chunk i of n.
func Marker(i, n int) string {
	return fmt.Sprintf(" (%d/%d)", i, n)
}

// Split packs text into chunks of at most maxLength runes, each including
// prefix and, when there is more than one chunk, the part marker.
func Split(text string, maxLength int, prefix string) []string {
	parts, prefix, showMarker := plan(text, maxLength, prefix)
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.Render(prefix, showMarker)
	}
	return out
}

// SplitParts is Split without rendering. The returned prefix and flag tell
// the caller how the parts would be rendered after degradation.
func SplitParts(text string, maxLength int, prefix string) (parts []Part, effectivePrefix string, showMarker bool) {
	return plan(text, maxLength, prefix)
}

func plan(text string, maxLength int, prefix string) ([]Part, string, bool) {
	if text == "" {
		return nil, prefix, false
	}
	if maxLength < 1 {
		maxLength = 1
	}
	prefixLen := runeLen(prefix)

	// Fits whole: no marker needed.
	if prefixLen+runeLen(text) <= maxLength {
		return []Part{{Index: 1, Total: 1, Body: text}}, prefix, false
	}

	// Guess the marker width, pack, and repeat until the part count has the
	// digit count the marker was sized for.
	total := 2
	for attempt := 0; attempt < 8; attempt++ {
		budget := maxLength - prefixLen - runeLen(Marker(total, total))
		if budget < 1 {
			break
		}
		bodies := pack(text, budget)
		if digits(len(bodies)) <= digits(total) {
			return toParts(bodies), prefix, true
		}
		total = len(bodies)
	}

	// No room for the marker: drop it, keep the prefix if possible.
	if budget := maxLength - prefixLen; budget >= 1 {
		return toParts(pack(text, budget)), prefix, false
	}
	return toParts(pack(text, maxLength)), "", false
}

func toParts(bodies []string) []Part {
	parts := make([]Part, len(bodies))
	for i, b := range bodies {
		parts[i] = Part{Index: i + 1, Total: len(bodies), Body: b}
	}
	return parts
}

// pack greedily fills chunks of at most budget runes.
func pack(text string, budget int) []string {
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, unit := range atoms(text, levelParagraph, budget) {
		n := runeLen(unit)
		if curLen+n > budget {
			flush()
		}
		cur.WriteString(unit)
		curLen += n
	}
	flush()
	return chunks
}

type level int

const (
	levelParagraph level = iota
	levelSentence
	levelWord
	levelRune
)

// atoms splits text at lvl and recursively refines every unit that is
// still longer than budget.
func atoms(text string, lvl level, budget int) []string {
	var units []string
	switch lvl {
	case levelParagraph:
		units = splitKeep(text, paragraphBoundary)
	case levelSentence:
		units = splitKeep(text, sentenceBoundary)
	case levelWord:
		units = splitKeep(text, wordBoundary)
	default:
		return sliceRunes(text, budget)
	}

	out := make([]string, 0, len(units))
	for _, u := range units {
		if runeLen(u) <= budget {
			out = append(out, u)
			continue
		}
		out = append(out, atoms(u, lvl+1, budget)...)
	}
	return out
}

var (
	paragraphBoundary = regexp.MustCompile(`\n[ \t]*\n\s*`)
	sentenceBoundary  = regexp.MustCompile(`[.!?]+["')\]]*\s+|\n+`)
	wordBoundary      = regexp.MustCompile(`\s+`)
)

// splitKeep splits text after each match of re, keeping the separator at
// the end of the preceding unit.
func splitKeep(text string, re *regexp.Regexp) []string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []string{text}
	}
	units := make([]string, 0, len(locs)+1)
	start := 0
	for _, loc := range locs {
		if loc[1] <= start {
			continue
		}
		units = append(units, text[start:loc[1]])
		start = loc[1]
	}
	if start < len(text) {
		units = append(units, text[start:])
	}
	return units
}

// sliceRunes cuts text into pieces of at most n runes.
func sliceRunes(text string, n int) []string {
	var out []string
	for len(text) > 0 {
		i, count := 0, 0
		for i < len(text) && count < n {
			_, size := utf8.DecodeRuneInString(text[i:])
			i += size
			count++
		}
		out = append(out, text[:i])
		text = text[i:]
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func digits(n int) int {
	d := 1
	for n >= 10 {
		n /= 10
		d++
	}
	return d
}
