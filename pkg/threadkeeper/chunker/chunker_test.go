package chunker

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	got := Split("hello world", 100, "")
	if len(got) != 1 || got[0] != "hello world" {
		t.Fatalf("expected single unchanged chunk, got %q", got)
	}
}

func TestSplit_Empty(t *testing.T) {
	if got := Split("", 10, "> "); got != nil {
		t.Fatalf("expected nil, got %q", got)
	}
}

func TestSplit_PrefixOnEveryChunk(t *testing.T) {
	text := strings.Repeat("word ", 60)
	got := Split(text, 50, ">> ")
	if len(got) < 2 {
		t.Fatalf("expected several chunks, got %d", len(got))
	}
	for i, c := range got {
		if !strings.HasPrefix(c, ">> ") {
			t.Errorf("chunk %d missing prefix: %q", i, c)
		}
		if n := utf8.RuneCountInString(c); n > 50 {
			t.Errorf("chunk %d has %d runes, limit 50", i, n)
		}
	}
}

func TestSplit_PrefersParagraphBoundaries(t *testing.T) {
	p1 := strings.Repeat("a", 30)
	p2 := strings.Repeat("b", 30)
	text := p1 + "\n\n" + p2
	parts, _, _ := SplitParts(text, 45, "")
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d: %+v", len(parts), parts)
	}
	if parts[0].Body != p1+"\n\n" || parts[1].Body != p2 {
		t.Errorf("paragraphs not kept whole: %q / %q", parts[0].Body, parts[1].Body)
	}
}

func TestSplit_FallsBackToSentences(t *testing.T) {
	text := "First sentence is here. Second sentence follows! Third one ends?"
	parts, _, _ := SplitParts(text, 35, "")
	for _, p := range parts {
		body := strings.TrimSpace(p.Body)
		last := body[len(body)-1]
		if last != '.' && last != '!' && last != '?' {
			t.Errorf("expected sentence boundary at end of %q", p.Body)
		}
	}
}

func TestSplit_FallsBackToRunes(t *testing.T) {
	text := strings.Repeat("x", 95)
	got := Split(text, 20, "")
	for i, c := range got {
		if n := utf8.RuneCountInString(c); n > 20 {
			t.Errorf("chunk %d too long: %d", i, n)
		}
	}
	if joined := joinBodies(t, text, 20, ""); joined != text {
		t.Errorf("reconstruction mismatch")
	}
}

func TestSplit_PartMarkers(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet. ", 20)
	got := Split(text, 100, "")
	n := len(got)
	if n < 2 {
		t.Fatalf("expected multiple chunks")
	}
	for i, c := range got {
		want := Marker(i+1, n)
		if !strings.HasSuffix(c, want) {
			t.Errorf("chunk %d missing marker %q: %q", i, want, c)
		}
	}
}

func TestSplit_MultibyteRunes(t *testing.T) {
	text := strings.Repeat("日本語のテキスト。", 30)
	got := Split(text, 40, "")
	for i, c := range got {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
		if n := utf8.RuneCountInString(c); n > 40 {
			t.Errorf("chunk %d too long: %d", i, n)
		}
	}
}

func TestSplit_TinyLimitDropsMarkerThenPrefix(t *testing.T) {
	got := Split("abc", 1, "> ")
	if len(got) != 3 {
		t.Fatalf("expected 3 one-rune chunks, got %q", got)
	}
	for _, c := range got {
		if utf8.RuneCountInString(c) != 1 {
			t.Errorf("chunk %q exceeds limit", c)
		}
	}

	got = Split("abcd", 4, "> ")
	for _, c := range got {
		if !strings.HasPrefix(c, "> ") || utf8.RuneCountInString(c) > 4 {
			t.Errorf("expected prefix kept without marker, got %q", c)
		}
	}
}

func TestSplit_ZeroLimitTreatedAsOne(t *testing.T) {
	got := Split("ab", 0, "")
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %q", got)
	}
}

// TestSplit_Properties checks the bound, reconstruction and determinism over
// random inputs built from a small alphabet with separators.
func TestSplit_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"a", "b", "é", "語", " ", " ", "\n", "\n\n", ".", "!", "?", "  "}
	prefixes := []string{"", "> ", "[bot] "}

	for i := 0; i < 500; i++ {
		var sb strings.Builder
		n := rng.Intn(400)
		for j := 0; j < n; j++ {
			sb.WriteString(alphabet[rng.Intn(len(alphabet))])
		}
		text := sb.String()
		maxLen := 1 + rng.Intn(60)
		prefix := prefixes[rng.Intn(len(prefixes))]

		chunks := Split(text, maxLen, prefix)
		for k, c := range chunks {
			if l := utf8.RuneCountInString(c); l > maxLen {
				t.Fatalf("case %d: chunk %d has %d runes > %d (prefix %q)", i, k, l, maxLen, prefix)
			}
		}
		if got := joinBodies(t, text, maxLen, prefix); got != text {
			t.Fatalf("case %d: reconstruction mismatch\nwant %q\ngot  %q", i, text, got)
		}
		again := Split(text, maxLen, prefix)
		if strings.Join(again, "\x00") != strings.Join(chunks, "\x00") {
			t.Fatalf("case %d: output not deterministic", i)
		}
	}
}

func joinBodies(t *testing.T, text string, maxLen int, prefix string) string {
	t.Helper()
	parts, _, _ := SplitParts(text, maxLen, prefix)
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Body)
	}
	return sb.String()
}
