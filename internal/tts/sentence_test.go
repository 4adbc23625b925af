package tts

import (
	"strings"
	"testing"
)

func feedByChar(b *SentenceBuffer, text string) []string {
	var out []string
	for _, r := range text {
		out = append(out, b.Add(string(r))...)
	}
	return out
}

func TestSentenceRoundTrip(t *testing.T) {
	b := NewSentenceBuffer(5, 250)
	text := "Hello world. This is a test."
	sentences := feedByChar(b, text)
	if rest := b.Flush(); rest != "" {
		sentences = append(sentences, rest)
	}

	want := []string{"Hello world.", "This is a test."}
	if len(sentences) != len(want) {
		t.Fatalf("got %d sentences: %q", len(sentences), sentences)
	}
	for i := range want {
		if sentences[i] != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, sentences[i], want[i])
		}
	}

	// No characters lost or duplicated, modulo boundary whitespace.
	joined := strings.Join(sentences, " ")
	if joined != text {
		t.Errorf("round trip = %q, want %q", joined, text)
	}
}

func TestShortSentencesHeldAndPrefixed(t *testing.T) {
	b := NewSentenceBuffer(20, 250)
	sentences := feedByChar(b, "Ok. That was a longer explanation of things. ")
	if len(sentences) != 1 {
		t.Fatalf("got %q", sentences)
	}
	if sentences[0] != "Ok. That was a longer explanation of things." {
		t.Errorf("sentence = %q", sentences[0])
	}
}

func TestCodeBlocksNeverSplit(t *testing.T) {
	b := NewSentenceBuffer(5, 250)
	text := "Explanation. ```code.\nmore.``` Done. "
	sentences := feedByChar(b, text)
	if rest := b.Flush(); rest != "" {
		sentences = append(sentences, rest)
	}
	for _, s := range sentences {
		if strings.Count(s, "```")%2 != 0 {
			t.Errorf("sentence splits a fence: %q", s)
		}
	}
	// The fenced content stays a single unit.
	found := false
	for _, s := range sentences {
		if strings.Contains(s, "```code.\nmore.```") {
			found = true
		}
	}
	if !found {
		t.Errorf("fenced block was split across sentences: %q", sentences)
	}
}

func TestForceSplitAtWordBoundary(t *testing.T) {
	b := NewSentenceBuffer(5, 50)
	long := strings.Repeat("word ", 30) // 150 chars, no punctuation
	sentences := b.Add(long)
	if len(sentences) == 0 {
		t.Fatal("no force split happened")
	}
	for _, s := range sentences {
		if len(s) > 50 {
			t.Errorf("sentence over max: %d chars", len(s))
		}
		if strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
			t.Errorf("unstripped sentence: %q", s)
		}
	}
}

func TestFlushReturnsRemainder(t *testing.T) {
	b := NewSentenceBuffer(20, 250)
	b.Add("Unfinished thought without a boundary")
	if got := b.Flush(); got != "Unfinished thought without a boundary" {
		t.Errorf("flush = %q", got)
	}
	if got := b.Flush(); got != "" {
		t.Errorf("second flush = %q", got)
	}
}

func TestStripMedia(t *testing.T) {
	in := "Here is your image [MEDIA:images/cat.png] enjoy"
	if got := StripMedia(in); strings.Contains(got, "MEDIA") {
		t.Errorf("got %q", got)
	}
}

func TestCleanForSpeech(t *testing.T) {
	in := "Use **bold** and `code` and ```\nfenced\n``` plus [a link](http://x)."
	got := CleanForSpeech(in)
	for _, bad := range []string{"**", "`", "fenced", "http://x"} {
		if strings.Contains(got, bad) {
			t.Errorf("clean output still contains %q: %q", bad, got)
		}
	}
	if !strings.Contains(got, "a link") {
		t.Errorf("link text lost: %q", got)
	}
}
