// Package tts turns streamed assistant text into speech. The sentence
// buffer detects synthesis boundaries in a token stream; the client
// sends completed sentences to an OpenAI-compatible speech endpoint.
package tts

import (
	"regexp"
	"strings"
)

const (
	// Sentences shorter than this are held and prefixed onto the
	// next candidate instead of firing synthesis for fragments
	// like "Ok.".
	DefaultMinSentenceLen = 20
	// Sentences longer than this without a natural boundary are
	// force-split at a word boundary to bound per-chunk latency.
	DefaultMaxSentenceLen = 250
)

var boundaryRe = regexp.MustCompile(`[.!?]\s+`)

// SentenceBuffer accumulates streamed tokens and emits complete
// sentences. Pure synchronous state machine: one caller at a time.
type SentenceBuffer struct {
	buf     strings.Builder
	pending string
	minLen  int
	maxLen  int
}

func NewSentenceBuffer(minLen, maxLen int) *SentenceBuffer {
	if minLen <= 0 {
		minLen = DefaultMinSentenceLen
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxSentenceLen
	}
	return &SentenceBuffer{minLen: minLen, maxLen: maxLen}
}

// Add appends a token and returns zero or more complete sentences.
func (b *SentenceBuffer) Add(token string) []string {
	b.buf.WriteString(token)
	var out []string
	for {
		sentence, ok := b.splitOne()
		if !ok {
			break
		}
		if emitted := b.emit(sentence); emitted != "" {
			out = append(out, emitted)
		}
	}
	return out
}

// Flush returns any remaining unterminated text. Call at stream end.
func (b *SentenceBuffer) Flush() string {
	rest := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	if b.pending != "" {
		if rest == "" {
			rest = b.pending
		} else {
			rest = b.pending + " " + rest
		}
		b.pending = ""
	}
	return rest
}

// splitOne removes and returns the first complete sentence from the
// buffer. Boundaries inside open fenced code blocks are ignored:
// a fenced block is emitted whole with whatever sentence surrounds it.
func (b *SentenceBuffer) splitOne() (string, bool) {
	text := b.buf.String()

	for _, loc := range boundaryRe.FindAllStringIndex(text, -1) {
		if insideFence(text, loc[0]) {
			continue
		}
		sentence := text[:loc[0]+1]
		b.buf.Reset()
		b.buf.WriteString(text[loc[1]:])
		return sentence, true
	}

	// No natural boundary: force-split once the buffer is past the
	// max length, but never inside an open fence.
	if len(text) > b.maxLen && !insideFence(text, b.maxLen) {
		cut := strings.LastIndex(text[:b.maxLen], " ")
		if cut <= 0 {
			cut = b.maxLen
		}
		sentence := text[:cut]
		b.buf.Reset()
		b.buf.WriteString(strings.TrimLeft(text[cut:], " "))
		return sentence, true
	}
	return "", false
}

func (b *SentenceBuffer) emit(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return ""
	}
	if b.pending != "" {
		candidate = b.pending + " " + candidate
		b.pending = ""
	}
	if len(candidate) < b.minLen {
		b.pending = candidate
		return ""
	}
	return candidate
}

// insideFence reports whether pos falls within an open ``` fence.
func insideFence(text string, pos int) bool {
	return strings.Count(text[:pos], "```")%2 == 1
}

var (
	mediaTagRe    = regexp.MustCompile(`\[?MEDIA:[^\]\s]*\]?`)
	fencedCodeRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe  = regexp.MustCompile("`[^`]*`")
	markdownLink  = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	emphasisRe    = regexp.MustCompile(`[*_#]+`)
	multiSpaceRe  = regexp.MustCompile(`[ \t]+`)
	blankLinesRe  = regexp.MustCompile(`\n{2,}`)
)

// StripMedia removes MEDIA: tokens, which reference generated
// images/videos and must never be spoken or shown raw.
func StripMedia(text string) string {
	return mediaTagRe.ReplaceAllString(text, "")
}

// CleanForSpeech strips markup that sounds wrong when read aloud.
func CleanForSpeech(text string) string {
	out := StripMedia(text)
	out = fencedCodeRe.ReplaceAllString(out, " code block omitted ")
	out = inlineCodeRe.ReplaceAllString(out, " ")
	out = markdownLink.ReplaceAllString(out, "$1")
	out = emphasisRe.ReplaceAllString(out, "")
	out = multiSpaceRe.ReplaceAllString(out, " ")
	out = blankLinesRe.ReplaceAllString(out, "\n")
	return strings.TrimSpace(out)
}
