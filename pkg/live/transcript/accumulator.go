// Package transcript reassembles partial transcription fragments into
// coherent per-turn messages. The upstream protocol does not mark word
// boundaries, so the merge is an explicit, documented approximation; the
// rule order below is load-bearing and must not be rearranged.
package transcript

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/apsara-ai/apsara-live/pkg/live/protocol"
)

type Kind string

const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
)

// shortFragmentMax bounds the mid-word continuation heuristic: fragments
// shorter than this, with no internal space, joining letter-to-letter, are
// glued without a separator.
const shortFragmentMax = 15

// Draft is one completed, persistable transcription produced at flush time.
type Draft struct {
	Kind        Kind
	Text        string
	LastEvent   json.RawMessage
	AudioChunks []protocol.MediaChunk
}

type buffer struct {
	text      string
	lastEvent json.RawMessage
	active    bool
}

// Accumulator merges the ordered fragment stream of one in-flight turn.
// Input and output transcriptions accumulate independently; audio chunks
// are collected verbatim and attached to the output draft. Not safe for
// concurrent use; callers serialize per session.
type Accumulator struct {
	input  buffer
	output buffer
	audio  []protocol.MediaChunk
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// AddFragment merges one fragment into the buffer for its kind.
func (a *Accumulator) AddFragment(kind Kind, fragment string, rawEvent json.RawMessage) {
	buf := a.buf(kind)
	if fragment == "" {
		if rawEvent != nil {
			buf.lastEvent = rawEvent
		}
		return
	}
	buf.text = merge(buf.text, fragment)
	buf.active = true
	if rawEvent != nil {
		buf.lastEvent = rawEvent
	}
}

// AddAudio appends one audio chunk in arrival order. Chunks are never
// merged or decoded here.
func (a *Accumulator) AddAudio(chunk protocol.MediaChunk) {
	a.audio = append(a.audio, chunk)
}

// Empty reports whether nothing has accumulated since the last flush.
func (a *Accumulator) Empty() bool {
	return !a.input.active && !a.output.active && len(a.audio) == 0
}

// Flush finalizes the in-flight turn: it normalizes each active buffer into
// a draft (input first, then output), attaches pending audio to the output
// draft, and resets the accumulator. Audio with no output text still yields
// an output draft so the chunks are not dropped.
func (a *Accumulator) Flush() []Draft {
	var drafts []Draft
	if a.input.active {
		drafts = append(drafts, Draft{
			Kind:      KindInput,
			Text:      Normalize(a.input.text),
			LastEvent: a.input.lastEvent,
		})
	}
	if a.output.active || len(a.audio) > 0 {
		drafts = append(drafts, Draft{
			Kind:        KindOutput,
			Text:        Normalize(a.output.text),
			LastEvent:   a.output.lastEvent,
			AudioChunks: a.audio,
		})
	}
	a.input = buffer{}
	a.output = buffer{}
	a.audio = nil
	return drafts
}

func (a *Accumulator) buf(kind Kind) *buffer {
	if kind == KindInput {
		return &a.input
	}
	return &a.output
}

// merge applies the fragment-joining heuristic, in order:
//  1. empty buffer adopts the fragment;
//  2. a fragment that extends the buffer as a strict prefix match replaces
//     it (the provider re-sent a longer version of the same utterance);
//  3. after whitespace or clause punctuation, append directly;
//  4. a short spaceless fragment joining letter-to-letter is a mid-word
//     continuation, appended with no separator;
//  5. otherwise append with a single space.
func merge(current, fragment string) string {
	if current == "" {
		return strings.TrimSpace(fragment)
	}
	if strings.HasPrefix(fragment, current) {
		return fragment
	}
	last, _ := utf8.DecodeLastRuneInString(current)
	if unicode.IsSpace(last) || isClausePunct(last) {
		return current + fragment
	}
	first, _ := utf8.DecodeRuneInString(fragment)
	if utf8.RuneCountInString(fragment) < shortFragmentMax && !strings.ContainsRune(fragment, ' ') &&
		unicode.IsLetter(last) && unicode.IsLetter(first) {
		return current + fragment
	}
	return current + " " + fragment
}

// Normalize collapses whitespace runs to one space, removes whitespace
// immediately preceding clause punctuation, and trims.
func Normalize(s string) string {
	fields := strings.Fields(s)
	joined := strings.Join(fields, " ")

	var b strings.Builder
	b.Grow(len(joined))
	runes := []rune(joined)
	for i, r := range runes {
		if r == ' ' && i+1 < len(runes) && isClausePunct(runes[i+1]) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func isClausePunct(r rune) bool {
	switch r {
	case '.', '!', '?', ',', ';', ':':
		return true
	}
	return false
}
