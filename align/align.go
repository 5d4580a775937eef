// Package align maps token positions between a source prompt and its edited
// variants. It produces the replacement mapper used for word-for-word swaps,
// the refinement mapper used for prompts of different lengths, and the
// word-to-token index lookups that the schedule, equalizer and local blend
// logic depend on.
package align

import (
	"errors"
	"fmt"
	"strings"
)

// Tokenizer is the subset of a text tokenizer needed to build alignments.
// Encode returns the full token sequence for a prompt, including the
// begin-of-text and end-of-text markers. Decode returns the text content of
// the given tokens without any end-of-word markers.
type Tokenizer interface {
	Encode(text string) []int32
	Decode(ids []int32) string
}

var (
	ErrLengthMismatch = errors.New("align: prompt word count mismatch")
	ErrWordNotFound   = errors.New("align: word not found in prompt")
)

// tokenSpans returns, for each whitespace-separated word of text, the token
// positions that word occupies in the encoded sequence. Positions are offset
// by one to account for the begin-of-text token.
func tokenSpans(tok Tokenizer, text string) [][]int {
	words := strings.Fields(strings.ToLower(text))
	spans := make([][]int, len(words))
	if len(words) == 0 {
		return spans
	}

	enc := tok.Encode(text)
	if len(enc) < 2 {
		return spans
	}
	inner := enc[1 : len(enc)-1]

	var curLen, ptr int
	for i, id := range inner {
		curLen += len(tok.Decode([]int32{id}))
		spans[ptr] = append(spans[ptr], i+1)
		if curLen >= len(words[ptr]) {
			ptr++
			curLen = 0
			if ptr >= len(words) {
				break
			}
		}
	}
	return spans
}

// WordIndices returns the token positions occupied by word in text. A word
// appearing more than once matches every occurrence. Zero matches is an
// error: a misspelled word would otherwise silently produce an empty
// selector and a wrong mask downstream.
func WordIndices(tok Tokenizer, text, word string) ([]int, error) {
	words := strings.Fields(strings.ToLower(text))
	want := strings.ToLower(word)

	spans := tokenSpans(tok, text)
	var out []int
	for i, w := range words {
		if w == want {
			out = append(out, spans[i]...)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q in %q", ErrWordNotFound, word, text)
	}
	return out, nil
}
