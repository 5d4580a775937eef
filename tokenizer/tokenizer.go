// Package tokenizer implements the CLIP text tokenizer used by latent
// diffusion models: lowercased byte-pair encoding with an end-of-word marker
// on the last subword of every word, wrapped in begin-of-text and end-of-text
// tokens. It satisfies the align.Tokenizer contract.
package tokenizer

import (
	"cmp"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

const (
	// endOfWord marks the final subword of each whitespace-separated word.
	endOfWord = "</w>"

	// pretokenizer is the CLIP splitting pattern: contractions, letter
	// runs, digits, and punctuation runs each become their own fragment.
	pretokenizer = `'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`
)

// Vocabulary holds the token values and merge ranks of a CLIP vocabulary.
type Vocabulary struct {
	Values  []string
	Reverse map[string]int32
	Merges  map[string]int

	BOS int32
	EOS int32
}

// NewVocabulary indexes values and merges. Merge entries are "left right"
// pairs in rank order, rank 0 merging first.
func NewVocabulary(values []string, merges []string, bos, eos int32) *Vocabulary {
	v := &Vocabulary{
		Values:  values,
		Reverse: make(map[string]int32, len(values)),
		Merges:  make(map[string]int, len(merges)),
		BOS:     bos,
		EOS:     eos,
	}
	for i, value := range values {
		if _, ok := v.Reverse[value]; !ok {
			v.Reverse[value] = int32(i)
		}
	}
	for i, m := range merges {
		v.Merges[m] = i
	}
	return v
}

// Encode returns the id of value, or -1 if it is not in the vocabulary.
func (v *Vocabulary) Encode(value string) int32 {
	if id, ok := v.Reverse[value]; ok {
		return id
	}
	return -1
}

// Decode returns the value of id, or the empty string for unknown ids.
func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}
	return v.Values[id]
}

// Merge returns the rank of merging left with right, or -1 if the pair
// never merges.
func (v *Vocabulary) Merge(left, right string) int {
	if rank, ok := v.Merges[left+" "+right]; ok {
		return rank
	}
	return -1
}

// Tokenizer encodes and decodes text against a CLIP vocabulary.
type Tokenizer struct {
	vocab *Vocabulary
	split *regexp2.Regexp
}

func New(vocab *Vocabulary) *Tokenizer {
	return &Tokenizer{
		vocab: vocab,
		split: regexp2.MustCompile(pretokenizer, regexp2.RE2),
	}
}

func (t *Tokenizer) Vocabulary() *Vocabulary {
	return t.vocab
}

// fragments splits cleaned text into pretokenizer fragments.
func (t *Tokenizer) fragments(s string) []string {
	var out []string
	r := []rune(s)
	for m, _ := t.split.FindRunesMatch(r); m != nil; m, _ = t.split.FindNextMatch(m) {
		out = append(out, m.String())
	}
	return out
}

// clean collapses whitespace and lowercases, matching the CLIP preprocessor.
func clean(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

type pair struct {
	a, b  int
	rank  int
	value string
}

type merge struct {
	p, n  int
	parts []string
}

// Encode tokenizes text and wraps the result in the begin-of-text and
// end-of-text tokens. Subwords missing from the vocabulary are dropped.
func (t *Tokenizer) Encode(text string) []int32 {
	ids := []int32{t.vocab.BOS}
	for _, frag := range t.fragments(clean(text)) {
		ids = append(ids, t.encodeFragment(frag)...)
	}
	return append(ids, t.vocab.EOS)
}

func (t *Tokenizer) encodeFragment(frag string) []int32 {
	var sb strings.Builder
	for _, b := range []byte(frag) {
		sb.WriteRune(byteToRune[b])
	}
	encoded := sb.String()

	// whole fragment is a single token
	if id := t.vocab.Encode(encoded + endOfWord); id >= 0 {
		return []int32{id}
	}

	runes := []rune(encoded)
	merges := make([]merge, len(runes))
	for i := range runes {
		part := string(runes[i])
		if i == len(runes)-1 {
			part += endOfWord
		}
		merges[i] = merge{
			p:     i - 1,
			n:     i + 1,
			parts: []string{part},
		}
	}

	pairwise := func(a, b int) *pair {
		if a < 0 || b >= len(merges) {
			return nil
		}

		left, right := strings.Join(merges[a].parts, ""), strings.Join(merges[b].parts, "")
		rank := t.vocab.Merge(left, right)
		if rank < 0 {
			return nil
		}

		return &pair{
			a:     a,
			b:     b,
			rank:  rank,
			value: left + right,
		}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		return cmp.Compare(i.rank, j.rank)
	})

	for i := 0; i < len(merges)-1; i++ {
		if pair := pairwise(i, i+1); pair != nil {
			pairs.Push(pair)
		}
	}

	for !pairs.Empty() {
		pair, _ := pairs.Pop()

		left, right := merges[pair.a], merges[pair.b]
		if len(left.parts) == 0 || len(right.parts) == 0 ||
			strings.Join(left.parts, "")+strings.Join(right.parts, "") != pair.value {
			continue
		}

		merges[pair.a].parts = append(left.parts, right.parts...)
		merges[pair.b].parts = nil

		merges[pair.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = pair.a
		}

		if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
			pairs.Push(pair)
		}

		if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
			pairs.Push(pair)
		}
	}

	var ids []int32
	for _, merge := range merges {
		if len(merge.parts) > 0 {
			if id := t.vocab.Encode(strings.Join(merge.parts, "")); id >= 0 {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Decode returns the text content of ids. End-of-word markers become
// nothing; callers joining words back together are expected to handle
// spacing themselves, which keeps single-token decodes aligned with the
// word lengths align.WordIndices measures against.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == t.vocab.BOS || id == t.vocab.EOS {
			continue
		}
		value := strings.TrimSuffix(t.vocab.Decode(id), endOfWord)
		for _, r := range value {
			if b, ok := runeToByte[r]; ok {
				sb.WriteByte(b)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	return sb.String()
}

// byteToRune is the GPT-2 byte-level encoding table mapping raw bytes to
// printable runes; runeToByte is its inverse.
var (
	byteToRune [256]rune
	runeToByte map[rune]byte
)

func init() {
	runeToByte = make(map[rune]byte, 256)
	for b := 0; b < 256; b++ {
		r := rune(b)
		switch {
		case r == 0x00ad:
			r = 0x0143
		case r <= 0x0020:
			r = r + 0x0100
		case r >= 0x007f && r <= 0x00a0:
			r = r + 0x00a2
		}
		byteToRune[b] = r
		runeToByte[r] = byte(b)
	}
}

// WordVocabulary builds a vocabulary where every entry of words is a single
// whole-word token. Useful for fixtures and for hosts that supply their own
// pre-split vocabularies; real checkpoints should go through Load.
func WordVocabulary(words ...string) *Vocabulary {
	values := make([]string, 0, len(words)+2)
	values = append(values, "<|startoftext|>", "<|endoftext|>")
	for _, w := range words {
		values = append(values, strings.ToLower(w)+endOfWord)
	}
	return NewVocabulary(values, nil, 0, 1)
}
