package align

import (
	"fmt"
	"strings"

	"github.com/pdevine/tensor"
)

// ReplacementMapper builds, for every edited prompt, a (maxLen, maxLen)
// matrix M such that M[s][t] is the weight with which the source prompt's
// attention at token position s contributes to the edited prompt's attention
// at token position t. Unchanged words map one-to-one; a swapped word whose
// replacement tokenizes to a different number of subwords spreads the source
// mass evenly over the target subwords.
//
// All prompts must have the same number of words as the source prompt; a
// replacement edit is a strict one-for-one word substitution.
//
// The result is a (len(prompts)-1, maxLen, maxLen) float32 tensor.
func ReplacementMapper(tok Tokenizer, prompts []string, maxLen int) (*tensor.Dense, error) {
	if len(prompts) < 2 {
		return nil, fmt.Errorf("%w: need a source prompt and at least one edit", ErrLengthMismatch)
	}

	n := len(prompts) - 1
	backing := make([]float32, n*maxLen*maxLen)
	for i := 1; i < len(prompts); i++ {
		m := backing[(i-1)*maxLen*maxLen : i*maxLen*maxLen]
		if err := fillReplacementMapper(tok, prompts[0], prompts[i], m, maxLen); err != nil {
			return nil, err
		}
	}
	return tensor.New(tensor.WithShape(n, maxLen, maxLen), tensor.WithBacking(backing)), nil
}

func fillReplacementMapper(tok Tokenizer, x, y string, m []float32, maxLen int) error {
	wordsX := strings.Fields(strings.ToLower(x))
	wordsY := strings.Fields(strings.ToLower(y))
	if len(wordsX) != len(wordsY) {
		return fmt.Errorf("%w: %d words vs %d words (%q / %q)", ErrLengthMismatch, len(wordsX), len(wordsY), x, y)
	}

	spansX := tokenSpans(tok, x)
	spansY := tokenSpans(tok, y)

	var srcSpans, tgtSpans [][]int
	for i := range wordsY {
		if wordsX[i] != wordsY[i] {
			srcSpans = append(srcSpans, spansX[i])
			tgtSpans = append(tgtSpans, spansY[i])
		}
	}

	var i, j, cur int
	for i < maxLen && j < maxLen {
		switch {
		case cur < len(srcSpans) && len(srcSpans[cur]) > 0 && srcSpans[cur][0] == i:
			src, tgt := srcSpans[cur], tgtSpans[cur]
			if len(src) == len(tgt) {
				for k := range src {
					m[src[k]*maxLen+tgt[k]] = 1
				}
			} else {
				ratio := 1 / float32(len(tgt))
				for _, t := range tgt {
					for _, s := range src {
						m[s*maxLen+t] = ratio
					}
				}
			}
			i += len(src)
			j += len(tgt)
			cur++
		case cur < len(srcSpans):
			m[i*maxLen+j] = 1
			i++
			j++
		default:
			m[j*maxLen+j] = 1
			i++
			j++
		}
	}
	return nil
}
