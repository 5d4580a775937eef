package align

import "fmt"

// Refinement aligns every edited prompt against the source prompt. For each
// token position of an edited prompt, Indices holds the source position that
// produces its attention pattern, or -1 for tokens with no counterpart in the
// source. Alphas is 1 where an alignment exists and 0 where the edited
// prompt's own freshly computed attention should be kept.
type Refinement struct {
	Indices [][]int
	Alphas  [][]float32
}

// Needleman-Wunsch scoring. Zero gap cost makes the alignment behave like a
// longest common subsequence over token ids.
const (
	scoreGap      = 0
	scoreMatch    = 1
	scoreMismatch = -1
)

// RefinementMapper computes a global alignment between the source prompt's
// token sequence and each edited prompt's token sequence. Unlike
// ReplacementMapper it tolerates prompts of different lengths: inserted
// words come out with alpha 0, everything else points back at its aligned
// source position. Positions past the edited sequence's length map
// identically with alpha 1 (padding aligns with padding).
func RefinementMapper(tok Tokenizer, prompts []string, maxLen int) (*Refinement, error) {
	if len(prompts) < 2 {
		return nil, fmt.Errorf("%w: need a source prompt and at least one edit", ErrLengthMismatch)
	}

	xSeq := tok.Encode(prompts[0])
	r := &Refinement{
		Indices: make([][]int, len(prompts)-1),
		Alphas:  make([][]float32, len(prompts)-1),
	}
	for i := 1; i < len(prompts); i++ {
		ySeq := tok.Encode(prompts[i])
		if len(ySeq) > maxLen {
			return nil, fmt.Errorf("%w: prompt %q encodes to %d tokens, limit %d", ErrLengthMismatch, prompts[i], len(ySeq), maxLen)
		}

		aligned := globalAlign(xSeq, ySeq)

		idx := make([]int, maxLen)
		alpha := make([]float32, maxLen)
		for j := range idx {
			switch {
			case j < len(aligned):
				idx[j] = aligned[j]
				if aligned[j] >= 0 {
					alpha[j] = 1
				}
			default:
				idx[j] = j
				alpha[j] = 1
			}
		}
		r.Indices[i-1] = idx
		r.Alphas[i-1] = alpha
	}
	return r, nil
}

// globalAlign returns, for each position of y, the aligned position in x or
// -1 when y's token was inserted relative to x.
func globalAlign(x, y []int32) []int {
	lx, ly := len(x), len(y)

	// score[i][j] is the best score aligning x[:i] with y[:j]
	score := make([][]int, lx+1)
	for i := range score {
		score[i] = make([]int, ly+1)
		score[i][0] = i * scoreGap
	}
	for j := 0; j <= ly; j++ {
		score[0][j] = j * scoreGap
	}

	for i := 1; i <= lx; i++ {
		for j := 1; j <= ly; j++ {
			diag := score[i-1][j-1] + scoreMismatch
			if x[i-1] == y[j-1] {
				diag = score[i-1][j-1] + scoreMatch
			}
			best := diag
			if up := score[i-1][j] + scoreGap; up > best {
				best = up
			}
			if left := score[i][j-1] + scoreGap; left > best {
				best = left
			}
			score[i][j] = best
		}
	}

	out := make([]int, ly)
	for j := range out {
		out[j] = -1
	}

	// walk back preferring diagonal moves so matched tokens keep their
	// source alignment
	i, j := lx, ly
	for i > 0 && j > 0 {
		diag := score[i-1][j-1] + scoreMismatch
		if x[i-1] == y[j-1] {
			diag = score[i-1][j-1] + scoreMatch
		}
		switch score[i][j] {
		case diag:
			if x[i-1] == y[j-1] {
				out[j-1] = i - 1
			}
			i--
			j--
		case score[i-1][j] + scoreGap:
			i--
		default:
			j--
		}
	}
	return out
}
