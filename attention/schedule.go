package attention

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jmorganca/promptedit/align"
)

// buildAlphaSchedule produces the per-(step, edited prompt, token)
// cross-replacement strength: 1 inside a word's window, 0 outside. The
// default window fills every token position first; per-word windows then
// override just the positions those words occupy in each edited prompt.
// Step fractions are scaled against numSteps+1 rows so a window ending at
// fraction f covers floor(f*(numSteps+1)) steps.
func buildAlphaSchedule(tok align.Tokenizer, prompts []string, numSteps int, spec ScheduleSpec, maxTokens int) ([]float32, error) {
	if err := spec.Default.validate(); err != nil {
		return nil, err
	}

	rows := numSteps + 1
	b1 := len(prompts) - 1
	alpha := make([]float32, rows*b1*maxTokens)

	setRange := func(w Window, pi int, inds []int) {
		start, end := int(w.Start*float64(rows)), int(w.End*float64(rows))
		for r := 0; r < rows; r++ {
			var v float32
			if r >= start && r < end {
				v = 1
			}
			off := (r*b1 + pi) * maxTokens
			if inds == nil {
				for t := 0; t < maxTokens; t++ {
					alpha[off+t] = v
				}
			} else {
				for _, t := range inds {
					if t < maxTokens {
						alpha[off+t] = v
					}
				}
			}
		}
	}

	for pi := 0; pi < b1; pi++ {
		setRange(spec.Default, pi, nil)
	}

	// deterministic override order
	words := make([]string, 0, len(spec.Words))
	for word := range spec.Words {
		words = append(words, word)
	}
	sort.Strings(words)

	for _, word := range words {
		w := spec.Words[word]
		if err := w.validate(); err != nil {
			return nil, fmt.Errorf("word %q: %w", word, err)
		}

		var found bool
		for pi := 0; pi < b1; pi++ {
			inds, err := align.WordIndices(tok, prompts[pi+1], word)
			if err != nil {
				if errors.Is(err, align.ErrWordNotFound) {
					continue
				}
				return nil, err
			}
			found = true
			setRange(w, pi, inds)
		}
		if !found {
			return nil, fmt.Errorf("%w: schedule word %q not found in any edited prompt", ErrConfiguration, word)
		}
	}
	return alpha, nil
}
