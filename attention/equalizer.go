package attention

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/promptedit/align"
)

// NewEqualizer builds the per-token multiplier used by NewReweight. Every
// position starts at 1; the positions occupied by each listed word are set
// to the corresponding per-prompt value, so values[i] scales those words'
// attention in edited prompt i. The result is (len(values), maxTokens).
func NewEqualizer(tok align.Tokenizer, text string, words []string, values []float32, maxTokens int) (*tensor.Dense, error) {
	if len(words) == 0 || len(values) == 0 {
		return nil, fmt.Errorf("%w: equalizer needs at least one word and one value", ErrConfiguration)
	}
	if maxTokens <= 0 {
		maxTokens = Config{}.withDefaults().MaxTokens
	}

	data := make([]float32, len(values)*maxTokens)
	for i := range data {
		data[i] = 1
	}

	for _, word := range words {
		inds, err := align.WordIndices(tok, text, word)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		for r, v := range values {
			for _, t := range inds {
				if t < maxTokens {
					data[r*maxTokens+t] = v
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(len(values), maxTokens), tensor.WithBacking(data)), nil
}
