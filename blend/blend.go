// Package blend confines a prompt-to-prompt edit to the pixels the edit is
// actually about. A LocalBlend derives a spatial mask from the accumulated
// cross-attention of tracked words and forces every pixel outside that mask
// back to the source generation's latent, so only the intended region is
// allowed to change.
package blend

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/promptedit/align"
)

var (
	ErrShapeMismatch = errors.New("blend: shape mismatch")
	ErrConfiguration = errors.New("blend: invalid configuration")
)

const (
	defaultThreshold = 0.3
	defaultRes       = 16
	defaultMaxTokens = 77
)

// Params configures a LocalBlend.
type Params struct {
	// Prompts is the session batch, source first.
	Prompts []string

	// Words lists the tracked words per prompt; the mask covers pixels
	// those words attend to.
	Words [][]string

	// Threshold is the saliency cutoff in (0, 1]. Defaults to 0.3.
	Threshold float64

	// Resolution is the attention map resolution used for masking.
	// Defaults to 16.
	Resolution int

	// MaxTokens is the padded token-axis length. Defaults to 77.
	MaxTokens int
}

// LocalBlend masks latent updates to the pixels attended by tracked words.
type LocalBlend struct {
	alpha     []float32 // (batch, maxTokens) tracked-word selector
	batch     int
	maxTokens int
	threshold float32
	res       int
}

func New(tok align.Tokenizer, p Params) (*LocalBlend, error) {
	if len(p.Prompts) < 2 {
		return nil, fmt.Errorf("%w: need a source prompt and at least one edited prompt", ErrConfiguration)
	}
	if len(p.Words) != len(p.Prompts) {
		return nil, fmt.Errorf("%w: got tracked words for %d prompts, batch has %d", ErrConfiguration, len(p.Words), len(p.Prompts))
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		return nil, fmt.Errorf("%w: threshold %v outside [0, 1]", ErrConfiguration, p.Threshold)
	}

	lb := &LocalBlend{
		batch:     len(p.Prompts),
		maxTokens: p.MaxTokens,
		threshold: float32(p.Threshold),
		res:       p.Resolution,
	}
	if lb.maxTokens == 0 {
		lb.maxTokens = defaultMaxTokens
	}
	if lb.threshold == 0 {
		lb.threshold = defaultThreshold
	}
	if lb.res == 0 {
		lb.res = defaultRes
	}

	lb.alpha = make([]float32, lb.batch*lb.maxTokens)
	for i, words := range p.Words {
		for _, word := range words {
			inds, err := align.WordIndices(tok, p.Prompts[i], word)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
			}
			for _, t := range inds {
				if t < lb.maxTokens {
					lb.alpha[i*lb.maxTokens+t] = 1
				}
			}
		}
	}
	return lb, nil
}

// Blend recomputes the mask from the accumulated cross-attention and gates
// the latent: outside the mask every edited row is forced back to the
// source row, inside it the edited row's own divergence is kept. The
// source row's mask is unioned into each edited row's, so regions the
// source attends to always stay eligible. latent is (batch, channels,
// height, width); the result is a fresh tensor.
func (lb *LocalBlend) Blend(latent *tensor.Dense, store map[string][]*tensor.Dense) (*tensor.Dense, error) {
	ls := latent.Shape()
	if len(ls) != 4 || ls[0] != lb.batch {
		return nil, fmt.Errorf("%w: latent shape %v, want (%d, channels, height, width)", ErrShapeMismatch, ls, lb.batch)
	}
	b, c, hgt, wid := ls[0], ls[1], ls[2], ls[3]

	sal, err := lb.saliency(store)
	if err != nil {
		return nil, err
	}

	p := lb.res * lb.res
	pooled := maxPool3x3(sal, b, lb.res)

	// nearest-neighbor resize to the latent resolution, normalize each map
	// by its own maximum, then threshold. A zero maximum means the tracked
	// words never attended anywhere; the mask stays empty and the edited
	// rows collapse to the source.
	hw := hgt * wid
	mask := make([]float32, b*hw)
	for bi := 0; bi < b; bi++ {
		var max float32
		for _, v := range pooled[bi*p : (bi+1)*p] {
			if v > max {
				max = v
			}
		}
		if max <= 0 {
			slog.Warn("local blend saliency is zero, masking out whole edit", "prompt", bi)
			continue
		}
		for y := 0; y < hgt; y++ {
			sy := y * lb.res / hgt
			for x := 0; x < wid; x++ {
				sx := x * lb.res / wid
				if pooled[bi*p+sy*lb.res+sx]/max > lb.threshold {
					mask[bi*hw+y*wid+x] = 1
				}
			}
		}
	}

	data := latent.Data().([]float32)
	out := make([]float32, len(data))
	chw := c * hw
	copy(out[:chw], data[:chw])
	for bi := 1; bi < b; bi++ {
		for i := 0; i < hw; i++ {
			m := mask[i] // source row's mask
			if mask[bi*hw+i] > m {
				m = mask[bi*hw+i]
			}
			for ci := 0; ci < c; ci++ {
				src := data[ci*hw+i]
				idx := bi*chw + ci*hw + i
				out[idx] = src + m*(data[idx]-src)
			}
		}
	}
	return tensor.New(tensor.WithShape(b, c, hgt, wid), tensor.WithBacking(out)), nil
}

// saliency reduces the retained coarse cross-attention maps to one value
// per pixel per batch element: sum over tracked words, mean over layers and
// heads. The coarse down and up block maps carry object layout; mid block
// and fine maps are not used.
func (lb *LocalBlend) saliency(store map[string][]*tensor.Dense) ([]float32, error) {
	down := store["down_cross"]
	up := store["up_cross"]
	if len(down) < 4 || len(up) < 3 {
		return nil, fmt.Errorf("%w: store has %d down_cross and %d up_cross maps, need 4 and 3", ErrShapeMismatch, len(down), len(up))
	}

	maps := make([]*tensor.Dense, 0, 5)
	maps = append(maps, down[2:4]...)
	maps = append(maps, up[:3]...)

	p := lb.res * lb.res
	sal := make([]float32, lb.batch*p)
	var heads int
	for _, m := range maps {
		shape := m.Shape()
		if len(shape) != 3 || shape[1] != p || shape[2] != lb.maxTokens {
			return nil, fmt.Errorf("%w: blend map has shape %v, want (rows, %d, %d)", ErrShapeMismatch, shape, p, lb.maxTokens)
		}
		if shape[0]%lb.batch != 0 {
			return nil, fmt.Errorf("%w: %d attention rows not divisible by batch size %d", ErrShapeMismatch, shape[0], lb.batch)
		}

		h := shape[0] / lb.batch
		data := m.Data().([]float32)
		for bi := 0; bi < lb.batch; bi++ {
			alpha := lb.alpha[bi*lb.maxTokens : (bi+1)*lb.maxTokens]
			for hi := 0; hi < h; hi++ {
				row := (bi*h + hi) * p * lb.maxTokens
				for pix := 0; pix < p; pix++ {
					off := row + pix*lb.maxTokens
					var dot float32
					for t, a := range alpha {
						if a != 0 {
							dot += data[off+t]
						}
					}
					sal[bi*p+pix] += dot
				}
			}
		}
		heads += h
	}

	inv := 1 / float32(heads)
	for i := range sal {
		sal[i] *= inv
	}
	return sal, nil
}

// maxPool3x3 smooths each res x res map with a 3x3 max filter, stride 1,
// zero padding.
func maxPool3x3(sal []float32, batch, res int) []float32 {
	out := make([]float32, len(sal))
	for bi := 0; bi < batch; bi++ {
		base := bi * res * res
		for y := 0; y < res; y++ {
			for x := 0; x < res; x++ {
				var max float32
				for dy := -1; dy <= 1; dy++ {
					yy := y + dy
					if yy < 0 || yy >= res {
						continue
					}
					for dx := -1; dx <= 1; dx++ {
						xx := x + dx
						if xx < 0 || xx >= res {
							continue
						}
						if v := sal[base+yy*res+xx]; v > max {
							max = v
						}
					}
				}
				out[base+y*res+x] = max
			}
		}
	}
	return out
}
