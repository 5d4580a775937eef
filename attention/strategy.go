package attention

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/promptedit/align"
)

// replaceStrategy projects the source attention through the replacement
// mapper: for edited prompt b, candidate[b, h, q, t] is the source
// attention at (h, q) dotted against mapper column t. With equal token
// counts this reduces to reindexing "attention for word A" as "attention
// for word B".
type replaceStrategy struct {
	mapper *tensor.Dense // (batch-1, maxLen, maxLen)
}

func (r *replaceStrategy) replaceCross(base, repl *tensor.Dense) (*tensor.Dense, error) {
	bs := base.Shape()
	h, p, w := bs[0], bs[1], bs[2]

	ms := r.mapper.Shape()
	n := ms[0]
	if rs := repl.Shape(); rs[0] != n {
		return nil, fmt.Errorf("%w: mapper built for %d edited prompts, batch has %d", ErrShapeMismatch, n, rs[0])
	}
	if ms[1] != w || ms[2] != w {
		return nil, fmt.Errorf("%w: mapper is %v, attention key axis is %d", ErrShapeMismatch, ms, w)
	}

	flat := tensor.New(tensor.WithShape(h*p, w), tensor.WithBacking(base.Data().([]float32)))
	mapperData := r.mapper.Data().([]float32)

	out := make([]float32, n*h*p*w)
	for bi := 0; bi < n; bi++ {
		m := tensor.New(tensor.WithShape(w, w), tensor.WithBacking(mapperData[bi*w*w:(bi+1)*w*w]))
		prod, err := tensor.MatMul(flat, m)
		if err != nil {
			return nil, err
		}
		copy(out[bi*h*p*w:], prod.(*tensor.Dense).Data().([]float32))
	}
	return tensor.New(tensor.WithShape(n, h, p, w), tensor.WithBacking(out)), nil
}

// refineStrategy gathers, for each edited token position, the source
// attention at its aligned position, blended per position: alpha 1 keeps
// the gathered source pattern, alpha 0 keeps the edited prompt's own.
type refineStrategy struct {
	ref *align.Refinement
}

func (r *refineStrategy) replaceCross(base, repl *tensor.Dense) (*tensor.Dense, error) {
	bs := base.Shape()
	h, p, w := bs[0], bs[1], bs[2]

	n := repl.Shape()[0]
	if len(r.ref.Indices) != n {
		return nil, fmt.Errorf("%w: refinement built for %d edited prompts, batch has %d", ErrShapeMismatch, len(r.ref.Indices), n)
	}

	baseData := base.Data().([]float32)
	replData := repl.Data().([]float32)

	out := make([]float32, n*h*p*w)
	for bi := 0; bi < n; bi++ {
		idx := r.ref.Indices[bi]
		alpha := r.ref.Alphas[bi]
		if len(idx) < w || len(alpha) < w {
			return nil, fmt.Errorf("%w: refinement covers %d token positions, attention has %d", ErrShapeMismatch, len(idx), w)
		}

		off := bi * h * p * w
		for qi := 0; qi < h*p; qi++ {
			baseOff := qi * w
			outOff := off + qi*w
			for j := 0; j < w; j++ {
				var gathered float32
				if si := idx[j]; si >= 0 && si < w {
					gathered = baseData[baseOff+si]
				}
				a := alpha[j]
				out[outOff+j] = a*gathered + (1-a)*replData[outOff+j]
			}
		}
	}
	return tensor.New(tensor.WithShape(n, h, p, w), tensor.WithBacking(out)), nil
}

// reweightStrategy scales per-token attention strength by the equalizer.
// An inner strategy, when present, supplies the base substitution so
// reweighting composes with replacement or refinement; otherwise the
// source attention is scaled directly.
type reweightStrategy struct {
	inner     crossReplacer
	equalizer []float32 // (batch-1, maxTokens)
	maxTokens int
}

func (r *reweightStrategy) replaceCross(base, repl *tensor.Dense) (*tensor.Dense, error) {
	bs := base.Shape()
	h, p, w := bs[0], bs[1], bs[2]
	n := repl.Shape()[0]

	if len(r.equalizer) != n*r.maxTokens {
		return nil, fmt.Errorf("%w: equalizer has %d entries, want %d", ErrShapeMismatch, len(r.equalizer), n*r.maxTokens)
	}
	if w != r.maxTokens {
		return nil, fmt.Errorf("%w: attention key axis is %d, equalizer built for %d", ErrShapeMismatch, w, r.maxTokens)
	}

	var candData []float32
	if r.inner != nil {
		cand, err := r.inner.replaceCross(base, repl)
		if err != nil {
			return nil, err
		}
		candData = cand.Data().([]float32)
	}

	baseData := base.Data().([]float32)
	out := make([]float32, n*h*p*w)
	for bi := 0; bi < n; bi++ {
		eq := r.equalizer[bi*r.maxTokens : (bi+1)*r.maxTokens]
		off := bi * h * p * w
		for qi := 0; qi < h*p; qi++ {
			outOff := off + qi*w
			for j := 0; j < w; j++ {
				v := baseData[qi*w+j]
				if candData != nil {
					v = candData[outOff+j]
				}
				out[outOff+j] = v * eq[j]
			}
		}
	}
	return tensor.New(tensor.WithShape(n, h, p, w), tensor.WithBacking(out)), nil
}
