package attention

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/promptedit/align"
)

// Blender gates which pixels of the evolving latent may diverge from the
// source generation. It is invoked from StepCallback with the running
// attention totals. blend.LocalBlend is the provided implementation.
type Blender interface {
	Blend(latent *tensor.Dense, store map[string][]*tensor.Dense) (*tensor.Dense, error)
}

// crossReplacer computes a candidate replacement for the edited prompts'
// cross-attention. base is the source prompt's attention (heads, queries,
// keys); repl is the edited prompts' own attention (batch-1, heads,
// queries, keys). The result has repl's shape.
type crossReplacer interface {
	replaceCross(base, repl *tensor.Dense) (*tensor.Dense, error)
}

// Window is a fraction range of the denoising run, 0 being the first step
// and 1 the last. The zero value covers nothing; use Full or Until.
type Window struct {
	Start, End float64
}

// Full covers the whole run.
func Full() Window {
	return Window{0, 1}
}

// Until covers the run from the first step to the given fraction.
func Until(frac float64) Window {
	return Window{0, frac}
}

func (w Window) validate() error {
	if w.Start < 0 || w.End > 1 || w.Start > w.End {
		return fmt.Errorf("%w: window [%v, %v] must satisfy 0 <= start <= end <= 1", ErrConfiguration, w.Start, w.End)
	}
	return nil
}

// ScheduleSpec describes when substituted cross-attention is injected.
// Default applies to every token position; Words overrides the positions of
// individual words, letting a substitution start late or stop early for
// just that word.
type ScheduleSpec struct {
	Default Window
	Words   map[string]Window
}

// EditParams is the shared configuration of the Replace, Refine and
// Reweight controllers.
type EditParams struct {
	// Prompts is the session batch: index 0 is the source prompt, the rest
	// are edited variants.
	Prompts []string

	// NumSteps is the total timestep count of the denoising run.
	NumSteps int

	// CrossReplace schedules cross-attention injection per word.
	CrossReplace ScheduleSpec

	// SelfReplace is the step window during which the source prompt's
	// self-attention is broadcast to the edited rows.
	SelfReplace Window

	// Blend optionally confines the edit spatially.
	Blend Blender

	Config Config
}

// Edit substitutes or reweights the edited prompts' attention during the
// scheduled part of generation, recording maps like Store as it goes. The
// concrete behavior comes from the cross-attention strategy installed by
// NewReplace, NewRefine or NewReweight.
type Edit struct {
	Store

	batchSize  int
	numSteps   int
	crossAlpha []float32 // (numSteps+1, batchSize-1, MaxTokens)
	selfStart  int
	selfEnd    int
	blend      Blender
	replacer   crossReplacer
}

func newEdit(tok align.Tokenizer, p EditParams) (*Edit, error) {
	if len(p.Prompts) < 2 {
		return nil, fmt.Errorf("%w: need a source prompt and at least one edited prompt", ErrConfiguration)
	}
	if p.NumSteps <= 0 {
		return nil, fmt.Errorf("%w: NumSteps must be positive", ErrConfiguration)
	}
	if err := p.SelfReplace.validate(); err != nil {
		return nil, err
	}

	cfg := p.Config.withDefaults()
	alpha, err := buildAlphaSchedule(tok, p.Prompts, p.NumSteps, p.CrossReplace, cfg.MaxTokens)
	if err != nil {
		return nil, err
	}

	return &Edit{
		Store:      *NewStore(p.Config),
		batchSize:  len(p.Prompts),
		numSteps:   p.NumSteps,
		crossAlpha: alpha,
		selfStart:  int(p.SelfReplace.Start * float64(p.NumSteps)),
		selfEnd:    int(p.SelfReplace.End * float64(p.NumSteps)),
		blend:      p.Blend,
	}, nil
}

// NewReplace edits by word-for-word substitution: the edited prompts'
// cross-attention is sourced from the source prompt's through the
// replacement mapper. Prompts must have equal word counts.
func NewReplace(tok align.Tokenizer, p EditParams) (*Edit, error) {
	e, err := newEdit(tok, p)
	if err != nil {
		return nil, err
	}

	mapper, err := align.ReplacementMapper(tok, p.Prompts, e.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	e.replacer = &replaceStrategy{mapper: mapper}
	return e, nil
}

// NewRefine edits prompts of differing lengths: each edited token either
// inherits the attention of its aligned source token or, where no alignment
// exists, keeps its own freshly computed attention.
func NewRefine(tok align.Tokenizer, p EditParams) (*Edit, error) {
	e, err := newEdit(tok, p)
	if err != nil {
		return nil, err
	}

	ref, err := align.RefinementMapper(tok, p.Prompts, e.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	e.replacer = &refineStrategy{ref: ref}
	return e, nil
}

// NewReweight scales the cross-attention of selected tokens by the
// equalizer, a (batch-1, MaxTokens) multiplier built with NewEqualizer. An
// optional inner edit controller supplies the base substitution, letting
// reweighting compose with Replace or Refine; with a nil inner controller
// the source prompt's own attention is scaled.
func NewReweight(tok align.Tokenizer, p EditParams, equalizer *tensor.Dense, inner *Edit) (*Edit, error) {
	e, err := newEdit(tok, p)
	if err != nil {
		return nil, err
	}

	es := equalizer.Shape()
	if len(es) != 2 || es[0] != len(p.Prompts)-1 || es[1] != e.cfg.MaxTokens {
		return nil, fmt.Errorf("%w: equalizer shape %v, want (%d, %d)", ErrConfiguration, es, len(p.Prompts)-1, e.cfg.MaxTokens)
	}

	rs := &reweightStrategy{
		equalizer: equalizer.Data().([]float32),
		maxTokens: e.cfg.MaxTokens,
	}
	if inner != nil {
		rs.inner = inner.replacer
	}
	e.replacer = rs
	return e, nil
}

func (e *Edit) Forward(attn *tensor.Dense, isCross bool, region Region) (*tensor.Dense, error) {
	return e.apply(attn, e.transform, isCross, region, e.merge)
}

// StepCallback hands the latent to the local blend, if any, together with
// the attention accumulated so far this session.
func (e *Edit) StepCallback(latent *tensor.Dense) (*tensor.Dense, error) {
	if e.blend == nil {
		return latent, nil
	}
	return e.blend.Blend(latent, e.Accumulated())
}

func (e *Edit) transform(rows *tensor.Dense, isCross bool, region Region) (*tensor.Dense, error) {
	out := rows
	if isCross || (e.selfStart <= e.curStep && e.curStep < e.selfEnd) {
		var err error
		out, err = e.editRows(rows, isCross)
		if err != nil {
			return nil, err
		}
	}

	// record after editing so the stored maps reflect the attention the
	// network actually used, which is what the local blend masks against
	if err := e.record(out, isCross, region); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Edit) editRows(rows *tensor.Dense, isCross bool) (*tensor.Dense, error) {
	shape := rows.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: attention map must be (rows, queries, keys), got %v", ErrShapeMismatch, shape)
	}

	bh, p, w := shape[0], shape[1], shape[2]
	if bh%e.batchSize != 0 {
		return nil, fmt.Errorf("%w: %d attention rows not divisible by batch size %d", ErrShapeMismatch, bh, e.batchSize)
	}
	h := bh / e.batchSize

	data := rows.Data().([]float32)
	rowSize := p * w
	baseData := data[:h*rowSize]
	replData := data[h*rowSize:]

	out := make([]float32, len(data))
	copy(out[:h*rowSize], baseData)
	edited := out[h*rowSize:]

	if isCross {
		if e.replacer == nil {
			return nil, fmt.Errorf("%w: edit controller has no cross-attention strategy", ErrUnsupportedEdit)
		}
		if w != e.cfg.MaxTokens {
			return nil, fmt.Errorf("%w: cross attention has %d key positions, schedule built for %d", ErrShapeMismatch, w, e.cfg.MaxTokens)
		}

		base := tensor.New(tensor.WithShape(h, p, w), tensor.WithBacking(baseData))
		repl := tensor.New(tensor.WithShape(e.batchSize-1, h, p, w), tensor.WithBacking(replData))

		cand, err := e.replacer.replaceCross(base, repl)
		if err != nil {
			return nil, err
		}
		if !cand.Shape().Eq(repl.Shape()) {
			return nil, fmt.Errorf("%w: cross replacement produced %v, want %v", ErrShapeMismatch, cand.Shape(), repl.Shape())
		}
		candData := cand.Data().([]float32)

		// convex blend between the candidate replacement and the edited
		// prompt's own attention, per step and token
		alpha := e.alphaAt(e.curStep)
		for bi := 0; bi < e.batchSize-1; bi++ {
			aRow := alpha[bi*e.cfg.MaxTokens : (bi+1)*e.cfg.MaxTokens]
			off := bi * h * rowSize
			for qi := 0; qi < h*p; qi++ {
				rowOff := off + qi*w
				for wi := 0; wi < w; wi++ {
					a := aRow[wi]
					edited[rowOff+wi] = a*candData[rowOff+wi] + (1-a)*replData[rowOff+wi]
				}
			}
		}
	} else {
		// coarse self-attention carries layout: broadcast the source
		// pattern to every edited row. Finer maps keep the edited prompt's
		// own attention.
		if w <= e.cfg.MaxSelfReplaceResolution {
			for bi := 0; bi < e.batchSize-1; bi++ {
				copy(edited[bi*h*rowSize:(bi+1)*h*rowSize], baseData)
			}
		} else {
			copy(edited, replData)
		}
	}

	return tensor.New(tensor.WithShape(bh, p, w), tensor.WithBacking(out)), nil
}

func (e *Edit) alphaAt(step int) []float32 {
	if step > e.numSteps {
		step = e.numSteps
	}
	stride := (e.batchSize - 1) * e.cfg.MaxTokens
	return e.crossAlpha[step*stride : (step+1)*stride]
}
