// Package attention implements prompt-to-prompt attention control for
// text-to-image diffusion models. A Controller hooks into every attention
// layer of the denoising network at every timestep; variants record the
// attention maps, or rewrite the edited prompts' attention from the source
// prompt's so that an edited generation keeps the source's layout.
//
// The package owns no timing loop. The external denoising driver calls
// Forward once per attention layer per timestep, in a fixed per-step layer
// order, and StepCallback once per timestep after the network produces a new
// latent. Attention tensors are float32 (rows, queries, keys) where rows is
// batch times heads: cross-attention keys are text token positions,
// self-attention keys are pixels.
package attention

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"
)

// Region identifies where in the denoising network an attention layer
// lives.
type Region int

const (
	RegionDown Region = iota
	RegionMid
	RegionUp
)

func (r Region) String() string {
	switch r {
	case RegionDown:
		return "down"
	case RegionMid:
		return "mid"
	case RegionUp:
		return "up"
	}
	return "unknown"
}

// StoreKey returns the map key under which attention maps from a region are
// stored, e.g. "down_cross". Visualization sinks index Average output with
// these keys.
func StoreKey(region Region, isCross bool) string {
	if isCross {
		return region.String() + "_cross"
	}
	return region.String() + "_self"
}

// Config carries per-session settings. The zero value selects the defaults
// used by Stable Diffusion sized networks.
type Config struct {
	// SkipUnconditional selects the low-resource calling convention: the
	// host runs the unconditional and conditional halves of
	// classifier-free guidance as two separate passes, and the controller
	// skips the unconditional pass's layer calls entirely instead of
	// slicing every tensor in half. Precondition on the host: within a
	// step, all unconditional layer calls arrive before any conditional
	// one.
	SkipUnconditional bool

	// MaxStoreResolution bounds the query positions of recorded maps;
	// finer maps are not retained. Defaults to 32*32.
	MaxStoreResolution int

	// MaxSelfReplaceResolution bounds the self-attention maps whose source
	// pattern is broadcast during editing; finer self-attention encodes
	// texture rather than layout and is left prompt-specific. Defaults to
	// 16*16.
	MaxSelfReplaceResolution int

	// MaxTokens is the padded token-axis length of cross-attention maps.
	// Defaults to 77.
	MaxTokens int
}

func (c Config) withDefaults() Config {
	if c.MaxStoreResolution == 0 {
		c.MaxStoreResolution = 32 * 32
	}
	if c.MaxSelfReplaceResolution == 0 {
		c.MaxSelfReplaceResolution = 16 * 16
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 77
	}
	return c
}

// Controller is the attention hook contract honored by the denoising
// driver. Forward's return value replaces the attention tensor used
// downstream in that layer. StepCallback may return a replacement latent.
type Controller interface {
	Forward(attn *tensor.Dense, isCross bool, region Region) (*tensor.Dense, error)
	StepCallback(latent *tensor.Dense) (*tensor.Dense, error)

	// SetLayers tells the controller how many transformed layer calls make
	// up one timestep. The driver discovers this while registering hooks on
	// the host network and must call it before the first Forward.
	SetLayers(n int)

	// Reset zeroes counters and clears accumulated state so the controller
	// can drive a fresh session.
	Reset()

	CurStep() int
}

type transformFunc func(rows *tensor.Dense, isCross bool, region Region) (*tensor.Dense, error)

// session tracks position in the (step, layer) iteration space shared by
// every controller variant.
type session struct {
	id  string
	cfg Config

	curStep   int
	curLayer  int
	numLayers int
}

func newSession(cfg Config) session {
	return session{
		id:        uuid.NewString(),
		cfg:       cfg.withDefaults(),
		numLayers: -1,
	}
}

func (s *session) SetLayers(n int) {
	s.numLayers = n
}

func (s *session) CurStep() int {
	return s.curStep
}

func (s *session) reset() {
	s.curStep = 0
	s.curLayer = 0
}

// numUncond is the number of leading layer calls per step that belong to
// the unconditional guidance pass and are skipped outright.
func (s *session) numUncond() int {
	if s.cfg.SkipUnconditional && s.numLayers > 0 {
		return s.numLayers
	}
	return 0
}

// advance moves to the next layer call, wrapping into a new step once every
// layer of the current one has been seen. Reports whether a step boundary
// was crossed.
func (s *session) advance() bool {
	s.curLayer++
	if s.numLayers >= 0 && s.curLayer >= s.numLayers+s.numUncond() {
		s.curLayer = 0
		s.curStep++
		return true
	}
	return false
}

// apply runs one hook invocation: carve out the rows subject to editing,
// hand them to fn, assemble a fresh output tensor from the untouched rows
// plus fn's result, then advance the counters, invoking between at step
// boundaries. fn returning its argument unchanged short-circuits the copy.
func (s *session) apply(attn *tensor.Dense, fn transformFunc, isCross bool, region Region, between func() error) (*tensor.Dense, error) {
	out := attn
	if s.curLayer >= s.numUncond() {
		if s.cfg.SkipUnconditional {
			// the whole tensor is conditional rows
			edited, err := fn(attn, isCross, region)
			if err != nil {
				return nil, err
			}
			out = edited
		} else {
			shape := attn.Shape()
			if len(shape) != 3 || shape[0] < 2 || shape[0]%2 != 0 {
				return nil, fmt.Errorf("%w: attention tensor must be (rows, queries, keys) with an even row count, got %v", ErrShapeMismatch, shape)
			}

			// rows are laid out [unconditional; conditional]
			cond, err := leadingRows(attn, shape[0]/2, shape[0])
			if err != nil {
				return nil, err
			}
			edited, err := fn(cond, isCross, region)
			if err != nil {
				return nil, err
			}
			if edited != cond {
				uncond, err := leadingRows(attn, 0, shape[0]/2)
				if err != nil {
					return nil, err
				}
				out, err = concatRows(uncond, edited)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	if s.advance() && between != nil {
		if err := between(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Empty tracks the hook iteration space without touching attention. It is
// the baseline controller used to generate the source image on its own.
type Empty struct {
	session
}

func NewEmpty(cfg Config) *Empty {
	return &Empty{session: newSession(cfg)}
}

func (e *Empty) Forward(attn *tensor.Dense, isCross bool, region Region) (*tensor.Dense, error) {
	return e.apply(attn, identity, isCross, region, nil)
}

func (e *Empty) StepCallback(latent *tensor.Dense) (*tensor.Dense, error) {
	return latent, nil
}

func (e *Empty) Reset() {
	e.reset()
}

func identity(rows *tensor.Dense, _ bool, _ Region) (*tensor.Dense, error) {
	return rows, nil
}
