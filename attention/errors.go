package attention

import "errors"

var (
	// ErrShapeMismatch reports an attention or latent tensor whose shape is
	// incompatible with the session's batch, resolution or token-axis
	// contract.
	ErrShapeMismatch = errors.New("attention: shape mismatch")

	// ErrConfiguration reports invalid construction parameters: windows
	// outside [0, 1], equalizers sized for the wrong batch, words missing
	// from prompts.
	ErrConfiguration = errors.New("attention: invalid configuration")

	// ErrUnsupportedEdit reports an edit controller invoked without a
	// concrete cross-attention strategy.
	ErrUnsupportedEdit = errors.New("attention: unsupported edit")
)
