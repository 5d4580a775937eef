package attention

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/pdevine/tensor"
	"github.com/x448/float16"
)

// The control state is float32 regardless of the host network's compute
// precision. Hosts running half precision convert attention tensors on the
// way in with these helpers.

// DenseFromFloat16 builds a float32 tensor from IEEE-754 half precision
// bits.
func DenseFromFloat16(bits []uint16, shape ...int) (*tensor.Dense, error) {
	if err := checkSize(len(bits), shape); err != nil {
		return nil, err
	}

	f32s := make([]float32, len(bits))
	for i, b := range bits {
		f32s[i] = float16.Frombits(b).Float32()
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(f32s)), nil
}

// DenseFromBFloat16 builds a float32 tensor from little-endian bfloat16
// bytes.
func DenseFromBFloat16(data []byte, shape ...int) (*tensor.Dense, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: bfloat16 data has odd length %d", ErrShapeMismatch, len(data))
	}

	f32s := bfloat16.DecodeFloat32(data)
	if err := checkSize(len(f32s), shape); err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(f32s)), nil
}

func checkSize(n int, shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("%w: no shape given", ErrShapeMismatch)
	}
	total := 1
	for _, d := range shape {
		total *= d
	}
	if total != n {
		return fmt.Errorf("%w: %d values cannot fill shape %v", ErrShapeMismatch, n, shape)
	}
	return nil
}
