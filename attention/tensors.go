package attention

import (
	"fmt"

	"github.com/pdevine/tensor"
)

// leadingRows returns a view of rows [from, to) along the leading axis.
// The view shares backing with t.
func leadingRows(t *tensor.Dense, from, to int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) < 2 || from < 0 || to > shape[0] || from >= to {
		return nil, fmt.Errorf("%w: rows [%d, %d) out of range for shape %v", ErrShapeMismatch, from, to, shape)
	}

	stride := 1
	for _, d := range shape[1:] {
		stride *= d
	}

	data := t.Data().([]float32)
	ns := append([]int{to - from}, shape[1:]...)
	return tensor.New(tensor.WithShape(ns...), tensor.WithBacking(data[from*stride:to*stride])), nil
}

// concatRows stacks a over b along the leading axis into a fresh tensor.
func concatRows(a, b *tensor.Dense) (*tensor.Dense, error) {
	sa, sb := a.Shape(), b.Shape()
	if len(sa) != len(sb) || !sa[1:].Eq(sb[1:]) {
		return nil, fmt.Errorf("%w: cannot stack %v over %v", ErrShapeMismatch, sa, sb)
	}

	da := a.Data().([]float32)
	db := b.Data().([]float32)
	out := make([]float32, len(da)+len(db))
	copy(out, da)
	copy(out[len(da):], db)

	ns := append([]int{sa[0] + sb[0]}, sa[1:]...)
	return tensor.New(tensor.WithShape(ns...), tensor.WithBacking(out)), nil
}
