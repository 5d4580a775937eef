package attention

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"
)

func TestDenseFromFloat16(t *testing.T) {
	values := []float32{0, 1, -1.5, 0.25}
	bits := make([]uint16, len(values))
	for i, v := range values {
		bits[i] = float16.Fromfloat32(v).Bits()
	}

	d, err := DenseFromFloat16(bits, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Shape(); got[0] != 2 || got[1] != 2 {
		t.Fatalf("shape = %v, want (2, 2)", got)
	}
	if got := d.Data().([]float32); !cmp.Equal(got, values) {
		t.Errorf("data = %v, want %v", got, values)
	}
}

func TestDenseFromFloat16SizeMismatch(t *testing.T) {
	_, err := DenseFromFloat16(make([]uint16, 3), 2, 2)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("3 values into shape (2, 2): err = %v, want ErrShapeMismatch", err)
	}
}

func TestDenseFromBFloat16(t *testing.T) {
	// values whose mantissas survive truncation to 8 bits
	values := []float32{1, -2, 0.5, 0}
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(math.Float32bits(v)>>16))
	}

	d, err := DenseFromBFloat16(data, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Data().([]float32); !cmp.Equal(got, values) {
		t.Errorf("data = %v, want %v", got, values)
	}
}

func TestDenseFromBFloat16OddLength(t *testing.T) {
	_, err := DenseFromBFloat16(make([]byte, 3), 1)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("odd byte count: err = %v, want ErrShapeMismatch", err)
	}
}

func TestDenseFromFloat16NoShape(t *testing.T) {
	_, err := DenseFromFloat16(nil)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("missing shape: err = %v, want ErrShapeMismatch", err)
	}
}
