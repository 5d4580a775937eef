package attention

import (
	"fmt"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"
)

// Aggregate averages the stored attention maps of one spatial resolution
// over layers and heads for a single prompt, producing a (res, res, keys)
// tensor for visualization sinks. Maps at other resolutions are skipped.
// The session itself is strictly sequential; aggregation runs after it, so
// regions are reduced in parallel.
func Aggregate(st *Store, res int, regions []Region, isCross bool, numPrompts, sel int) (*tensor.Dense, error) {
	if sel < 0 || sel >= numPrompts {
		return nil, fmt.Errorf("%w: prompt %d out of range for batch of %d", ErrConfiguration, sel, numPrompts)
	}

	avg, err := st.Average()
	if err != nil {
		return nil, err
	}

	numPixels := res * res
	type partial struct {
		sum   []float32
		count int
		keys  int
	}
	parts := make([]partial, len(regions))

	var g errgroup.Group
	for i, region := range regions {
		i, region := i, region
		g.Go(func() error {
			for _, m := range avg[StoreKey(region, isCross)] {
				shape := m.Shape()
				if shape[1] != numPixels {
					continue
				}
				if shape[0]%numPrompts != 0 {
					return fmt.Errorf("%w: %d attention rows not divisible by batch size %d", ErrShapeMismatch, shape[0], numPrompts)
				}

				h := shape[0] / numPrompts
				w := shape[2]
				if parts[i].sum == nil {
					parts[i].sum = make([]float32, numPixels*w)
					parts[i].keys = w
				} else if parts[i].keys != w {
					return fmt.Errorf("%w: region %s mixes key axes %d and %d at resolution %d", ErrShapeMismatch, region, parts[i].keys, w, res)
				}

				data := m.Data().([]float32)
				for hi := 0; hi < h; hi++ {
					row := (sel*h + hi) * numPixels * w
					for j := range parts[i].sum {
						parts[i].sum[j] += data[row+j]
					}
				}
				parts[i].count += h
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total []float32
	var count int
	var keys int
	for _, part := range parts {
		if part.sum == nil {
			continue
		}
		if total == nil {
			total = make([]float32, len(part.sum))
			keys = part.keys
		} else if keys != part.keys {
			return nil, fmt.Errorf("%w: regions mix key axes %d and %d at resolution %d", ErrShapeMismatch, keys, part.keys, res)
		}
		for j := range part.sum {
			total[j] += part.sum[j]
		}
		count += part.count
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: no stored maps at resolution %dx%d", ErrConfiguration, res, res)
	}

	inv := 1 / float32(count)
	for j := range total {
		total[j] *= inv
	}
	return tensor.New(tensor.WithShape(res, res, keys), tensor.WithBacking(total)), nil
}
