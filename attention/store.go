package attention

import (
	"fmt"
	"log/slog"

	"github.com/pdevine/tensor"
)

// Store records attention maps for later inspection. Maps are collected
// into a per-step scratch buffer keyed by region and attention kind; at
// every step boundary the scratch is summed into a running accumulator.
// Only maps at or below Config.MaxStoreResolution query positions are
// retained.
type Store struct {
	session

	stepStore map[string][]*tensor.Dense
	acc       map[string][]*tensor.Dense
}

func NewStore(cfg Config) *Store {
	return &Store{
		session:   newSession(cfg),
		stepStore: make(map[string][]*tensor.Dense),
	}
}

func (s *Store) Forward(attn *tensor.Dense, isCross bool, region Region) (*tensor.Dense, error) {
	return s.apply(attn, s.transform, isCross, region, s.merge)
}

func (s *Store) StepCallback(latent *tensor.Dense) (*tensor.Dense, error) {
	return latent, nil
}

func (s *Store) Reset() {
	s.reset()
	s.stepStore = make(map[string][]*tensor.Dense)
	s.acc = nil
}

func (s *Store) transform(rows *tensor.Dense, isCross bool, region Region) (*tensor.Dense, error) {
	if err := s.record(rows, isCross, region); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) record(rows *tensor.Dense, isCross bool, region Region) error {
	shape := rows.Shape()
	if len(shape) != 3 {
		return fmt.Errorf("%w: attention map must be (rows, queries, keys), got %v", ErrShapeMismatch, shape)
	}
	if shape[1] > s.cfg.MaxStoreResolution {
		return nil
	}

	key := StoreKey(region, isCross)
	s.stepStore[key] = append(s.stepStore[key], rows.Clone().(*tensor.Dense))
	return nil
}

// merge folds the step scratch into the accumulator. The host network's
// layer topology is constant across steps, so after the first step every
// region must produce the same number of maps with the same shapes.
func (s *Store) merge() error {
	if s.acc == nil {
		s.acc = s.stepStore
	} else {
		for key, cur := range s.stepStore {
			prev := s.acc[key]
			if len(prev) != len(cur) {
				return fmt.Errorf("%w: region %s recorded %d maps this step, %d previously", ErrShapeMismatch, key, len(cur), len(prev))
			}
			for i := range cur {
				if !prev[i].Shape().Eq(cur[i].Shape()) {
					return fmt.Errorf("%w: region %s map %d has shape %v, want %v", ErrShapeMismatch, key, i, cur[i].Shape(), prev[i].Shape())
				}
				if _, err := prev[i].Add(cur[i], tensor.UseUnsafe()); err != nil {
					return err
				}
			}
		}
	}

	s.stepStore = make(map[string][]*tensor.Dense)
	slog.Debug("attention step accumulated", "session", s.id, "step", s.curStep)
	return nil
}

// Accumulated exposes the running, not yet averaged, attention totals. The
// local blend reads these between steps. Callers must not mutate them.
func (s *Store) Accumulated() map[string][]*tensor.Dense {
	return s.acc
}

// Average returns the accumulated maps divided by the number of completed
// steps, per region key and sequence position.
func (s *Store) Average() (map[string][]*tensor.Dense, error) {
	if s.curStep == 0 || s.acc == nil {
		return nil, fmt.Errorf("%w: no completed steps to average", ErrConfiguration)
	}

	out := make(map[string][]*tensor.Dense, len(s.acc))
	for key, maps := range s.acc {
		avg := make([]*tensor.Dense, len(maps))
		for i, m := range maps {
			d, err := m.DivScalar(float32(s.curStep), true)
			if err != nil {
				return nil, err
			}
			avg[i] = d
		}
		out[key] = avg
	}
	return out, nil
}
