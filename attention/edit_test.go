package attention

import (
	"errors"
	"testing"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/promptedit/tokenizer"
)

func testTok() *tokenizer.Tokenizer {
	return tokenizer.New(tokenizer.WordVocabulary(
		"a", "photo", "of", "cat", "dog", "soup", "pea",
	))
}

// batchAttn builds a (2*batch, queries, keys) tensor laid out
// [unconditional; conditional], one head per prompt, where conditional row
// bi holds rowVals[bi]+key at every query position.
func batchAttn(batch, queries, keys int, rowVals []float32) *tensor.Dense {
	rows := 2 * batch
	data := make([]float32, rows*queries*keys)
	for bi := 0; bi < batch; bi++ {
		for qi := 0; qi < queries; qi++ {
			off := ((batch + bi) * queries) * keys
			for wi := 0; wi < keys; wi++ {
				data[off+qi*keys+wi] = rowVals[bi] + float32(wi)
			}
		}
	}
	return tensor.New(tensor.WithShape(rows, queries, keys), tensor.WithBacking(data))
}

func TestReplaceInjectsSourceAttention(t *testing.T) {
	e, err := NewReplace(testTok(), EditParams{
		Prompts:      []string{"a photo of a cat", "a photo of a dog"},
		NumSteps:     10,
		CrossReplace: ScheduleSpec{Default: Full()},
		Config:       Config{MaxTokens: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.SetLayers(1)

	attn := batchAttn(2, 4, 8, []float32{100, 200})
	out, err := e.Forward(attn, true, RegionUp)
	if err != nil {
		t.Fatal(err)
	}
	if out == attn {
		t.Fatal("editing must produce a fresh tensor")
	}

	in := attn.Data().([]float32)
	got := out.Data().([]float32)
	rowSize := 4 * 8

	for i := 0; i < 3*rowSize; i++ {
		if got[i] != in[i] {
			t.Fatalf("untouched row value at %d = %v, want %v", i, got[i], in[i])
		}
	}
	// cat and dog occupy the same token position, so the replacement mapper
	// is the identity and the edited row becomes the source row
	for i := 0; i < rowSize; i++ {
		if got[3*rowSize+i] != in[2*rowSize+i] {
			t.Fatalf("edited row value at %d = %v, want source value %v", i, got[3*rowSize+i], in[2*rowSize+i])
		}
	}
}

func TestReplaceOutsideWindow(t *testing.T) {
	e, err := NewReplace(testTok(), EditParams{
		Prompts:  []string{"a photo of a cat", "a photo of a dog"},
		NumSteps: 10,
		// zero-value schedule: injection never active
		Config: Config{MaxTokens: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.SetLayers(1)

	attn := batchAttn(2, 4, 8, []float32{100, 200})
	out, err := e.Forward(attn, true, RegionUp)
	if err != nil {
		t.Fatal(err)
	}

	in := attn.Data().([]float32)
	for i, v := range out.Data().([]float32) {
		if v != in[i] {
			t.Fatalf("value at %d = %v, want unchanged %v", i, v, in[i])
		}
	}
}

func TestRefineGathersAlignedAttention(t *testing.T) {
	e, err := NewRefine(testTok(), EditParams{
		Prompts:      []string{"soup", "pea soup"},
		NumSteps:     10,
		CrossReplace: ScheduleSpec{Default: Full()},
		Config:       Config{MaxTokens: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.SetLayers(1)

	attn := batchAttn(2, 2, 8, []float32{100, 200})
	out, err := e.Forward(attn, true, RegionDown)
	if err != nil {
		t.Fatal(err)
	}

	// source tokens: <bos> soup <eos>; edited: <bos> pea soup <eos>.
	// <bos> and soup and <eos> inherit the source attention at their aligned
	// positions; inserted pea keeps its own.
	got := out.Data().([]float32)
	rowSize := 2 * 8
	want := []float32{100, 201, 101, 102, 104, 105, 106, 107}
	for qi := 0; qi < 2; qi++ {
		for wi := 0; wi < 8; wi++ {
			if v := got[3*rowSize+qi*8+wi]; v != want[wi] {
				t.Fatalf("edited attention at query %d token %d = %v, want %v", qi, wi, v, want[wi])
			}
		}
	}
}

func TestReweightScalesWordAttention(t *testing.T) {
	tok := testTok()
	prompts := []string{"a photo of a cat", "a photo of a cat"}

	eq, err := NewEqualizer(tok, prompts[1], []string{"cat"}, []float32{2}, 8)
	if err != nil {
		t.Fatal(err)
	}

	e, err := NewReweight(tok, EditParams{
		Prompts:      prompts,
		NumSteps:     10,
		CrossReplace: ScheduleSpec{Default: Full()},
		Config:       Config{MaxTokens: 8},
	}, eq, nil)
	if err != nil {
		t.Fatal(err)
	}
	e.SetLayers(1)

	attn := batchAttn(2, 4, 8, []float32{100, 200})
	out, err := e.Forward(attn, true, RegionUp)
	if err != nil {
		t.Fatal(err)
	}

	// cat sits at token position 5; its attention doubles, every other
	// position carries the source value unscaled
	got := out.Data().([]float32)
	rowSize := 4 * 8
	for qi := 0; qi < 4; qi++ {
		for wi := 0; wi < 8; wi++ {
			want := 100 + float32(wi)
			if wi == 5 {
				want *= 2
			}
			if v := got[3*rowSize+qi*8+wi]; v != want {
				t.Fatalf("edited attention at query %d token %d = %v, want %v", qi, wi, v, want)
			}
		}
	}
}

func TestReweightEqualizerShape(t *testing.T) {
	bad := tensor.New(tensor.WithShape(2, 8), tensor.WithBacking(make([]float32, 16)))
	_, err := NewReweight(testTok(), EditParams{
		Prompts:      []string{"a photo of a cat", "a photo of a cat"},
		NumSteps:     10,
		CrossReplace: ScheduleSpec{Default: Full()},
		Config:       Config{MaxTokens: 8},
	}, bad, nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("NewReweight with (2, 8) equalizer for one edited prompt: err = %v, want ErrConfiguration", err)
	}
}

func TestSelfAttentionBroadcast(t *testing.T) {
	e, err := NewReplace(testTok(), EditParams{
		Prompts:      []string{"a photo of a cat", "a photo of a dog"},
		NumSteps:     10,
		CrossReplace: ScheduleSpec{Default: Full()},
		SelfReplace:  Full(),
		Config:       Config{MaxTokens: 8, MaxSelfReplaceResolution: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.SetLayers(2)

	// coarse map: 4 pixels, within the broadcast bound
	attn := batchAttn(2, 4, 4, []float32{100, 200})
	out, err := e.Forward(attn, false, RegionDown)
	if err != nil {
		t.Fatal(err)
	}
	in := attn.Data().([]float32)
	got := out.Data().([]float32)
	rowSize := 4 * 4
	for i := 0; i < rowSize; i++ {
		if got[3*rowSize+i] != in[2*rowSize+i] {
			t.Fatalf("coarse self-attention at %d = %v, want broadcast source %v", i, got[3*rowSize+i], in[2*rowSize+i])
		}
	}

	// fine map: 36 pixels, beyond the bound, kept prompt-specific
	attn = batchAttn(2, 36, 36, []float32{100, 200})
	out, err = e.Forward(attn, false, RegionDown)
	if err != nil {
		t.Fatal(err)
	}
	in = attn.Data().([]float32)
	for i, v := range out.Data().([]float32) {
		if v != in[i] {
			t.Fatalf("fine self-attention at %d = %v, want unchanged %v", i, v, in[i])
		}
	}
}

func TestSelfAttentionOutsideWindow(t *testing.T) {
	e, err := NewReplace(testTok(), EditParams{
		Prompts:      []string{"a photo of a cat", "a photo of a dog"},
		NumSteps:     10,
		CrossReplace: ScheduleSpec{Default: Full()},
		SelfReplace:  Window{},
		Config:       Config{MaxTokens: 8, MaxSelfReplaceResolution: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.SetLayers(1)

	attn := batchAttn(2, 4, 4, []float32{100, 200})
	out, err := e.Forward(attn, false, RegionDown)
	if err != nil {
		t.Fatal(err)
	}
	if out != attn {
		t.Error("self-attention outside the window should pass through untouched")
	}
}

func TestEditCrossKeyAxis(t *testing.T) {
	e, err := NewReplace(testTok(), EditParams{
		Prompts:      []string{"a photo of a cat", "a photo of a dog"},
		NumSteps:     10,
		CrossReplace: ScheduleSpec{Default: Full()},
		Config:       Config{MaxTokens: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.SetLayers(1)

	_, err = e.Forward(batchAttn(2, 4, 7, []float32{100, 200}), true, RegionUp)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("cross attention with 7 keys against an 8 token schedule: err = %v, want ErrShapeMismatch", err)
	}
}

func TestEditRecordsEditedMaps(t *testing.T) {
	e, err := NewReplace(testTok(), EditParams{
		Prompts:      []string{"a photo of a cat", "a photo of a dog"},
		NumSteps:     10,
		CrossReplace: ScheduleSpec{Default: Full()},
		Config:       Config{MaxTokens: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.SetLayers(1)

	attn := batchAttn(2, 4, 8, []float32{100, 200})
	out, err := e.Forward(attn, true, RegionUp)
	if err != nil {
		t.Fatal(err)
	}

	stored := e.Accumulated()["up_cross"]
	if len(stored) != 1 {
		t.Fatalf("got %d stored maps, want 1", len(stored))
	}
	// the store holds the post-edit conditional rows
	want := out.Data().([]float32)[2*4*8:]
	got := stored[0].Data().([]float32)
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("stored value at %d = %v, want post-edit value %v", i, got[i], want[i])
		}
	}
}

type captureBlender struct {
	store map[string][]*tensor.Dense
}

func (cb *captureBlender) Blend(latent *tensor.Dense, store map[string][]*tensor.Dense) (*tensor.Dense, error) {
	cb.store = store
	return latent, nil
}

func TestStepCallbackInvokesBlend(t *testing.T) {
	cb := &captureBlender{}
	e, err := NewReplace(testTok(), EditParams{
		Prompts:      []string{"a photo of a cat", "a photo of a dog"},
		NumSteps:     10,
		CrossReplace: ScheduleSpec{Default: Full()},
		Blend:        cb,
		Config:       Config{MaxTokens: 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.SetLayers(1)

	if _, err := e.Forward(batchAttn(2, 4, 8, []float32{100, 200}), true, RegionUp); err != nil {
		t.Fatal(err)
	}

	latent := tensor.New(tensor.WithShape(2, 1, 2, 2), tensor.WithBacking(make([]float32, 8)))
	got, err := e.StepCallback(latent)
	if err != nil {
		t.Fatal(err)
	}
	if got != latent {
		t.Error("capture blender returns the latent unchanged")
	}
	if cb.store == nil || len(cb.store["up_cross"]) != 1 {
		t.Error("blender should receive the accumulated attention")
	}
}

func TestNewEditValidation(t *testing.T) {
	tok := testTok()

	_, err := NewReplace(tok, EditParams{Prompts: []string{"a cat"}, NumSteps: 10})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("single prompt: err = %v, want ErrConfiguration", err)
	}

	_, err = NewReplace(tok, EditParams{
		Prompts: []string{"a photo of a cat", "a photo of a dog"},
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("zero NumSteps: err = %v, want ErrConfiguration", err)
	}

	_, err = NewReplace(tok, EditParams{
		Prompts:     []string{"a photo of a cat", "a photo of a dog"},
		NumSteps:    10,
		SelfReplace: Window{Start: 0.8, End: 0.2},
	})
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("inverted window: err = %v, want ErrConfiguration", err)
	}
}
