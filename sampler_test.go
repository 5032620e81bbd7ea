package charlm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPredictor scores symbols with a fixed function of the context.
type stubPredictor struct {
	vocab int
	fn    func(context []int) []float32
}

func (p *stubPredictor) Logits(context []int) ([]float32, error) {
	return p.fn(context), nil
}

func (p *stubPredictor) VocabSize() int {
	return p.vocab
}

// favoring returns a predictor that always scores id highest.
func favoring(vocab, id int) *stubPredictor {
	return &stubPredictor{
		vocab: vocab,
		fn: func([]int) []float32 {
			logits := make([]float32, vocab)
			logits[id] = 10
			return logits
		},
	}
}

func TestSampler(t *testing.T) {
	v, err := NewVocab("hello world")
	require.NoError(t, err)
	eID, err := v.EncodeRune('e')
	require.NoError(t, err)
	hID, err := v.EncodeRune('h')
	require.NoError(t, err)

	t.Run("GreedyFavorite", func(t *testing.T) {
		// Greedy sampling from a predictor that always scores 'e'
		// highest yields "eeee" no matter the temperature.
		for _, temp := range []float32{0.01, 1.0, 5.0} {
			s, err := NewSampler(favoring(v.Size(), eID), GenConfig{Temperature: temp, Stochastic: false})
			require.NoError(t, err)
			out, err := s.Sample([]int{hID}, 4)
			require.NoError(t, err)

			text, err := v.Decode(out)
			require.NoError(t, err)
			assert.Equal(t, "heeee", text, "temperature %v", temp)
		}
	})

	t.Run("TopKOneIsGreedy", func(t *testing.T) {
		// With top-k = 1 only the arg-max has probability mass, so
		// stochastic sampling matches greedy selection.
		s, err := NewSampler(favoring(v.Size(), eID), GenConfig{TopK: 1, Stochastic: true, Seed: 7})
		require.NoError(t, err)
		out, err := s.Sample([]int{hID}, 6)
		require.NoError(t, err)
		for _, id := range out[1:] {
			assert.Equal(t, eID, id)
		}
	})

	t.Run("ZeroN", func(t *testing.T) {
		s, err := NewSampler(favoring(v.Size(), eID), GenConfig{})
		require.NoError(t, err)
		seed := []int{hID, eID}
		out, err := s.Sample(seed, 0)
		require.NoError(t, err)
		assert.Equal(t, seed, out)
	})

	t.Run("LazyExactlyN", func(t *testing.T) {
		s, err := NewSampler(favoring(v.Size(), eID), GenConfig{})
		require.NoError(t, err)
		gen, err := s.Start([]int{hID}, 3)
		require.NoError(t, err)

		var produced []int
		for {
			id, ok, err := gen.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			produced = append(produced, id)
		}
		assert.Len(t, produced, 3)
		assert.Len(t, gen.Context(), 4)

		// Exhausted runs stay exhausted.
		_, ok, err := gen.Next()
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ContextGrows", func(t *testing.T) {
		// The predictor must see the full, never-pruned context.
		var seenLens []int
		p := &stubPredictor{
			vocab: v.Size(),
			fn: func(context []int) []float32 {
				seenLens = append(seenLens, len(context))
				logits := make([]float32, v.Size())
				logits[eID] = 1
				return logits
			},
		}
		s, err := NewSampler(p, GenConfig{})
		require.NoError(t, err)
		_, err = s.Sample([]int{hID}, 4)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3, 4}, seenLens)
	})

	t.Run("DeterministicSeed", func(t *testing.T) {
		uniform := &stubPredictor{
			vocab: v.Size(),
			fn: func([]int) []float32 {
				return make([]float32, v.Size())
			},
		}
		sample := func() []int {
			s, err := NewSampler(uniform, GenConfig{Stochastic: true, Seed: 42})
			require.NoError(t, err)
			out, err := s.Sample([]int{hID}, 16)
			require.NoError(t, err)
			return out
		}
		assert.Equal(t, sample(), sample())
	})

	t.Run("WrongLengthScores", func(t *testing.T) {
		short := &stubPredictor{
			vocab: v.Size(),
			fn: func([]int) []float32 {
				return make([]float32, v.Size()-1)
			},
		}
		s, err := NewSampler(short, GenConfig{})
		require.NoError(t, err)
		_, err = s.Sample([]int{hID}, 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scores")
	})

	t.Run("TopKClampedToVocab", func(t *testing.T) {
		s, err := NewSampler(favoring(v.Size(), eID), GenConfig{TopK: v.Size() + 100, Stochastic: true, Seed: 1})
		require.NoError(t, err)
		out, err := s.Sample([]int{hID}, 2)
		require.NoError(t, err)
		assert.Len(t, out, 3)
	})

	t.Run("ConfigErrors", func(t *testing.T) {
		p := favoring(v.Size(), eID)

		_, err := NewSampler(nil, GenConfig{})
		require.Error(t, err)

		_, err = NewSampler(p, GenConfig{Temperature: -1})
		require.Error(t, err)

		_, err = NewSampler(p, GenConfig{TopK: -1})
		require.Error(t, err)

		s, err := NewSampler(p, GenConfig{})
		require.NoError(t, err)

		_, err = s.Sample(nil, 3)
		require.Error(t, err)

		_, err = s.Sample([]int{hID}, -1)
		require.Error(t, err)

		_, err = s.Sample([]int{v.Size()}, 1)
		require.Error(t, err)
	})
}

func TestTopKFilter(t *testing.T) {
	t.Run("KeepsHighest", func(t *testing.T) {
		logits := []float32{1, 5, 3, 4, 2}
		topKFilter(logits, 2)
		negInf := float32(math.Inf(-1))
		assert.Equal(t, []float32{negInf, 5, negInf, 4, negInf}, logits)
	})

	t.Run("StableTies", func(t *testing.T) {
		// Boundary ties go to the lowest index.
		logits := []float32{2, 2, 2, 2}
		topKFilter(logits, 2)
		negInf := float32(math.Inf(-1))
		assert.Equal(t, []float32{2, 2, negInf, negInf}, logits)
	})
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 1, argmax([]float32{0.1, 0.6, 0.3}))
	// Ties break toward the lowest index.
	assert.Equal(t, 0, argmax([]float32{0.5, 0.5}))
}
