package charlm

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrain(t *testing.T) {
	corpus := strings.Repeat("hello world. ", 40)
	v, err := NewVocab(corpus)
	require.NoError(t, err)
	ds, err := NewDataset(corpus, v, 6)
	require.NoError(t, err)

	cfg := TrainConfig{
		EmbedDim:  8,
		HiddenDim: 24,
		BatchSize: 32,
		Epochs:    12,
		Seed:      1,
	}

	model, report, err := Train(ds, cfg)
	require.NoError(t, err)
	require.NotNil(t, model)
	require.NotEmpty(t, report.Epochs)

	t.Run("LossDecreases", func(t *testing.T) {
		first := report.Epochs[0]
		last := report.Epochs[len(report.Epochs)-1]
		assert.Less(t, last.TrainLoss, first.TrainLoss)
		assert.Less(t, report.BestValLoss, first.ValLoss+1e-9)
	})

	t.Run("ModelMatchesVocab", func(t *testing.T) {
		assert.Equal(t, v.Size(), model.VocabSize())
		assert.Equal(t, ds.BlockSize(), model.Window())
	})

	t.Run("ReportSave", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "metrics.json")
		require.NoError(t, report.Save(path))
	})

	t.Run("EndToEndGeneration", func(t *testing.T) {
		seed, err := v.Encode("hello ")
		require.NoError(t, err)

		s, err := NewSampler(model, GenConfig{Temperature: 0.5, TopK: 5, Stochastic: true, Seed: 3})
		require.NoError(t, err)
		out, err := s.Sample(seed, 20)
		require.NoError(t, err)
		require.Len(t, out, len(seed)+20)

		text, err := v.Decode(out)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(text, "hello "))
	})

	t.Run("ConfigErrors", func(t *testing.T) {
		_, _, err := Train(nil, cfg)
		require.Error(t, err)

		bad := cfg
		bad.Epochs = 0
		_, _, err = Train(ds, bad)
		require.Error(t, err)
	})
}

func TestWindowSamples(t *testing.T) {
	corpus := "hello world"
	v, err := NewVocab(corpus)
	require.NoError(t, err)
	ds, err := NewDataset(corpus, v, 4)
	require.NoError(t, err)

	samples, err := windowSamples(ds, 4, v.Size())
	require.NoError(t, err)

	// blockSize-1 prefix samples plus one per window.
	assert.Len(t, samples, 3+ds.Len())
	for _, s := range samples {
		assert.Len(t, s.ctx, 4)
		assert.GreaterOrEqual(t, s.target, 0)
		assert.Less(t, s.target, v.Size())
	}

	// The first prefix sample predicts corpus[1] from corpus[0].
	hID, err := v.EncodeRune('h')
	require.NoError(t, err)
	eID, err := v.EncodeRune('e')
	require.NoError(t, err)
	assert.Equal(t, []int{v.Size(), v.Size(), v.Size(), hID}, samples[0].ctx)
	assert.Equal(t, eID, samples[0].target)
}
