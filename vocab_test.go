package charlm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVocab(t *testing.T) {
	t.Run("SortedDeterministic", func(t *testing.T) {
		v, err := NewVocab("hello world")
		require.NoError(t, err)
		assert.Equal(t, 8, v.Size())

		// Distinct symbols in sorted order: ' ', 'd', 'e', 'h', 'l', 'o', 'r', 'w'.
		for i, r := range []rune(" dehlorw") {
			id, err := v.EncodeRune(r)
			require.NoError(t, err)
			assert.Equal(t, i, id)
		}

		// Same corpus, same mapping.
		v2, err := NewVocab("hello world")
		require.NoError(t, err)
		ids1, err := v.Encode("hello")
		require.NoError(t, err)
		ids2, err := v2.Encode("hello")
		require.NoError(t, err)
		assert.Equal(t, ids1, ids2)
	})

	t.Run("EmptyCorpus", func(t *testing.T) {
		_, err := NewVocab("")
		require.Error(t, err)
	})

	t.Run("UnknownSymbol", func(t *testing.T) {
		v, err := NewVocab("abc")
		require.NoError(t, err)
		_, err = v.Encode("abz")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not in vocabulary")
	})

	t.Run("RoundTrip", func(t *testing.T) {
		v, err := NewVocab("hello world")
		require.NoError(t, err)

		ids, err := v.Encode("world hello")
		require.NoError(t, err)
		text, err := v.Decode(ids)
		require.NoError(t, err)
		assert.Equal(t, "world hello", text)

		again, err := v.Encode(text)
		require.NoError(t, err)
		assert.Equal(t, ids, again)
	})

	t.Run("DecodeOutOfRange", func(t *testing.T) {
		v, err := NewVocab("ab")
		require.NoError(t, err)
		_, err = v.Decode([]int{0, 2})
		require.Error(t, err)
		_, err = v.Decode([]int{-1})
		require.Error(t, err)
	})

	t.Run("SaveLoad", func(t *testing.T) {
		v, err := NewVocab("hello world")
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "vocab.json")
		require.NoError(t, v.SaveVocab(path))

		loaded, err := LoadVocab(path)
		require.NoError(t, err)
		assert.Equal(t, v.Size(), loaded.Size())

		ids, err := v.Encode("hello world")
		require.NoError(t, err)
		loadedIDs, err := loaded.Encode("hello world")
		require.NoError(t, err)
		assert.Equal(t, ids, loadedIDs)
	})
}
