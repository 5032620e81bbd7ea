package charlm

import (
	"github.com/pkg/errors"
)

// Dataset presents a corpus as an indexable collection of fixed-length
// (input, target) windows for next-character prediction. The corpus is kept
// verbatim and encoded lazily per accessed window, so the dataset is a pure
// function of (corpus, vocab, blockSize) plus an index and is safe for
// concurrent read-only use by parallel batch loaders.
type Dataset struct {
	corpus    []rune
	vocab     *Vocab
	blockSize int
}

// NewDataset wraps corpus as windows of blockSize+1 characters. blockSize
// must be positive and strictly less than the corpus length.
func NewDataset(corpus string, vocab *Vocab, blockSize int) (*Dataset, error) {
	runes := []rune(corpus)
	if len(runes) == 0 {
		return nil, errors.New("dataset: empty corpus")
	}
	if blockSize < 1 {
		return nil, errors.Errorf("dataset: block size %d must be positive", blockSize)
	}
	if blockSize >= len(runes) {
		return nil, errors.Errorf("dataset: block size %d must be < corpus length %d", blockSize, len(runes))
	}
	if vocab == nil {
		return nil, errors.New("dataset: nil vocab")
	}
	return &Dataset{corpus: runes, vocab: vocab, blockSize: blockSize}, nil
}

// Len returns len(corpus) - blockSize. This undercounts the addressable
// windows by one: the last index already reserves room for the +1 target
// symbol.
func (d *Dataset) Len() int {
	return len(d.corpus) - d.blockSize
}

// BlockSize returns the window length.
func (d *Dataset) BlockSize() int {
	return d.blockSize
}

// Vocab returns the vocabulary the dataset encodes through.
func (d *Dataset) Vocab() *Vocab {
	return d.vocab
}

// At returns the window at idx: input is the blockSize ids starting at idx,
// target is the same ids shifted one position right, so target[i] is the id
// of the character following input[:i+1]. Each window therefore carries
// blockSize supervised positions for one forward evaluation.
func (d *Dataset) At(idx int) (input, target []int, err error) {
	if idx < 0 || idx >= d.Len() {
		return nil, nil, errors.Errorf("dataset: index %d out of range [0, %d)", idx, d.Len())
	}

	window := d.corpus[idx : idx+d.blockSize+1]
	encoded := make([]int, len(window))
	for i, r := range window {
		encoded[i], err = d.vocab.EncodeRune(r)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "dataset: window %d", idx)
		}
	}
	return encoded[:d.blockSize], encoded[1 : d.blockSize+1], nil
}
