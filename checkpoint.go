package charlm

import (
	"encoding/gob"
	"encoding/json"
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
)

// mlpState is the gob form of a ContextMLP.
type mlpState struct {
	Embed [][]float32
	W1    [][]float32
	B1    []float32
	W2    [][]float32
	B2    []float32

	Window    int
	EmbedDim  int
	HiddenDim int
	VocabSize int
}

// Save writes the model parameters as gob.
func (m *ContextMLP) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithMessage(err, "checkpoint: save model")
	}
	defer f.Close()

	state := mlpState{
		Embed:     m.embed,
		W1:        m.w1,
		B1:        m.b1,
		W2:        m.w2,
		B2:        m.b2,
		Window:    m.window,
		EmbedDim:  m.dim,
		HiddenDim: m.hidden,
		VocabSize: m.vocabSize,
	}
	if err := gob.NewEncoder(f).Encode(&state); err != nil {
		return errors.WithMessage(err, "checkpoint: save model")
	}
	return nil
}

// LoadContextMLP reads a model previously written by Save.
func LoadContextMLP(path string) (*ContextMLP, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithMessage(err, "checkpoint: load model")
	}
	defer f.Close()

	var state mlpState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return nil, errors.WithMessage(err, "checkpoint: load model")
	}
	if state.VocabSize < 1 || state.Window < 1 {
		return nil, errors.Errorf("checkpoint: %s has invalid dimensions", path)
	}

	return &ContextMLP{
		embed:     state.Embed,
		w1:        state.W1,
		b1:        state.B1,
		w2:        state.W2,
		b2:        state.B2,
		window:    state.Window,
		dim:       state.EmbedDim,
		hidden:    state.HiddenDim,
		vocabSize: state.VocabSize,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Manifest records how a checkpoint was produced.
type Manifest struct {
	CorpusPath string    `json:"corpus_path"`
	CorpusHash string    `json:"corpus_hash"`
	BlockSize  int       `json:"block_size"`
	EmbedDim   int       `json:"embed_dim"`
	HiddenDim  int       `json:"hidden_dim"`
	BatchSize  int       `json:"batch_size"`
	Epochs     int       `json:"epochs"`
	VocabSize  int       `json:"vocab_size"`
	Seed       int64     `json:"seed"`
	TrainedAt  time.Time `json:"trained_at"`
}

// Save writes the manifest as indented JSON.
func (mf Manifest) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithMessage(err, "checkpoint: save manifest")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(mf)
}

// LoadManifest reads a manifest previously written by Save.
func LoadManifest(path string) (Manifest, error) {
	var mf Manifest
	f, err := os.Open(path)
	if err != nil {
		return mf, errors.WithMessage(err, "checkpoint: load manifest")
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&mf); err != nil {
		return mf, errors.WithMessage(err, "checkpoint: load manifest")
	}
	return mf, nil
}
