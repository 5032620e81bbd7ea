package charlm

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// Vocab is an immutable bijection between the distinct characters of a
// corpus and the dense id range [0, Size()). Ids are assigned in sorted rune
// order, so the mapping is deterministic for a given corpus.
type Vocab struct {
	toID   map[rune]int
	toRune []rune
}

// NewVocab builds a vocabulary from the distinct runes of corpus.
func NewVocab(corpus string) (*Vocab, error) {
	if len(corpus) == 0 {
		return nil, errors.New("vocab: empty corpus")
	}

	seen := make(map[rune]bool)
	for _, r := range corpus {
		seen[r] = true
	}

	runes := make([]rune, 0, len(seen))
	for r := range seen {
		runes = append(runes, r)
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })

	toID := make(map[rune]int, len(runes))
	for i, r := range runes {
		toID[r] = i
	}
	return &Vocab{toID: toID, toRune: runes}, nil
}

// Size returns the number of distinct symbols.
func (v *Vocab) Size() int {
	return len(v.toRune)
}

// EncodeRune maps a single rune to its id. Unknown runes are an error,
// never a placeholder.
func (v *Vocab) EncodeRune(r rune) (int, error) {
	id, ok := v.toID[r]
	if !ok {
		return 0, errors.Errorf("vocab: symbol %q not in vocabulary", r)
	}
	return id, nil
}

// Encode maps text to a sequence of ids.
func (v *Vocab) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		id, err := v.EncodeRune(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DecodeID maps an id back to its rune.
func (v *Vocab) DecodeID(id int) (rune, error) {
	if id < 0 || id >= len(v.toRune) {
		return 0, errors.Errorf("vocab: id %d out of range [0, %d)", id, len(v.toRune))
	}
	return v.toRune[id], nil
}

// Decode maps a sequence of ids back to text.
func (v *Vocab) Decode(ids []int) (string, error) {
	out := make([]rune, 0, len(ids))
	for _, id := range ids {
		r, err := v.DecodeID(id)
		if err != nil {
			return "", err
		}
		out = append(out, r)
	}
	return string(out), nil
}

// vocabFile is the on-disk JSON form: one single-rune string per symbol, in
// id order.
type vocabFile struct {
	Symbols []string `json:"symbols"`
}

// SaveVocab writes the vocabulary as JSON.
func (v *Vocab) SaveVocab(path string) error {
	symbols := make([]string, len(v.toRune))
	for i, r := range v.toRune {
		symbols[i] = string(r)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.WithMessage(err, "vocab: save")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(vocabFile{Symbols: symbols})
}

// LoadVocab reads a vocabulary previously written by SaveVocab.
func LoadVocab(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithMessage(err, "vocab: load")
	}
	defer f.Close()

	var vf vocabFile
	if err := json.NewDecoder(f).Decode(&vf); err != nil {
		return nil, errors.WithMessage(err, "vocab: load")
	}
	if len(vf.Symbols) == 0 {
		return nil, errors.Errorf("vocab: %s has no symbols", path)
	}

	toRune := make([]rune, 0, len(vf.Symbols))
	toID := make(map[rune]int, len(vf.Symbols))
	for i, s := range vf.Symbols {
		r := []rune(s)
		if len(r) != 1 {
			return nil, errors.Errorf("vocab: symbol %q at id %d: expected one rune", s, i)
		}
		toRune = append(toRune, r[0])
		toID[r[0]] = i
	}
	return &Vocab{toID: toID, toRune: toRune}, nil
}
