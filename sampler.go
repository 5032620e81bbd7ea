package charlm

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Predictor is the trained next-character oracle the sampler drives. Logits
// returns unnormalized scores over the vocabulary for the position following
// context. Errors are surfaced to the sampler's caller, never swallowed.
type Predictor interface {
	Logits(context []int) ([]float32, error)
	VocabSize() int
}

// GenConfig configures sampling.
type GenConfig struct {
	// Temperature rescales logits before normalization; lower sharpens
	// toward the arg-max, higher flattens. Zero means the default of 1.0;
	// negative values are a configuration error.
	Temperature float32

	// TopK restricts candidates to the k highest-scoring symbols before
	// normalizing. 0 disables the filter. Values above the vocabulary size
	// are clamped to it.
	TopK int

	// Stochastic draws from the filtered distribution when true; otherwise
	// the highest-scoring symbol is taken, ties going to the lowest id.
	Stochastic bool

	// Seed fixes the sampler's private random source for reproducible runs.
	// Negative means a time-based seed.
	Seed int64
}

// Sampler generates new character ids from a trained Predictor, one id per
// step. A Sampler may be reused for several generation runs, but a single
// run's state lives in the Generation it hands out.
type Sampler struct {
	pred Predictor
	cfg  GenConfig
	rng  *rand.Rand
}

// NewSampler validates cfg against the predictor's vocabulary and returns a
// ready sampler.
func NewSampler(pred Predictor, cfg GenConfig) (*Sampler, error) {
	if pred == nil {
		return nil, errors.New("sampler: nil predictor")
	}
	if cfg.Temperature < 0 {
		return nil, errors.Errorf("sampler: temperature %v must be positive", cfg.Temperature)
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 1.0
	}
	if cfg.TopK < 0 {
		return nil, errors.Errorf("sampler: top-k %d must be >= 0", cfg.TopK)
	}
	if cfg.TopK > pred.VocabSize() {
		cfg.TopK = pred.VocabSize()
	}

	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		pred: pred,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(seed)),
	}, nil
}

// Generation is a lazy, finite, non-restartable run of generated ids. The
// context starts as the seed and grows by exactly one id per step; it is
// always fed to the predictor in full, never pruned to a trailing window.
type Generation struct {
	s         *Sampler
	context   []int
	remaining int
}

// Start begins a run that will produce exactly n ids after the seed context.
func (s *Sampler) Start(seed []int, n int) (*Generation, error) {
	if len(seed) == 0 {
		return nil, errors.New("sampler: empty seed context")
	}
	if n < 0 {
		return nil, errors.Errorf("sampler: cannot generate %d symbols", n)
	}
	vocab := s.pred.VocabSize()
	for i, id := range seed {
		if id < 0 || id >= vocab {
			return nil, errors.Errorf("sampler: seed id %d at position %d out of range [0, %d)", id, i, vocab)
		}
	}
	return &Generation{
		s:         s,
		context:   append([]int(nil), seed...),
		remaining: n,
	}, nil
}

// Next produces the next id. ok is false once the run has emitted its n ids.
func (g *Generation) Next() (id int, ok bool, err error) {
	if g.remaining <= 0 {
		return 0, false, nil
	}

	id, err = g.s.step(g.context)
	if err != nil {
		return 0, false, err
	}
	g.context = append(g.context, id)
	g.remaining--
	return id, true, nil
}

// Context returns a copy of the seed plus everything generated so far.
func (g *Generation) Context() []int {
	return append([]int(nil), g.context...)
}

// Sample eagerly runs a full generation and returns seed + generated ids.
// n = 0 returns a copy of the seed unchanged.
func (s *Sampler) Sample(seed []int, n int) ([]int, error) {
	gen, err := s.Start(seed, n)
	if err != nil {
		return nil, err
	}
	for {
		_, ok, err := gen.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return gen.Context(), nil
		}
	}
}

// step runs one round of the per-step pipeline: last-position logits,
// temperature, top-k truncation, softmax, then draw or arg-max.
func (s *Sampler) step(context []int) (int, error) {
	logits, err := s.pred.Logits(context)
	if err != nil {
		return 0, errors.WithMessage(err, "sampler: predictor")
	}
	vocab := s.pred.VocabSize()
	if len(logits) != vocab {
		return 0, errors.Errorf("sampler: predictor returned %d scores, vocabulary has %d", len(logits), vocab)
	}

	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = v / s.cfg.Temperature
	}

	if s.cfg.TopK > 0 && s.cfg.TopK < len(scaled) {
		topKFilter(scaled, s.cfg.TopK)
	}

	probs := softmax(scaled)

	if s.cfg.Stochastic {
		return s.draw(probs), nil
	}
	return argmax(probs), nil
}

// topKFilter keeps the k highest entries and sets the rest to -Inf so they
// get zero probability after softmax. Ordering is stable: ties at the
// boundary go to the lowest index.
func topKFilter(logits []float32, k int) {
	order := make([]int, len(logits))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return logits[order[a]] > logits[order[b]]
	})

	negInf := float32(math.Inf(-1))
	for _, i := range order[k:] {
		logits[i] = negInf
	}
}

func softmax(logits []float32) []float32 {
	maxv := float32(math.Inf(-1))
	for _, v := range logits {
		if v > maxv {
			maxv = v
		}
	}

	probs := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		if math.IsInf(float64(v), -1) {
			continue
		}
		e := float32(math.Exp(float64(v - maxv)))
		probs[i] = e
		sum += e
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}

// argmax picks the highest probability; the strict comparison breaks ties
// toward the lowest index.
func argmax(probs []float32) int {
	best := 0
	bestVal := probs[0]
	for i, v := range probs[1:] {
		if v > bestVal {
			bestVal = v
			best = i + 1
		}
	}
	return best
}

// draw samples one index from a categorical distribution.
func (s *Sampler) draw(probs []float32) int {
	r := s.rng.Float32()
	var cum float32
	last := 0
	for i, p := range probs {
		if p == 0 {
			continue
		}
		cum += p
		last = i
		if r <= cum {
			return i
		}
	}
	// Rounding can leave cum a hair under 1; fall back to the last
	// candidate that still had probability mass.
	return last
}
