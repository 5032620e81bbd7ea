package charlm

import (
	"encoding/json"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// TrainConfig configures a training run over a Dataset.
type TrainConfig struct {
	EmbedDim  int
	HiddenDim int
	BatchSize int
	Epochs    int
	Dropout   float32
	L2        float32
	Adam      AdamConfig

	// ValFraction is the trailing share of examples held out for
	// validation. Zero means 0.1.
	ValFraction float64

	// Patience stops training after this many epochs without validation
	// improvement. Zero disables early stopping.
	Patience int

	Seed     int64
	Progress bool
}

// EpochMetrics records one epoch of a training run.
type EpochMetrics struct {
	Epoch      int     `json:"epoch"`
	TrainLoss  float64 `json:"train_loss"`
	ValLoss    float64 `json:"val_loss"`
	Perplexity float64 `json:"perplexity"`
}

// TrainReport is the metrics history of a completed run.
type TrainReport struct {
	Epochs      []EpochMetrics `json:"epochs"`
	BestValLoss float64        `json:"best_val_loss"`
}

// Save writes the report as indented JSON.
func (r *TrainReport) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithMessage(err, "train: save report")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

type trainSample struct {
	ctx    []int // already windowed to the model's context length
	target int
}

// Train fits a ContextMLP on the dataset's windows. The model's context
// window equals the dataset's block size. Every supervised position of every
// window is consumed: full windows supply their final position, and the
// first window additionally supplies its padded prefixes so the early corpus
// positions are covered. The best model by validation loss is returned.
func Train(ds *Dataset, cfg TrainConfig) (*ContextMLP, *TrainReport, error) {
	if ds == nil {
		return nil, nil, errors.New("train: nil dataset")
	}
	if cfg.Epochs < 1 {
		return nil, nil, errors.Errorf("train: epochs %d must be positive", cfg.Epochs)
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 64
	}
	if cfg.ValFraction <= 0 || cfg.ValFraction >= 1 {
		cfg.ValFraction = 0.1
	}
	if cfg.Adam.LR == 0 {
		cfg.Adam = DefaultAdamConfig()
	}

	model, err := NewContextMLP(ds.Vocab().Size(), MLPConfig{
		Window:    ds.BlockSize(),
		EmbedDim:  cfg.EmbedDim,
		HiddenDim: cfg.HiddenDim,
	}, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}

	samples, err := windowSamples(ds, model.Window(), model.padID())
	if err != nil {
		return nil, nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	rng.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })

	split := len(samples) - int(float64(len(samples))*cfg.ValFraction)
	if split < 1 {
		split = 1
	}
	trainS := samples[:split]
	valS := samples[split:]
	klog.V(1).Infof("train: %d training samples, %d validation samples", len(trainS), len(valS))

	var bar *progressbar.ProgressBar
	if cfg.Progress {
		bar = progressbar.Default(int64(cfg.Epochs), "training")
	}

	st := model.newAdamState()
	report := &TrainReport{BestValLoss: math.Inf(1)}
	var best *ContextMLP
	sinceBest := 0

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(trainS), func(i, j int) { trainS[i], trainS[j] = trainS[j], trainS[i] })

		var lossSum float64
		batches := 0
		for start := 0; start < len(trainS); start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > len(trainS) {
				end = len(trainS)
			}
			lossSum += model.trainBatch(st, trainS[start:end], cfg)
			batches++
		}

		valLoss := evalLoss(model, valS)
		trainLoss := lossSum / float64(batches)
		report.Epochs = append(report.Epochs, EpochMetrics{
			Epoch:      epoch,
			TrainLoss:  trainLoss,
			ValLoss:    valLoss,
			Perplexity: math.Exp(valLoss),
		})
		klog.V(1).Infof("train: epoch %d train=%.4f val=%.4f ppl=%.2f", epoch, trainLoss, valLoss, math.Exp(valLoss))

		if valLoss < report.BestValLoss {
			report.BestValLoss = valLoss
			best = model.clone()
			sinceBest = 0
		} else {
			sinceBest++
		}

		if bar != nil {
			_ = bar.Add(1)
		}

		if cfg.Patience > 0 && sinceBest >= cfg.Patience {
			klog.V(1).Infof("train: early stop at epoch %d, no improvement for %d epochs", epoch, sinceBest)
			break
		}
	}

	if best == nil {
		best = model
	}
	return best, report, nil
}

// windowSamples expands the dataset into per-position training examples for
// a model with the given context window and pad id.
func windowSamples(ds *Dataset, window, padID int) ([]trainSample, error) {
	block := ds.BlockSize()
	samples := make([]trainSample, 0, ds.Len()+block-1)

	in0, tg0, err := ds.At(0)
	if err != nil {
		return nil, err
	}
	// Prefixes of the first window cover the corpus positions before a
	// full window exists.
	for i := 0; i < block-1; i++ {
		samples = append(samples, trainSample{ctx: leftPad(in0[:i+1], window, padID), target: tg0[i]})
	}

	for idx := 0; idx < ds.Len(); idx++ {
		input, target, err := ds.At(idx)
		if err != nil {
			return nil, err
		}
		samples = append(samples, trainSample{ctx: leftPad(input, window, padID), target: target[block-1]})
	}
	return samples, nil
}

// trainBatch runs forward, cross-entropy and backward over one mini-batch
// and applies one Adam step. Returns the mean batch loss.
func (m *ContextMLP) trainBatch(st *adamState, batch []trainSample, cfg TrainConfig) float64 {
	grads := m.zeroGrads()
	var lossSum float64
	inv := 1 / float32(len(batch))

	for _, s := range batch {
		cache := m.forward(s.ctx, true, cfg.Dropout)
		probs := softmax(cache.logits)
		lossSum += -math.Log(math.Max(1e-12, float64(probs[s.target])))

		dlogits := make([]float32, len(probs))
		copy(dlogits, probs)
		dlogits[s.target]--
		for j := range dlogits {
			dlogits[j] *= inv
		}
		m.backward(grads, cache, dlogits)
	}

	m.addWeightDecay(grads, cfg.L2)
	m.applyAdam(st, grads, cfg.Adam)
	return lossSum / float64(len(batch))
}

// evalLoss computes the mean cross-entropy over samples without dropout.
func evalLoss(m *ContextMLP, samples []trainSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		cache := m.forward(s.ctx, false, 0)
		probs := softmax(cache.logits)
		sum += -math.Log(math.Max(1e-12, float64(probs[s.target])))
	}
	return sum / float64(len(samples))
}

// clone deep-copies the model parameters (optimizer state is not cloned).
func (m *ContextMLP) clone() *ContextMLP {
	cp := *m
	cp.embed = copyMat(m.embed)
	cp.w1 = copyMat(m.w1)
	cp.b1 = append([]float32(nil), m.b1...)
	cp.w2 = copyMat(m.w2)
	cp.b2 = append([]float32(nil), m.b2...)
	return &cp
}

func copyMat(src [][]float32) [][]float32 {
	dst := make([][]float32, len(src))
	for i := range src {
		dst[i] = append([]float32(nil), src[i]...)
	}
	return dst
}
