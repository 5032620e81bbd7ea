package charlm

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// MLPConfig sizes a ContextMLP.
type MLPConfig struct {
	Window    int // context window length, typically the dataset block size
	EmbedDim  int
	HiddenDim int
}

// ContextMLP is a context-window MLP over concatenated character embeddings:
// one hidden ReLU layer, softmax cross-entropy, trained with Adam. It scores
// the single character following its window, so a training window of block
// size B is consumed as B prefix examples.
//
// The embedding table carries one extra row, the internal pad symbol used to
// left-fill contexts shorter than the window. It is never scored or emitted.
type ContextMLP struct {
	embed [][]float32 // (vocab+1) x dim, last row is pad
	w1    [][]float32 // window*dim x hidden
	b1    []float32
	w2    [][]float32 // hidden x vocab
	b2    []float32

	window    int
	dim       int
	hidden    int
	vocabSize int

	rng *rand.Rand
}

// NewContextMLP initializes a model for the given vocabulary size. seed
// fixes weight initialization and dropout for reproducible training.
func NewContextMLP(vocabSize int, cfg MLPConfig, seed int64) (*ContextMLP, error) {
	if vocabSize < 1 {
		return nil, errors.Errorf("mlp: vocabulary size %d must be positive", vocabSize)
	}
	if cfg.Window < 1 || cfg.EmbedDim < 1 || cfg.HiddenDim < 1 {
		return nil, errors.Errorf("mlp: window %d, embed dim %d and hidden dim %d must all be positive",
			cfg.Window, cfg.EmbedDim, cfg.HiddenDim)
	}

	rng := rand.New(rand.NewSource(seed))
	scaleE := float32(0.05)
	scale1 := float32(1.0 / math.Sqrt(float64(cfg.EmbedDim*cfg.Window)))
	scale2 := float32(1.0 / math.Sqrt(float64(cfg.HiddenDim)))

	return &ContextMLP{
		embed:     randMat(rng, vocabSize+1, cfg.EmbedDim, scaleE),
		w1:        randMat(rng, cfg.Window*cfg.EmbedDim, cfg.HiddenDim, scale1),
		b1:        make([]float32, cfg.HiddenDim),
		w2:        randMat(rng, cfg.HiddenDim, vocabSize, scale2),
		b2:        make([]float32, vocabSize),
		window:    cfg.Window,
		dim:       cfg.EmbedDim,
		hidden:    cfg.HiddenDim,
		vocabSize: vocabSize,
		rng:       rng,
	}, nil
}

// VocabSize implements Predictor.
func (m *ContextMLP) VocabSize() int {
	return m.vocabSize
}

// Window returns the fixed context window length.
func (m *ContextMLP) Window() int {
	return m.window
}

// NumParams returns the total trainable parameter count.
func (m *ContextMLP) NumParams() int {
	return (m.vocabSize+1)*m.dim +
		m.window*m.dim*m.hidden + m.hidden +
		m.hidden*m.vocabSize + m.vocabSize
}

// padID is the embedding row used to left-fill short contexts.
func (m *ContextMLP) padID() int {
	return m.vocabSize
}

// Logits implements Predictor. The context may have any positive length;
// the model uses its trailing window ids, left-padding shorter contexts.
// This windowing is the model's own policy, the sampler never prunes.
func (m *ContextMLP) Logits(context []int) ([]float32, error) {
	if len(context) == 0 {
		return nil, errors.New("mlp: empty context")
	}
	for i, id := range context {
		if id < 0 || id >= m.vocabSize {
			return nil, errors.Errorf("mlp: context id %d at position %d out of range [0, %d)", id, i, m.vocabSize)
		}
	}

	ctx := m.windowed(context)
	cache := m.forward(ctx, false, 0)
	return cache.logits, nil
}

// windowed returns the trailing window of ids, left-padded with padID.
func (m *ContextMLP) windowed(context []int) []int {
	return leftPad(context, m.window, m.padID())
}

// leftPad takes the trailing window ids of context, left-filling with padID
// when the context is shorter than the window.
func leftPad(context []int, window, padID int) []int {
	ctx := make([]int, window)
	for i := range ctx {
		ctx[i] = padID
	}
	tail := context
	if len(tail) > window {
		tail = tail[len(tail)-window:]
	}
	copy(ctx[window-len(tail):], tail)
	return ctx
}

type mlpCache struct {
	ctx    []int
	x      []float32 // concatenated embeddings, window*dim
	hpre   []float32
	hact   []float32
	dmask  []float32
	logits []float32
}

func (m *ContextMLP) forward(ctx []int, train bool, dropout float32) mlpCache {
	x := make([]float32, m.window*m.dim)
	for w, id := range ctx {
		copy(x[w*m.dim:(w+1)*m.dim], m.embed[id])
	}

	hpre := make([]float32, m.hidden)
	for r := 0; r < m.window*m.dim; r++ {
		xr := x[r]
		if xr == 0 {
			continue
		}
		row := m.w1[r]
		for h := 0; h < m.hidden; h++ {
			hpre[h] += xr * row[h]
		}
	}
	for h := 0; h < m.hidden; h++ {
		hpre[h] += m.b1[h]
	}

	hact := make([]float32, m.hidden)
	dmask := make([]float32, m.hidden)
	for h, v := range hpre {
		if v > 0 {
			hact[h] = v
		}
		dmask[h] = 1
	}
	if train && dropout > 0 {
		scale := 1 / (1 - dropout)
		for h := range hact {
			if m.rng.Float32() < dropout {
				hact[h] = 0
				dmask[h] = 0
			} else {
				hact[h] *= scale
				dmask[h] = scale
			}
		}
	}

	logits := make([]float32, m.vocabSize)
	copy(logits, m.b2)
	for h, a := range hact {
		if a == 0 {
			continue
		}
		row := m.w2[h]
		for j := 0; j < m.vocabSize; j++ {
			logits[j] += a * row[j]
		}
	}

	return mlpCache{ctx: ctx, x: x, hpre: hpre, hact: hact, dmask: dmask, logits: logits}
}

type mlpGrads struct {
	embed [][]float32
	w1    [][]float32
	b1    []float32
	w2    [][]float32
	b2    []float32
}

func (m *ContextMLP) zeroGrads() *mlpGrads {
	return &mlpGrads{
		embed: zerosMat(m.vocabSize+1, m.dim),
		w1:    zerosMat(m.window*m.dim, m.hidden),
		b1:    make([]float32, m.hidden),
		w2:    zerosMat(m.hidden, m.vocabSize),
		b2:    make([]float32, m.vocabSize),
	}
}

// backward accumulates gradients for one example given dlogits, the
// softmax-minus-one-hot error at the output.
func (m *ContextMLP) backward(g *mlpGrads, c mlpCache, dlogits []float32) {
	for j, d := range dlogits {
		g.b2[j] += d
	}

	dh := make([]float32, m.hidden)
	for h := 0; h < m.hidden; h++ {
		var sum float32
		row := m.w2[h]
		gw2 := g.w2[h]
		a := c.hact[h]
		for j, d := range dlogits {
			gw2[j] += a * d
			sum += row[j] * d
		}
		if c.hpre[h] > 0 {
			dh[h] = c.dmask[h] * sum
		}
	}

	for h, d := range dh {
		g.b1[h] += d
	}
	dx := make([]float32, m.window*m.dim)
	for r := 0; r < m.window*m.dim; r++ {
		xr := c.x[r]
		row := m.w1[r]
		gw1 := g.w1[r]
		var sum float32
		for h, d := range dh {
			if d != 0 {
				gw1[h] += xr * d
				sum += row[h] * d
			}
		}
		dx[r] = sum
	}

	for w, id := range c.ctx {
		base := w * m.dim
		ge := g.embed[id]
		for k := 0; k < m.dim; k++ {
			ge[k] += dx[base+k]
		}
	}
}

// addWeightDecay applies L2 regularization to the dense layers.
func (m *ContextMLP) addWeightDecay(g *mlpGrads, l2 float32) {
	if l2 <= 0 {
		return
	}
	for i := range m.w1 {
		for j := range m.w1[i] {
			g.w1[i][j] += l2 * m.w1[i][j]
		}
	}
	for i := range m.w2 {
		for j := range m.w2[i] {
			g.w2[i][j] += l2 * m.w2[i][j]
		}
	}
}

// AdamConfig parameterizes the Adam optimizer.
type AdamConfig struct {
	LR    float32
	Beta1 float32
	Beta2 float32
	Eps   float32
	Clip  float32 // per-element gradient clip, 0 disables
}

// DefaultAdamConfig returns the usual Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LR: 1e-3, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, Clip: 1.0}
}

type adamState struct {
	mEmbed, vEmbed [][]float32
	mW1, vW1       [][]float32
	mB1, vB1       []float32
	mW2, vW2       [][]float32
	mB2, vB2       []float32
	t              int
}

func (m *ContextMLP) newAdamState() *adamState {
	return &adamState{
		mEmbed: zerosMat(m.vocabSize+1, m.dim), vEmbed: zerosMat(m.vocabSize+1, m.dim),
		mW1: zerosMat(m.window*m.dim, m.hidden), vW1: zerosMat(m.window*m.dim, m.hidden),
		mB1: make([]float32, m.hidden), vB1: make([]float32, m.hidden),
		mW2: zerosMat(m.hidden, m.vocabSize), vW2: zerosMat(m.hidden, m.vocabSize),
		mB2: make([]float32, m.vocabSize), vB2: make([]float32, m.vocabSize),
	}
}

func (m *ContextMLP) applyAdam(st *adamState, g *mlpGrads, cfg AdamConfig) {
	st.t++
	b1c := 1 - float32(math.Pow(float64(cfg.Beta1), float64(st.t)))
	b2c := 1 - float32(math.Pow(float64(cfg.Beta2), float64(st.t)))

	clip := func(x float32) float32 {
		if cfg.Clip <= 0 {
			return x
		}
		if x > cfg.Clip {
			return cfg.Clip
		}
		if x < -cfg.Clip {
			return -cfg.Clip
		}
		return x
	}

	updMat := func(w, mw, vw, gw [][]float32) {
		for i := range w {
			for j := range w[i] {
				gij := clip(gw[i][j])
				mw[i][j] = cfg.Beta1*mw[i][j] + (1-cfg.Beta1)*gij
				vw[i][j] = cfg.Beta2*vw[i][j] + (1-cfg.Beta2)*gij*gij
				mh := mw[i][j] / b1c
				vh := vw[i][j] / b2c
				w[i][j] -= cfg.LR * mh / (float32(math.Sqrt(float64(vh))) + cfg.Eps)
			}
		}
	}
	updVec := func(w, mw, vw, gw []float32) {
		for i := range w {
			gi := clip(gw[i])
			mw[i] = cfg.Beta1*mw[i] + (1-cfg.Beta1)*gi
			vw[i] = cfg.Beta2*vw[i] + (1-cfg.Beta2)*gi*gi
			mh := mw[i] / b1c
			vh := vw[i] / b2c
			w[i] -= cfg.LR * mh / (float32(math.Sqrt(float64(vh))) + cfg.Eps)
		}
	}

	updMat(m.embed, st.mEmbed, st.vEmbed, g.embed)
	updMat(m.w1, st.mW1, st.vW1, g.w1)
	updVec(m.b1, st.mB1, st.vB1, g.b1)
	updMat(m.w2, st.mW2, st.vW2, g.w2)
	updVec(m.b2, st.mB2, st.vB2, g.b2)
}

func randMat(rng *rand.Rand, rows, cols int, scale float32) [][]float32 {
	mat := make([][]float32, rows)
	for i := range mat {
		mat[i] = make([]float32, cols)
		for j := range mat[i] {
			mat[i][j] = (rng.Float32()*2 - 1) * scale
		}
	}
	return mat
}

func zerosMat(rows, cols int) [][]float32 {
	mat := make([][]float32, rows)
	for i := range mat {
		mat[i] = make([]float32, cols)
	}
	return mat
}
