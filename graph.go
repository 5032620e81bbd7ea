package charlm

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

// GraphLM is the gorgonia-backed predictor: the same context-window MLP as
// ContextMLP, but expressed as an expression graph and trained by gorgonia's
// Adam solver over a tape machine. Context characters enter as a one-hot
// matrix so the embedding lookup is a single matrix product.
type GraphLM struct {
	g *gorgonia.ExprGraph

	embed, w1, b1, w2, b2 *gorgonia.Node
	input, target         *gorgonia.Node
	logits, loss          *gorgonia.Node

	vm     gorgonia.VM
	solver gorgonia.Solver

	window    int
	dim       int
	hidden    int
	vocabSize int
}

// GraphConfig sizes a GraphLM.
type GraphConfig struct {
	Window    int
	EmbedDim  int
	HiddenDim int
	LR        float64
}

// NewGraphLM builds the expression graph, its gradient nodes and the tape
// machine. One extra one-hot column is the internal pad symbol, as in
// ContextMLP.
func NewGraphLM(vocabSize int, cfg GraphConfig) (*GraphLM, error) {
	if vocabSize < 1 {
		return nil, errors.Errorf("graphlm: vocabulary size %d must be positive", vocabSize)
	}
	if cfg.Window < 1 || cfg.EmbedDim < 1 || cfg.HiddenDim < 1 {
		return nil, errors.Errorf("graphlm: window %d, embed dim %d and hidden dim %d must all be positive",
			cfg.Window, cfg.EmbedDim, cfg.HiddenDim)
	}
	if cfg.LR <= 0 {
		cfg.LR = 1e-3
	}

	g := gorgonia.NewGraph()
	m := &GraphLM{
		g:         g,
		window:    cfg.Window,
		dim:       cfg.EmbedDim,
		hidden:    cfg.HiddenDim,
		vocabSize: vocabSize,
	}

	m.input = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(cfg.Window, vocabSize+1),
		gorgonia.WithName("input"))
	m.target = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(1, vocabSize),
		gorgonia.WithName("target"))

	m.embed = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(vocabSize+1, cfg.EmbedDim),
		gorgonia.WithName("embed"),
		gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	m.w1 = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(cfg.Window*cfg.EmbedDim, cfg.HiddenDim),
		gorgonia.WithName("w1"),
		gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	m.b1 = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(1, cfg.HiddenDim),
		gorgonia.WithName("b1"),
		gorgonia.WithInit(gorgonia.Zeroes()))
	m.w2 = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(cfg.HiddenDim, vocabSize),
		gorgonia.WithName("w2"),
		gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	m.b2 = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(1, vocabSize),
		gorgonia.WithName("b2"),
		gorgonia.WithInit(gorgonia.Zeroes()))

	if err := m.build(); err != nil {
		return nil, err
	}

	if _, err := gorgonia.Grad(m.loss, m.learnables()...); err != nil {
		return nil, errors.WithMessage(err, "graphlm: gradients")
	}
	m.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(m.learnables()...))
	m.solver = gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.LR))
	return m, nil
}

// build wires input through the network to logits and cross-entropy loss.
func (m *GraphLM) build() error {
	looked, err := gorgonia.Mul(m.input, m.embed) // [window, dim]
	if err != nil {
		return errors.WithMessage(err, "graphlm: embedding lookup")
	}
	flat, err := gorgonia.Reshape(looked, tensor.Shape{1, m.window * m.dim})
	if err != nil {
		return errors.WithMessage(err, "graphlm: reshape")
	}

	h, err := gorgonia.Mul(flat, m.w1)
	if err != nil {
		return errors.WithMessage(err, "graphlm: hidden layer")
	}
	h, err = gorgonia.Add(h, m.b1)
	if err != nil {
		return errors.WithMessage(err, "graphlm: hidden bias")
	}
	h, err = gorgonia.Rectify(h)
	if err != nil {
		return errors.WithMessage(err, "graphlm: relu")
	}

	logits, err := gorgonia.Mul(h, m.w2)
	if err != nil {
		return errors.WithMessage(err, "graphlm: output layer")
	}
	logits, err = gorgonia.Add(logits, m.b2)
	if err != nil {
		return errors.WithMessage(err, "graphlm: output bias")
	}
	m.logits = logits

	probs, err := gorgonia.SoftMax(logits)
	if err != nil {
		return errors.WithMessage(err, "graphlm: softmax")
	}
	logProbs, err := gorgonia.Log(probs)
	if err != nil {
		return errors.WithMessage(err, "graphlm: log")
	}
	picked, err := gorgonia.HadamardProd(logProbs, m.target)
	if err != nil {
		return errors.WithMessage(err, "graphlm: pick target")
	}
	summed, err := gorgonia.Sum(picked)
	if err != nil {
		return errors.WithMessage(err, "graphlm: sum")
	}
	m.loss, err = gorgonia.Neg(summed)
	if err != nil {
		return errors.WithMessage(err, "graphlm: negate")
	}
	return nil
}

func (m *GraphLM) learnables() gorgonia.Nodes {
	return gorgonia.Nodes{m.embed, m.w1, m.b1, m.w2, m.b2}
}

// VocabSize implements Predictor.
func (m *GraphLM) VocabSize() int {
	return m.vocabSize
}

// Window returns the fixed context window length.
func (m *GraphLM) Window() int {
	return m.window
}

// Close releases the tape machine.
func (m *GraphLM) Close() error {
	return m.vm.Close()
}

// oneHot encodes a windowed context as a [window, vocab+1] one-hot matrix.
func (m *GraphLM) oneHot(ctx []int) *tensor.Dense {
	width := m.vocabSize + 1
	backing := make([]float32, m.window*width)
	for w, id := range ctx {
		backing[w*width+id] = 1
	}
	return tensor.New(tensor.WithShape(m.window, width), tensor.WithBacking(backing))
}

func (m *GraphLM) targetOneHot(id int) *tensor.Dense {
	backing := make([]float32, m.vocabSize)
	if id >= 0 {
		backing[id] = 1
	}
	return tensor.New(tensor.WithShape(1, m.vocabSize), tensor.WithBacking(backing))
}

// run executes one forward (and gradient) pass for the given context and
// target one-hot.
func (m *GraphLM) run(ctx []int, target int) error {
	if err := gorgonia.Let(m.input, m.oneHot(ctx)); err != nil {
		return errors.WithMessage(err, "graphlm: set input")
	}
	if err := gorgonia.Let(m.target, m.targetOneHot(target)); err != nil {
		return errors.WithMessage(err, "graphlm: set target")
	}
	m.vm.Reset()
	if err := m.vm.RunAll(); err != nil {
		return errors.WithMessage(err, "graphlm: run")
	}
	return nil
}

// Logits implements Predictor, using the trailing window of the context,
// left-padded with the pad symbol. The sampler never prunes; this windowing
// is the model's own policy.
func (m *GraphLM) Logits(context []int) ([]float32, error) {
	if len(context) == 0 {
		return nil, errors.New("graphlm: empty context")
	}
	for i, id := range context {
		if id < 0 || id >= m.vocabSize {
			return nil, errors.Errorf("graphlm: context id %d at position %d out of range [0, %d)", id, i, m.vocabSize)
		}
	}

	// Target -1 leaves the loss term zero; only the logits are read.
	if err := m.run(leftPad(context, m.window, m.vocabSize), -1); err != nil {
		return nil, err
	}
	data, ok := m.logits.Value().Data().([]float32)
	if !ok {
		return nil, errors.New("graphlm: unexpected logits value type")
	}
	return append([]float32(nil), data...), nil
}

// TrainStep runs one example through the graph and applies an Adam step.
// Returns the example's cross-entropy loss.
func (m *GraphLM) TrainStep(ctx []int, target int) (float64, error) {
	if len(ctx) != m.window {
		return 0, errors.Errorf("graphlm: context length %d does not match window %d", len(ctx), m.window)
	}
	if target < 0 || target >= m.vocabSize {
		return 0, errors.Errorf("graphlm: target %d out of range [0, %d)", target, m.vocabSize)
	}

	if err := m.run(ctx, target); err != nil {
		return 0, err
	}
	lossVal, ok := m.loss.Value().Data().(float32)
	if !ok {
		return 0, errors.New("graphlm: unexpected loss value type")
	}
	if err := m.solver.Step(gorgonia.NodesToValueGrads(m.learnables())); err != nil {
		return 0, errors.WithMessage(err, "graphlm: solver step")
	}
	return float64(lossVal), nil
}

// FitGraphLM trains a fresh GraphLM over the dataset's windows, one example
// per step, for the configured number of epochs.
func FitGraphLM(ds *Dataset, cfg GraphConfig, epochs int, seed int64) (*GraphLM, error) {
	if ds == nil {
		return nil, errors.New("graphlm: nil dataset")
	}
	if epochs < 1 {
		return nil, errors.Errorf("graphlm: epochs %d must be positive", epochs)
	}
	if cfg.Window == 0 {
		cfg.Window = ds.BlockSize()
	}

	m, err := NewGraphLM(ds.Vocab().Size(), cfg)
	if err != nil {
		return nil, err
	}

	samples, err := windowSamples(ds, m.window, m.vocabSize)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))

	for epoch := 0; epoch < epochs; epoch++ {
		rng.Shuffle(len(samples), func(i, j int) { samples[i], samples[j] = samples[j], samples[i] })
		var lossSum float64
		for _, s := range samples {
			loss, err := m.TrainStep(s.ctx, s.target)
			if err != nil {
				return nil, err
			}
			lossSum += loss
		}
		klog.V(1).Infof("graphlm: epoch %d loss=%.4f", epoch, lossSum/float64(len(samples)))
	}
	return m, nil
}
