package main

import (
	"bufio"
	"crypto/sha256"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"charlm"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "train":
		runTrain(os.Args[2:])
	case "generate":
		runGenerate(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("charlm - character-level language model")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  charlm train -corpus FILE -out DIR [options]")
	fmt.Println("  charlm generate -model DIR [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train     Train a model on a text corpus")
	fmt.Println("  generate  Read prompts from stdin and sample continuations")
}

func runTrain(args []string) {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	klog.InitFlags(fs)

	corpusPath := fs.String("corpus", "", "path to training corpus (required)")
	outDir := fs.String("out", "", "output directory for the checkpoint (required)")
	backend := fs.String("backend", "mlp", "model backend: mlp or graph")
	block := fs.Int("block", 16, "context window / block size")
	dim := fs.Int("dim", 16, "embedding dimension")
	hidden := fs.Int("hidden", 64, "hidden layer size")
	batch := fs.Int("batch", 64, "batch size")
	dropout := fs.Float64("dropout", 0.1, "dropout probability")
	l2 := fs.Float64("l2", 1e-5, "L2 weight decay")
	epochs := fs.Int("epochs", 30, "training epochs")
	lr := fs.Float64("lr", 1e-3, "learning rate")
	patience := fs.Int("patience", 5, "early-stopping patience in epochs (0 disables)")
	seed := fs.Int64("seed", 1337, "random seed")
	fs.Parse(args)

	if *corpusPath == "" || *outDir == "" {
		fmt.Fprintln(os.Stderr, "error: -corpus and -out are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	data, err := os.ReadFile(*corpusPath)
	if err != nil {
		fatal(err)
	}
	corpus := string(data)
	hash := fmt.Sprintf("%x", sha256.Sum256(data))[:16]
	fmt.Printf("corpus: %s characters (hash %s)\n", humanize.Comma(int64(len([]rune(corpus)))), hash)

	vocab, err := charlm.NewVocab(corpus)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("vocabulary: %d symbols\n", vocab.Size())

	ds, err := charlm.NewDataset(corpus, vocab, *block)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("dataset: %s windows of block size %d\n", humanize.Comma(int64(ds.Len())), *block)

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fatal(err)
	}

	if *backend == "graph" {
		trainGraph(ds, vocab, corpus, *dim, *hidden, *epochs, *lr, *seed)
		return
	}

	cfg := charlm.TrainConfig{
		EmbedDim:  *dim,
		HiddenDim: *hidden,
		BatchSize: *batch,
		Epochs:    *epochs,
		Dropout:   float32(*dropout),
		L2:        float32(*l2),
		Adam:      charlm.DefaultAdamConfig(),
		Patience:  *patience,
		Seed:      *seed,
		Progress:  true,
	}
	cfg.Adam.LR = float32(*lr)

	model, report, err := charlm.Train(ds, cfg)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("model: %s parameters\n", humanize.Comma(int64(model.NumParams())))
	fmt.Printf("best validation loss %.4f (perplexity %.2f)\n", report.BestValLoss, math.Exp(report.BestValLoss))

	if err := model.Save(filepath.Join(*outDir, "model.gob")); err != nil {
		fatal(err)
	}
	if err := vocab.SaveVocab(filepath.Join(*outDir, "vocab.json")); err != nil {
		fatal(err)
	}
	if err := report.Save(filepath.Join(*outDir, "metrics.json")); err != nil {
		fatal(err)
	}
	manifest := charlm.Manifest{
		CorpusPath: *corpusPath,
		CorpusHash: hash,
		BlockSize:  *block,
		EmbedDim:   *dim,
		HiddenDim:  *hidden,
		BatchSize:  *batch,
		Epochs:     *epochs,
		VocabSize:  vocab.Size(),
		Seed:       *seed,
		TrainedAt:  time.Now(),
	}
	if err := manifest.Save(filepath.Join(*outDir, "manifest.json")); err != nil {
		fatal(err)
	}
	fmt.Printf("checkpoint written to %s\n", *outDir)

	printSample(model, vocab, corpus, *block, *seed)
}

// trainGraph trains the gorgonia backend. It has no checkpoint format, so
// it only reports a sample.
func trainGraph(ds *charlm.Dataset, vocab *charlm.Vocab, corpus string, dim, hidden, epochs int, lr float64, seed int64) {
	model, err := charlm.FitGraphLM(ds, charlm.GraphConfig{
		EmbedDim:  dim,
		HiddenDim: hidden,
		LR:        lr,
	}, epochs, seed)
	if err != nil {
		fatal(err)
	}
	defer model.Close()

	printSample(model, vocab, corpus, ds.BlockSize(), seed)
}

// printSample generates a short continuation of the corpus opening.
func printSample(pred charlm.Predictor, vocab *charlm.Vocab, corpus string, block int, seed int64) {
	runes := []rune(corpus)
	if len(runes) > block {
		runes = runes[:block]
	}
	seedIDs, err := vocab.Encode(string(runes))
	if err != nil {
		fatal(err)
	}

	sampler, err := charlm.NewSampler(pred, charlm.GenConfig{
		Temperature: 0.8,
		TopK:        20,
		Stochastic:  true,
		Seed:        seed,
	})
	if err != nil {
		fatal(err)
	}
	out, err := sampler.Sample(seedIDs, 120)
	if err != nil {
		fatal(err)
	}
	text, err := vocab.Decode(out)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("sample: %q\n", text)
}

func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	klog.InitFlags(fs)

	modelDir := fs.String("model", "", "checkpoint directory (required)")
	n := fs.Int("n", 200, "number of characters to generate")
	temp := fs.Float64("temp", 0.8, "sampling temperature")
	topK := fs.Int("topk", 40, "top-k truncation (0 disables)")
	greedy := fs.Bool("greedy", false, "always take the arg-max instead of sampling")
	seed := fs.Int64("seed", -1, "random seed (-1 for time-based)")
	fs.Parse(args)

	if *modelDir == "" {
		fmt.Fprintln(os.Stderr, "error: -model is required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	model, err := charlm.LoadContextMLP(filepath.Join(*modelDir, "model.gob"))
	if err != nil {
		fatal(err)
	}
	vocab, err := charlm.LoadVocab(filepath.Join(*modelDir, "vocab.json"))
	if err != nil {
		fatal(err)
	}

	sampler, err := charlm.NewSampler(model, charlm.GenConfig{
		Temperature: float32(*temp),
		TopK:        *topK,
		Stochastic:  !*greedy,
		Seed:        *seed,
	})
	if err != nil {
		fatal(err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		prompt := strings.TrimRight(scanner.Text(), "\r\n")
		if prompt == "" {
			continue
		}

		seedIDs, err := vocab.Encode(prompt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		out, err := sampler.Sample(seedIDs, *n)
		if err != nil {
			fatal(err)
		}
		text, err := vocab.Decode(out[len(seedIDs):])
		if err != nil {
			fatal(err)
		}
		fmt.Println(prompt + text)
	}
	if err := scanner.Err(); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
