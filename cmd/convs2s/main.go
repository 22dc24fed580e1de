// Command convs2s trains a small convolutional seq2seq model on a synthetic
// toy task (sequence reversal or copy) and decodes a few samples, exercising
// the full train -> checkpoint -> reload -> translate pipeline with toy token
// ids (0 = EOS, 1 = UNK, 2.. = content).
package main

import (
	"flag"
	"log"
	"math/rand"

	"github.com/fumi-engineer/convs2s"
)

func main() {
	var (
		layers     int
		units      int
		steps      int
		batch      int
		vocab      int
		dropout    float64
		lr         float64
		seed       int64
		checkpoint string
		task       string
	)

	flag.IntVar(&layers, "layers", 2, "encoder/decoder depth")
	flag.IntVar(&units, "units", 64, "embedding and hidden units")
	flag.IntVar(&steps, "steps", 400, "training steps")
	flag.IntVar(&batch, "batch", 16, "sequences per step")
	flag.IntVar(&vocab, "vocab", 30, "vocabulary size, ids 2..vocab-1 are content")
	flag.Float64Var(&dropout, "dropout", 0.1, "dropout rate")
	flag.Float64Var(&lr, "lr", 1e-3, "peak learning rate")
	flag.Int64Var(&seed, "seed", 42, "seed for weights, dropout and data")
	flag.StringVar(&checkpoint, "checkpoint", "", "if set, save weights here and decode from the reloaded model")
	flag.StringVar(&task, "task", "reverse", "toy task: reverse or copy")
	flag.Parse()

	if task != "reverse" && task != "copy" {
		log.Fatalf("unknown -task %q (want reverse or copy)", task)
	}

	cfg := convs2s.Config{
		NLayers:     layers,
		SourceVocab: vocab,
		TargetVocab: vocab,
		Units:       units,
		Width:       5,
		MaxLength:   64,
		Dropout:     float32(dropout),
		Seed:        seed,
	}
	model := convs2s.NewSeq2Seq(cfg)
	log.Printf("%s task: %d layers, %d units, %d params", task, layers, units, cfg.TotalParams())

	tcfg := convs2s.DefaultTrainConfig()
	tcfg.LR = float32(lr)
	tcfg.TotalSteps = steps
	tcfg.WarmupSteps = steps / 10
	if tcfg.WarmupSteps < 1 {
		tcfg.WarmupSteps = 1
	}
	trainer := convs2s.NewTrainer(model, tcfg)

	rng := rand.New(rand.NewSource(seed))
	for step := 1; step <= steps; step++ {
		src, yIn, yOut := toyBatch(rng, batch, vocab, task)
		loss, perp := trainer.TrainStep(src, yIn, yOut)
		if step == 1 || step%50 == 0 {
			log.Printf("step %4d  lr %.2e  loss %.4f  perp %.2f", step, trainer.GetLR(), loss, perp)
		}
	}

	if checkpoint != "" {
		if err := model.Save(checkpoint); err != nil {
			log.Fatalf("save checkpoint: %s", err)
		}
		reloaded, err := convs2s.LoadSeq2Seq(checkpoint)
		if err != nil {
			log.Fatalf("load checkpoint: %s", err)
		}
		model = reloaded
		log.Printf("weights saved to %s and reloaded", checkpoint)
	}

	sources := [][]int{
		{2, 3, 4, 5, convs2s.EOSID},
		{7, 8, 9, convs2s.EOSID},
		{11, 12, 13, 14, 15, 16, convs2s.EOSID},
	}
	outs := model.Translate(sources, convs2s.DefaultMaxDecodeLength)
	for i, src := range sources {
		want := targetIDs(task, src[:len(src)-1])
		log.Printf("src %v -> %v (want %v)", src[:len(src)-1], outs[i], want)
	}
}

// toyBatch builds one batch of the toy task: the target sequence is the
// source reversed or copied. Both sides end with EOS; the decoder input is
// the target shifted right behind a leading EOS.
func toyBatch(rng *rand.Rand, batch, vocab int, task string) (src, yIn, yOut [][]int) {
	src = make([][]int, batch)
	yIn = make([][]int, batch)
	yOut = make([][]int, batch)
	for b := 0; b < batch; b++ {
		n := 3 + rng.Intn(6)
		ids := make([]int, n)
		for i := range ids {
			ids[i] = 2 + rng.Intn(vocab-2)
		}
		tgt := targetIDs(task, ids)

		src[b] = append(ids, convs2s.EOSID)
		yIn[b] = append([]int{convs2s.EOSID}, tgt...)
		yOut[b] = append(tgt, convs2s.EOSID)
	}
	return convs2s.PadBlock(src), convs2s.PadBlock(yIn), convs2s.PadBlock(yOut)
}

// targetIDs derives the toy-task target for a content sequence.
func targetIDs(task string, ids []int) []int {
	if task == "copy" {
		return append([]int(nil), ids...)
	}
	return reverseIDs(ids)
}

func reverseIDs(ids []int) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}
