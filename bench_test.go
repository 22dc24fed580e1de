// SPDX-License-Identifier: CC-BY-4.0
// Copyright (c) 2025-2026 fumi-engineer

package convs2s

// Performance harness for the convolutional seq2seq model.
//
// Measures four workload groups:
//   1. Memory — allocation rate and GC behavior of training steps and
//      forward passes at growing batch and sequence sizes
//   2. Kernels — sgemm, softmax, and the gated convolution in isolation
//   3. Decoding — greedy translation throughput
//   4. Parallelism — goroutine scaling with independent models + WaitGroup
//
// Output: JSON to stdout, one record per scenario, for tracking runs over
// time. Runs as a Go test rather than a testing.B benchmark because each
// scenario also records RSS, GC pauses, and numerical sanity counters that
// the standard benchmark runner does not expose.

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"syscall"
	"testing"
	"time"
)

const (
	benchSeed    = 42
	benchNTrials = 10
	benchNWarmup = 3
)

type benchMetadata struct {
	Language        string `json:"language"`
	LanguageVersion string `json:"language_version"`
	OS              string `json:"os"`
	NumCPU          int    `json:"num_cpu"`
	Timestamp       string `json:"timestamp"`
	NTrials         int    `json:"n_trials"`
	NWarmup         int    `json:"n_warmup"`
	Seed            int    `json:"seed"`
}

type benchMemoryInfo struct {
	PeakRSSBytes uint64 `json:"peak_rss_bytes"`
	AllocBytes   uint64 `json:"alloc_bytes"`
}

type benchGCInfo struct {
	TotalGCTimeNS int64 `json:"total_gc_time_ns"`
	GCPauseCount  int64 `json:"gc_pause_count"`
}

type benchNumerical struct {
	NaNCount int     `json:"nan_count"`
	InfCount int     `json:"inf_count"`
	MaxAbs   float32 `json:"max_abs"`
}

type benchDerived struct {
	AllocRateBytesPerSec float64 `json:"alloc_rate_bytes_per_sec"`
	GCThroughput         float64 `json:"gc_throughput"`
	GFLOPS               float64 `json:"gflops,omitempty"`
}

type benchScenario struct {
	ID                     string          `json:"id"`
	Axis                   string          `json:"axis"`
	Params                 map[string]any  `json:"params"`
	TimingsNS              []int64         `json:"timings_ns"`
	MedianNS               int64           `json:"median_ns"`
	P95NS                  int64           `json:"p95_ns"`
	MinNS                  int64           `json:"min_ns"`
	MaxNS                  int64           `json:"max_ns"`
	ThroughputTokensPerSec float64         `json:"throughput_tokens_per_sec"`
	Memory                 benchMemoryInfo `json:"memory"`
	GC                     benchGCInfo     `json:"gc"`
	Numerical              benchNumerical  `json:"numerical"`
	Derived                benchDerived    `json:"derived"`
}

type benchResult struct {
	Metadata  benchMetadata   `json:"metadata"`
	Scenarios []benchScenario `json:"scenarios"`
}

// --- helpers ---

func medianInt64(sorted []int64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func percentileInt64(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	k := float64(n-1) * p / 100.0
	f := int(math.Floor(k))
	c := f + 1
	if c >= n {
		return sorted[n-1]
	}
	lower := float64(sorted[f])
	upper := float64(sorted[c])
	return int64(lower + (k-float64(f))*(upper-lower))
}

// getPeakRSSBytes returns peak resident set size via getrusage.
// On macOS, Maxrss is already in bytes; on Linux it's in kilobytes.
func getPeakRSSBytes() uint64 {
	var rusage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &rusage); err != nil {
		return 0
	}
	if runtime.GOOS == "darwin" {
		return uint64(rusage.Maxrss)
	}
	return uint64(rusage.Maxrss) * 1024
}

// countNaNInf counts NaN and Inf values for numerical sanity.
// Uses the IEEE 754 property: NaN != NaN.
func countNaNInf(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if v != v {
			nanCount++
		} else if v > math.MaxFloat32 || v < -math.MaxFloat32 {
			infCount++
		}
	}
	return
}

func maxAbsF32(data []float32) float32 {
	m := float32(0)
	for _, v := range data {
		a := float32(math.Abs(float64(v)))
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) && a > m {
			m = a
		}
	}
	return m
}

// benchSourceBatch builds a deterministic padded reversal batch for the
// bench scenarios. Token ids cycle through the non-reserved vocab range.
func benchSourceBatch(batch, length, vocab int) (src, yIn, yOut [][]int) {
	src = make([][]int, batch)
	yIn = make([][]int, batch)
	yOut = make([][]int, batch)
	for b := 0; b < batch; b++ {
		ids := make([]int, length-1)
		for i := range ids {
			ids[i] = 2 + (b*7+i)%(vocab-2)
		}
		src[b] = append(cloneInts(ids), EOSID)
		rev := reverseIDs(ids)
		yIn[b] = append([]int{EOSID}, rev...)
		yOut[b] = append(cloneInts(rev), EOSID)
	}
	return src, yIn, yOut
}

func reverseIDs(ids []int) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}

// runTrials executes warmup + timed trials, collecting wall/mem/gc/numerical
// metrics. Memory and GC stats cover only the timed trials so the derived
// allocation rate is not polluted by warmup.
func runTrials(warmup, trials int, run func() []float32) (timings []int64, mem benchMemoryInfo, gc benchGCInfo, num benchNumerical) {
	for i := 0; i < warmup; i++ {
		run()
	}

	runtime.GC()
	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)
	var gcBefore debug.GCStats
	debug.ReadGCStats(&gcBefore)

	timings = make([]int64, trials)
	var lastOutput []float32
	for i := 0; i < trials; i++ {
		start := time.Now()
		lastOutput = run()
		timings[i] = time.Since(start).Nanoseconds()
	}

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	var gcAfter debug.GCStats
	debug.ReadGCStats(&gcAfter)

	if lastOutput != nil {
		num.NaNCount, num.InfCount = countNaNInf(lastOutput)
		num.MaxAbs = maxAbsF32(lastOutput)
	}
	mem = benchMemoryInfo{
		PeakRSSBytes: getPeakRSSBytes(),
		AllocBytes:   memAfter.TotalAlloc - memBefore.TotalAlloc,
	}
	gc = benchGCInfo{
		TotalGCTimeNS: int64(gcAfter.PauseTotal - gcBefore.PauseTotal),
		GCPauseCount:  gcAfter.NumGC - gcBefore.NumGC,
	}
	return timings, mem, gc, num
}

// buildScenario computes statistics and derived metrics from raw timings.
//
//	alloc_rate = total_alloc_bytes / num_trials / median_wall_sec
//	gc_throughput = 1.0 - (gc_time / sum_of_trial_times)
//	gflops = known_flops / median_wall_sec / 1e9    (if provided)
//	throughput = tokens / median_wall_sec           (if params carry "tokens")
func buildScenario(id, axis string, params map[string]any, timings []int64, mem benchMemoryInfo, gc benchGCInfo, num benchNumerical, knownFlops float64) benchScenario {
	sorted := make([]int64, len(timings))
	copy(sorted, timings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	medNS := medianInt64(sorted)

	var derived benchDerived
	throughput := float64(0)
	if medNS > 0 {
		medSec := float64(medNS) / 1e9
		derived.AllocRateBytesPerSec = float64(mem.AllocBytes) / float64(len(timings)) / medSec

		sumTimingsNS := int64(0)
		for _, t := range timings {
			sumTimingsNS += t
		}
		derived.GCThroughput = 1.0
		if sumTimingsNS > 0 && gc.TotalGCTimeNS > 0 {
			derived.GCThroughput = 1.0 - float64(gc.TotalGCTimeNS)/float64(sumTimingsNS)
		}
		if knownFlops > 0 {
			derived.GFLOPS = knownFlops / medSec / 1e9
		}
		if tokens, ok := params["tokens"].(int); ok {
			throughput = float64(tokens) / medSec
		}
	}

	return benchScenario{
		ID:                     id,
		Axis:                   axis,
		Params:                 params,
		TimingsNS:              timings,
		MedianNS:               medNS,
		P95NS:                  percentileInt64(sorted, 95.0),
		MinNS:                  sorted[0],
		MaxNS:                  sorted[len(sorted)-1],
		ThroughputTokensPerSec: throughput,
		Memory:                 mem,
		GC:                     gc,
		Numerical:              num,
		Derived:                derived,
	}
}

func addScenario(result *benchResult, id, axis string, params map[string]any, knownFlops float64, run func() []float32) {
	timings, mem, gc, num := runTrials(benchNWarmup, benchNTrials, run)
	result.Scenarios = append(result.Scenarios,
		buildScenario(id, axis, params, timings, mem, gc, num, knownFlops))
}

// TestBench runs every scenario and prints the JSON report.
func TestBench(t *testing.T) {
	if testing.Short() {
		t.Skip("perf harness skipped in short mode")
	}

	result := benchResult{
		Metadata: benchMetadata{
			Language:        "go",
			LanguageVersion: runtime.Version(),
			OS:              runtime.GOOS,
			NumCPU:          runtime.NumCPU(),
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
			NTrials:         benchNTrials,
			NWarmup:         benchNWarmup,
			Seed:            benchSeed,
		},
	}

	cfg := Tiny()
	cfg.Units = 32
	cfg.MaxLength = 64

	// --- Axis 1: memory ---

	{
		trainer := NewTrainer(NewSeq2Seq(cfg), DefaultTrainConfig())
		src, yIn, yOut := benchSourceBatch(2, 8, cfg.SourceVocab)
		addScenario(&result, "mem_train_step", "memory",
			map[string]any{"batch": 2, "seq_len": 8, "units": cfg.Units}, 0,
			func() []float32 {
				loss, _ := trainer.TrainStep(src, yIn, yOut)
				return []float32{loss}
			})
	}

	for _, batchSize := range []int{1, 2, 4, 8} {
		model := NewSeq2Seq(cfg)
		src, yIn, _ := benchSourceBatch(batchSize, 16, cfg.SourceVocab)
		addScenario(&result, fmt.Sprintf("mem_scale_batch_%d", batchSize), "memory",
			map[string]any{"batch": batchSize, "seq_len": 16, "units": cfg.Units}, 0,
			func() []float32 {
				return model.Predict(src, yIn).DataPtr()
			})
	}

	for _, seqLen := range []int{8, 16, 32, 64} {
		model := NewSeq2Seq(cfg)
		src, yIn, _ := benchSourceBatch(2, seqLen, cfg.SourceVocab)
		addScenario(&result, fmt.Sprintf("mem_scale_seq_%d", seqLen), "memory",
			map[string]any{"batch": 2, "seq_len": seqLen, "units": cfg.Units}, 0,
			func() []float32 {
				return model.Predict(src, yIn).DataPtr()
			})
	}

	// --- Axis 2: kernels ---

	rng := rand.New(rand.NewSource(benchSeed))

	{
		a := randTensor(rng, NewShape(64, 64))
		b := randTensor(rng, NewShape(64, 64))
		out := make([]float32, 64*64)
		addScenario(&result, "kernel_sgemm", "kernels",
			map[string]any{"M": 64, "K": 64, "N": 64}, 2*64*64*64,
			func() []float32 {
				sgemm(64, 64, 64, 1.0, a.DataPtr(), 64, b.DataPtr(), 64, 0.0, out, 64)
				return out
			})
	}

	{
		x := randTensor(rng, NewShape(1, 1000))
		out := New(NewShape(1, 1000), F32)
		addScenario(&result, "kernel_softmax", "kernels",
			map[string]any{"n": 1000}, 4*1000,
			func() []float32 {
				x.SoftmaxInto(out)
				return out.DataPtr()
			})
	}

	{
		units, length := 32, 32
		conv := NewGatedConv(rng, units, 5, 0, false)
		x := randTensor(rng, NewShape(2, units, length))
		flops := float64(2 * 2 * 2 * units * length * units * 5)
		addScenario(&result, "kernel_gated_conv", "kernels",
			map[string]any{"batch": 2, "units": units, "seq_len": length, "width": 5}, flops,
			func() []float32 {
				return conv.Forward(x, false).DataPtr()
			})
	}

	// --- Axis 3: decoding ---

	{
		model := NewSeq2Seq(cfg)
		src, _, _ := benchSourceBatch(4, 12, cfg.SourceVocab)
		maxLen := 16
		addScenario(&result, "translate_greedy", "decoding",
			map[string]any{"batch": 4, "seq_len": 12, "max_len": maxLen, "tokens": 4 * maxLen}, 0,
			func() []float32 {
				model.Translate(src, maxLen)
				return nil
			})
	}

	// --- Axis 4: parallel ---
	// Each goroutine owns its own model, so there is no shared mutable state
	// and no locking; this measures scheduling overhead and GC behavior under
	// parallel allocation pressure.

	for _, threadCount := range []int{1, 2, 4} {
		models := make([]*Seq2Seq, threadCount)
		for i := range models {
			models[i] = NewSeq2Seq(cfg)
		}
		src, yIn, _ := benchSourceBatch(2, 16, cfg.SourceVocab)

		tc := threadCount
		addScenario(&result, fmt.Sprintf("parallel_T%d", tc), "parallel",
			map[string]any{"batch": 2, "seq_len": 16, "thread_count": tc, "tokens": tc * 2 * 16}, 0,
			func() []float32 {
				var wg sync.WaitGroup
				wg.Add(tc)
				for g := 0; g < tc; g++ {
					m := models[g]
					go func() {
						defer wg.Done()
						m.Predict(src, yIn)
					}()
				}
				wg.Wait()
				return nil
			})
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
}
