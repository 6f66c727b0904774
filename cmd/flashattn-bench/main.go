// Command flashattn-bench times the tiled attention forward and
// backward kernels for a given problem size.
//
// Usage:
//
//	flashattn-bench -batch 2 -seq 1024 -heads 8 -head-dim 64 -dtype float16 -iters 10
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	flashattn "github.com/born-ml/flashattn"
	"github.com/born-ml/flashattn/autodiff"
	"github.com/born-ml/flashattn/config"
	"github.com/born-ml/flashattn/tensor"
)

func main() {
	var (
		batch     = flag.Int("batch", 1, "batch size")
		seqLen    = flag.Int("seq", 1024, "sequence length")
		heads     = flag.Int("heads", 8, "number of heads")
		headDim   = flag.Int("head-dim", 64, "head dimension (16, 32, 64, 128 or 256)")
		dtypeName = flag.String("dtype", "float16", "storage type: float16 or bfloat16")
		blockQ    = flag.Int("block-q", flashattn.DefaultBlockQ, "query tile size")
		blockK    = flag.Int("block-k", flashattn.DefaultBlockK, "key tile size")
		iters     = flag.Int("iters", 10, "timed iterations")
		backward  = flag.Bool("backward", true, "also time the backward pass")
		verbosity = flag.Int("v", 0, "log verbosity")
	)
	flag.Parse()

	if err := run(*batch, *seqLen, *heads, *headDim, *dtypeName,
		*blockQ, *blockK, *iters, *backward, *verbosity); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(batch, seqLen, heads, headDim int, dtypeName string, blockQ, blockK, iters int, backward bool, verbosity int) error {
	if err := config.SetLogVerbosity(verbosity); err != nil {
		return err
	}

	var dtype tensor.DataType
	switch dtypeName {
	case "float16":
		dtype = tensor.Float16
	case "bfloat16":
		dtype = tensor.BFloat16
	default:
		return fmt.Errorf("unknown dtype %q", dtypeName)
	}

	rng := rand.New(rand.NewSource(1))
	shape := tensor.Shape{batch, seqLen, heads, headDim}
	q := tensor.Randn(shape, dtype, 1.0, rng)
	k := tensor.Randn(shape, dtype, 1.0, rng)
	v := tensor.Randn(shape, dtype, 1.0, rng)
	dOut := tensor.Randn(shape, dtype, 1.0, rng)
	opts := flashattn.Options{BlockQ: blockQ, BlockK: blockK}

	// Warm up once so allocation noise stays out of the timings.
	if _, err := flashattn.Attention(q, k, v, opts); err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < iters; i++ {
		if _, err := flashattn.Attention(q, k, v, opts); err != nil {
			return err
		}
	}
	perFwd := time.Since(start) / time.Duration(iters)
	fmt.Printf("forward:  %v/iter  (%d x %d x %d x %d, %s)\n",
		perFwd, batch, seqLen, heads, headDim, dtype)

	if !backward {
		return nil
	}

	start = time.Now()
	for i := 0; i < iters; i++ {
		tape := autodiff.NewGradientTape()
		tape.StartRecording()
		if _, err := flashattn.AttentionOnTape(tape, q, k, v, opts); err != nil {
			return err
		}
		if _, err := tape.Backward(dOut); err != nil {
			return err
		}
	}
	perStep := time.Since(start) / time.Duration(iters)
	fmt.Printf("fwd+bwd:  %v/iter\n", perStep)
	return nil
}
