package tensor

import (
	"sync/atomic"

	"github.com/sourcegraph/conc"
)

// workers bounds the goroutines a kernel may use. Values <= 1 run kernels
// on the calling goroutine.
var workers atomic.Int32

func init() {
	workers.Store(1)
}

// SetWorkers sets the maximum number of goroutines used by tensor kernels,
// including the convolution kernels in package ops. It is wired to
// runtime.workers.
func SetWorkers(n int) {
	workers.Store(int32(min(max(n, 1), 1<<16)))
}

// Workers returns the current kernel parallelism.
func Workers() int {
	return int(workers.Load())
}

// ParallelFor splits [0, n) into at most Workers() contiguous chunks and
// calls fn on each, returning when all have finished. Chunks never overlap,
// so fn may write disjoint output ranges without locking.
func ParallelFor(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	w := min(Workers(), n)
	if w <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + w - 1) / w

	var wg conc.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Go(func() { fn(lo, hi) })
	}

	wg.Wait()
}

// Dot computes the dot product of two equal-length slices. Accumulation
// order is fixed so repeated runs are bit-identical.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}
