package nn

import (
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
)

var workers atomic.Int32

func init() {
	workers.Store(int32(DefaultWorkers()))
}

// DefaultWorkers returns the number of logical cores reported by the CPU,
// never less than 1.
func DefaultWorkers() int {
	n := cpuid.CPU.LogicalCores
	if n < 1 {
		n = 1
	}
	return n
}

// SetWorkers sets how many goroutines an operator may use. Values below 1
// restore the default.
func SetWorkers(n int) {
	if n < 1 {
		n = DefaultWorkers()
	}
	workers.Store(int32(n))
}

// Workers returns the current operator parallelism.
func Workers() int {
	return int(workers.Load())
}

// parallelFor runs fn(i) for i in [0, n). Callers guarantee that distinct
// indices write to disjoint memory.
func parallelFor(n int, fn func(i int)) {
	w := Workers()
	if w <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(w)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	g.Wait()
}
