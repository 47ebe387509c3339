// Package reduce provides the reduction kernels applied by
// the aggregation switch.
package reduce

import (
	"runtime"
	"sync"
)

// A ReduceFn is an operation that reduces many vectors
// into a single vector.
//
// All vectors must have the same length, and at least one
// vector must be passed.
type ReduceFn func(vecs ...[]float32) []float32

// Sum is a ReduceFn that computes a vector sum.
func Sum(vecs ...[]float32) []float32 {
	checkLengths(vecs)
	res := make([]float32, len(vecs[0]))
	sumRange(res, vecs, 0, len(res))
	return res
}

// ParallelSum creates a ReduceFn that splits the sum
// across goroutines once vectors are at least minLen
// elements long.
//
// If numProcs is 0, runtime.GOMAXPROCS(0) is used.
func ParallelSum(numProcs, minLen int) ReduceFn {
	if numProcs == 0 {
		numProcs = runtime.GOMAXPROCS(0)
	}
	return func(vecs ...[]float32) []float32 {
		checkLengths(vecs)
		n := len(vecs[0])
		if n < minLen || numProcs < 2 {
			return Sum(vecs...)
		}
		res := make([]float32, n)
		step := (n + numProcs - 1) / numProcs
		var wg sync.WaitGroup
		for start := 0; start < n; start += step {
			start := start
			end := min(start+step, n)
			wg.Add(1)
			go func() {
				defer wg.Done()
				sumRange(res, vecs, start, end)
			}()
		}
		wg.Wait()
		return res
	}
}

func checkLengths(vecs [][]float32) {
	if len(vecs) == 0 {
		panic("no vectors to reduce")
	}
	for _, v := range vecs[1:] {
		if len(v) != len(vecs[0]) {
			panic("mismatching lengths")
		}
	}
}

func sumRange(res []float32, vecs [][]float32, start, end int) {
	for _, v := range vecs {
		for i, x := range v[start:end] {
			res[start+i] += x
		}
	}
}
