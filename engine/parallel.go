package engine

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/mat"
)

// minRowsPerChunk keeps tiny batches on a single goroutine.
const minRowsPerChunk = 64

// Parallelism returns the number of goroutines used for inference, taken
// from the physical core count when the CPU reports one.
func Parallelism() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// CPUDescription names the host CPU for startup banners.
func CPUDescription() string {
	name := cpuid.CPU.BrandName
	if name == "" {
		name = "unknown CPU"
	}
	return name
}

// forEachChunk splits rows into contiguous chunks and runs fn on each
// concurrently. fn receives the half-open row range [from, to).
func forEachChunk(rows, workers int, fn func(from, to int) error) error {
	chunks := rows / minRowsPerChunk
	if chunks > workers {
		chunks = workers
	}
	if chunks <= 1 {
		return fn(0, rows)
	}

	size := (rows + chunks - 1) / chunks
	errs := make([]error, chunks)
	var wg sync.WaitGroup
	for c := 0; c < chunks; c++ {
		from := c * size
		to := from + size
		if to > rows {
			to = rows
		}
		if from >= to {
			continue
		}
		wg.Add(1)
		go func(c, from, to int) {
			defer wg.Done()
			errs[c] = fn(from, to)
		}(c, from, to)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// rowSlice returns rows [from, to) of m as a new matrix sharing storage.
func rowSlice(m *mat.Dense, from, to int) *mat.Dense {
	_, c := m.Dims()
	return m.Slice(from, to, 0, c).(*mat.Dense)
}
