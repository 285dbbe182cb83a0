package sparsevox

import (
	"runtime"
	"sync"
)

// parallelFor splits [0, n) into contiguous chunks and runs fn on a worker
// per CPU. Bulk numeric passes (address decoding, visibility scoring,
// quantizer assignment) go through here; the call blocks until every chunk
// is done, so callers read results only after the barrier.
func parallelFor(n int, fn func(begin, end int)) {
	if n <= 0 {
		return
	}
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		begin := w * chunk
		end := begin + chunk
		if end > n {
			end = n
		}
		if begin >= end {
			break
		}
		wg.Add(1)
		go func(begin, end int) {
			defer wg.Done()
			fn(begin, end)
		}(begin, end)
	}
	wg.Wait()
}
