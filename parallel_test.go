package sparsevox

import (
	"sync/atomic"
	"testing"
)

func TestParallelFor_CoversEveryIndex(t *testing.T) {
	for _, n := range []int{0, 1, 7, 100, 1023} {
		hits := make([]int32, n)
		parallelFor(n, func(begin, end int) {
			for i := begin; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: index %d visited %d times", n, i, h)
			}
		}
	}
}
