package sparsevox

import (
	"math"
	"sort"
)

const (
	quantBuckets   = 256
	quantMaxRounds = 10
)

// quantizedArray is one lossily compressed parameter channel: an 8-bit
// bucket index per element plus the bucket representatives.
type quantizedArray struct {
	Index    []uint8
	Codebook [quantBuckets]float32
}

// quantizeValues builds a 257-point empirical quantile codebook over vals,
// assigns every value to its nearest of the 256 buckets, and refines the
// assignment with bounded local moves: a value may shift to an adjacent
// bucket (index +/-1 only) when that reduces its error, and bucket
// representatives are recomputed as the mean of their members after each
// round. The boundaries follow the data distribution rather than a uniform
// grid, which matters for heavy-tailed coefficient arrays. Convergence
// within the round budget is not guaranteed; the best codebook found is
// used as is.
func quantizeValues(vals []float32) quantizedArray {
	n := len(vals)
	out := quantizedArray{Index: make([]uint8, n)}
	if n == 0 {
		return out
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return vals[order[a]] < vals[order[b]] })

	// 257 quantile boundaries; the first is pushed to -inf so that the
	// search below lands every value in a bucket.
	var bounds [quantBuckets + 1]float32
	for i := 0; i <= quantBuckets; i++ {
		pos := i * (n - 1) / quantBuckets
		bounds[i] = vals[order[pos]]
	}
	bounds[0] = float32(math.Inf(-1))

	var codebook [quantBuckets]float32
	copy(codebook[:], bounds[1:])

	ind := make([]int32, n)
	parallelFor(n, func(begin, end int) {
		for i := begin; i < end; i++ {
			// Insertion point: number of boundaries strictly below the value.
			idx := sort.Search(quantBuckets+1, func(k int) bool { return bounds[k] >= vals[i] })
			b := clampBucket(int32(idx) - 1)
			// Local left/right disambiguation against the bucket values.
			left := clampBucket(b - 1)
			if absDiff(vals[i], codebook[b]) < absDiff(vals[i], codebook[left]) {
				ind[i] = b
			} else {
				ind[i] = left
			}
		}
	})

	for round := 0; round < quantMaxRounds; round++ {
		codebook = bucketMeans(vals, ind)
		moved := 0
		for i := 0; i < n; i++ {
			b := ind[i]
			left := clampBucket(b - 1)
			right := clampBucket(b + 1)
			diffM := absDiff(vals[i], codebook[b])
			diffL := absDiff(vals[i], codebook[left])
			diffR := absDiff(vals[i], codebook[right])
			if diffL >= diffM && diffR >= diffM {
				continue
			}
			if diffR < diffL {
				ind[i] = right
			} else {
				ind[i] = left
			}
			moved++
		}
		if moved == 0 {
			break
		}
	}

	out.Codebook = bucketMeans(vals, ind)
	for i := range ind {
		out.Index[i] = uint8(ind[i])
	}
	return out
}

// dequantizeValues is the table lookup inverse of quantizeValues.
func dequantizeValues(q quantizedArray) []float32 {
	out := make([]float32, len(q.Index))
	for i, b := range q.Index {
		out[i] = q.Codebook[b]
	}
	return out
}

// bucketMeans recomputes every bucket representative as the mean of its
// currently assigned values. Empty buckets keep zero.
func bucketMeans(vals []float32, ind []int32) [quantBuckets]float32 {
	var sum [quantBuckets]float64
	var count [quantBuckets]int
	for i, b := range ind {
		sum[b] += float64(vals[i])
		count[b]++
	}
	var means [quantBuckets]float32
	for b := 0; b < quantBuckets; b++ {
		if count[b] > 0 {
			means[b] = float32(sum[b] / float64(count[b]))
		}
	}
	return means
}

func clampBucket(b int32) int32 {
	if b < 0 {
		return 0
	}
	if b >= quantBuckets {
		return quantBuckets - 1
	}
	return b
}

func absDiff(a, b float32) float32 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// quantizeChannels splits a flattened [count x channels] array by channel
// and quantizes each channel independently.
func quantizeChannels(vals []float32, channels int) []quantizedArray {
	count := len(vals) / channels
	out := make([]quantizedArray, channels)
	parallelFor(channels, func(begin, end int) {
		for c := begin; c < end; c++ {
			channel := make([]float32, count)
			for i := 0; i < count; i++ {
				channel[i] = vals[i*channels+c]
			}
			out[c] = quantizeValues(channel)
		}
	})
	return out
}

// dequantizeChannels is the inverse of quantizeChannels.
func dequantizeChannels(qs []quantizedArray) []float32 {
	channels := len(qs)
	if channels == 0 {
		return nil
	}
	count := len(qs[0].Index)
	out := make([]float32, count*channels)
	for c, q := range qs {
		for i, b := range q.Index {
			out[i*channels+c] = q.Codebook[b]
		}
	}
	return out
}
