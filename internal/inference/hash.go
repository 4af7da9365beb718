package inference

import (
	"fmt"
	"math"
)

// HashEngine derives a deterministic vector for every token id and mean-pools them per item.
// It needs no model files and is used for development and tests.
type HashEngine struct {
	dim int
}

// NewHashEngine creates a hash engine producing vectors of length dim.
func NewHashEngine(dim int) (*HashEngine, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("hash engine dimension must be positive, got %d", dim)
	}
	return &HashEngine{dim: dim}, nil
}

// Encode implements Engine.
func (h *HashEngine) Encode(ids []uint32, lengths []int) ([]float32, error) {
	out := make([]float32, len(lengths)*h.dim)

	offset := 0
	for i, n := range lengths {
		if n < 0 || offset+n > len(ids) {
			return nil, fmt.Errorf("length %d of item %d overruns %d ids", n, i, len(ids))
		}
		vec := out[i*h.dim : (i+1)*h.dim]
		for _, id := range ids[offset : offset+n] {
			for d := range vec {
				vec[d] += component(id, d)
			}
		}
		offset += n

		if n > 0 {
			normalize(vec)
		}
	}
	if offset != len(ids) {
		return nil, fmt.Errorf("lengths cover %d of %d ids", offset, len(ids))
	}
	return out, nil
}

// Dimension implements Dimensioner.
func (h *HashEngine) Dimension() int { return h.dim }

// Reentrant implements Reentrant; the engine holds no mutable state.
func (h *HashEngine) Reentrant() bool { return true }

// Close implements Engine.
func (h *HashEngine) Close() error { return nil }

// component maps (token id, dimension) to a value in [-1, 1) using splitmix64.
func component(id uint32, d int) float32 {
	x := uint64(id)<<32 | uint64(uint32(d))
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x ^= x >> 31
	return float32(x>>40)/float32(1<<23) - 1
}

// normalize scales vec to unit length. Mean pooling is implied since the norm is scale-free.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
