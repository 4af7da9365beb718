package batch

import (
	"errors"
	"fmt"

	"github.com/raaihank/embedding-server/internal/tokenize"
)

var (
	// ErrEmptyBatch is returned when there are no sequences to assemble.
	ErrEmptyBatch = errors.New("batch is empty")
	// ErrDimensionMismatch means the engine output cannot be split evenly across the batch items.
	ErrDimensionMismatch = errors.New("embedding output does not divide evenly across batch items")
)

// Buffer is a batch of token sequences flattened into one id slice plus per-item lengths.
// Lengths[i] belongs to item i and sum(Lengths) == len(IDs).
type Buffer struct {
	IDs     []uint32
	Lengths []int
}

// Items returns the number of sequences in the batch.
func (b Buffer) Items() int { return len(b.Lengths) }

// Tokens returns the total token count across all items.
func (b Buffer) Tokens() int { return len(b.IDs) }

// Valid reports whether the lengths account for exactly the ids in the buffer.
func (b Buffer) Valid() bool {
	total := 0
	for _, l := range b.Lengths {
		if l < 0 {
			return false
		}
		total += l
	}
	return total == len(b.IDs)
}

// Assemble concatenates seqs in order and records each sequence length.
// Zero-length sequences are kept as zero-length items.
func Assemble(seqs []tokenize.Sequence) (Buffer, error) {
	if len(seqs) == 0 {
		return Buffer{}, ErrEmptyBatch
	}

	total := 0
	for _, s := range seqs {
		total += len(s)
	}

	buf := Buffer{
		IDs:     make([]uint32, 0, total),
		Lengths: make([]int, len(seqs)),
	}
	for i, s := range seqs {
		buf.IDs = append(buf.IDs, s...)
		buf.Lengths[i] = len(s)
	}
	return buf, nil
}

// Embedding is one item's vector tagged with its position in the request.
type Embedding struct {
	Index  int
	Vector []float32
}

// Split slices the flat engine output into numItems vectors of equal dimension, in order.
func Split(flat []float32, numItems int) ([]Embedding, error) {
	if numItems <= 0 {
		return nil, fmt.Errorf("%w: %d items", ErrDimensionMismatch, numItems)
	}
	if len(flat) == 0 || len(flat)%numItems != 0 {
		return nil, fmt.Errorf("%w: %d values for %d items", ErrDimensionMismatch, len(flat), numItems)
	}

	dim := len(flat) / numItems
	out := make([]Embedding, numItems)
	for i := range out {
		start := i * dim
		out[i] = Embedding{
			Index:  i,
			Vector: flat[start : start+dim : start+dim],
		}
	}
	return out, nil
}
