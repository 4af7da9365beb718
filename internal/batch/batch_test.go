package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/embedding-server/internal/tokenize"
)

func TestAssemble(t *testing.T) {
	t.Run("KeepsOrderAndLengths", func(t *testing.T) {
		buf, err := Assemble([]tokenize.Sequence{{1, 2}, {}, {3, 4, 5}})
		require.NoError(t, err)
		assert.Equal(t, []int{2, 0, 3}, buf.Lengths)
		assert.Equal(t, []uint32{1, 2, 3, 4, 5}, buf.IDs)
		assert.Equal(t, 3, buf.Items())
		assert.Equal(t, 5, buf.Tokens())
		assert.True(t, buf.Valid())
	})

	t.Run("SingleEmptySequence", func(t *testing.T) {
		buf, err := Assemble([]tokenize.Sequence{{}})
		require.NoError(t, err)
		assert.Equal(t, []int{0}, buf.Lengths)
		assert.Empty(t, buf.IDs)
		assert.True(t, buf.Valid())
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		_, err := Assemble(nil)
		assert.ErrorIs(t, err, ErrEmptyBatch)
	})

	t.Run("DoesNotAliasInput", func(t *testing.T) {
		seq := tokenize.Sequence{7, 8}
		buf, err := Assemble([]tokenize.Sequence{seq})
		require.NoError(t, err)
		seq[0] = 99
		assert.Equal(t, uint32(7), buf.IDs[0])
	})
}

func TestBufferValid(t *testing.T) {
	assert.False(t, Buffer{IDs: []uint32{1, 2}, Lengths: []int{1}}.Valid())
	assert.False(t, Buffer{IDs: []uint32{1}, Lengths: []int{2, -1}}.Valid())
	assert.True(t, Buffer{IDs: nil, Lengths: []int{0, 0}}.Valid())
}

func TestSplit(t *testing.T) {
	t.Run("ThreeItems", func(t *testing.T) {
		flat := []float32{1, 1, 2, 2, 3, 3}
		out, err := Split(flat, 3)
		require.NoError(t, err)
		require.Len(t, out, 3)
		for i, e := range out {
			assert.Equal(t, i, e.Index)
			assert.Equal(t, []float32{float32(i + 1), float32(i + 1)}, e.Vector)
		}
	})

	t.Run("VectorsDoNotGrowIntoNeighbours", func(t *testing.T) {
		out, err := Split([]float32{1, 2, 3, 4}, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, cap(out[0].Vector))
		v := append(out[0].Vector, 42)
		assert.Equal(t, float32(3), out[1].Vector[0])
		assert.Len(t, v, 3)
	})

	t.Run("NotDivisible", func(t *testing.T) {
		_, err := Split([]float32{1, 2, 3, 4, 5}, 2)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("EmptyOutput", func(t *testing.T) {
		_, err := Split(nil, 1)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("ZeroItems", func(t *testing.T) {
		_, err := Split([]float32{1}, 0)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}
