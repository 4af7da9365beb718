package tokenize

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer emits 101, one id per whitespace-separated word, then 102.
type wordTokenizer struct {
	failOn string
	calls  atomic.Int32
}

func (w *wordTokenizer) Encode(text string, addSpecialTokens bool) ([]uint32, error) {
	w.calls.Add(1)
	if w.failOn != "" && text == w.failOn {
		return nil, errors.New("unsupported input")
	}
	var ids []uint32
	if addSpecialTokens {
		ids = append(ids, 101)
	}
	for _, word := range strings.Fields(text) {
		ids = append(ids, uint32(len(word)))
	}
	if addSpecialTokens {
		ids = append(ids, 102)
	}
	return ids, nil
}

type panicTokenizer struct{}

func (panicTokenizer) Encode(string, bool) ([]uint32, error) { panic("boom") }

func TestAdapterTokenize(t *testing.T) {
	t.Run("AddsSpecialTokens", func(t *testing.T) {
		a := NewAdapter(&wordTokenizer{}, Config{AddSpecialTokens: true})
		seq, err := a.Tokenize("hello world")
		require.NoError(t, err)
		assert.Equal(t, Sequence{101, 5, 5, 102}, seq)
	})

	t.Run("EmptyTextWithoutSpecialTokens", func(t *testing.T) {
		a := NewAdapter(&wordTokenizer{}, Config{})
		seq, err := a.Tokenize("")
		require.NoError(t, err)
		assert.NotNil(t, seq)
		assert.Len(t, seq, 0)
	})

	t.Run("TokenizerError", func(t *testing.T) {
		a := NewAdapter(&wordTokenizer{failOn: "bad"}, Config{})
		_, err := a.Tokenize("bad")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTokenization)
	})

	t.Run("PanicBecomesError", func(t *testing.T) {
		a := NewAdapter(panicTokenizer{}, Config{})
		_, err := a.Tokenize("anything")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTokenization)
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestAdapterTokenizeAll(t *testing.T) {
	t.Run("PreservesOrder", func(t *testing.T) {
		a := NewAdapter(&wordTokenizer{}, Config{AddSpecialTokens: true, Workers: 4})
		texts := []string{"a", "bb cc", "", "dddd e ff"}

		seqs, err := a.TokenizeAll(context.Background(), texts)
		require.NoError(t, err)
		require.Len(t, seqs, len(texts))
		assert.Equal(t, Sequence{101, 1, 102}, seqs[0])
		assert.Equal(t, Sequence{101, 2, 2, 102}, seqs[1])
		assert.Equal(t, Sequence{101, 102}, seqs[2])
		assert.Equal(t, Sequence{101, 4, 1, 2, 102}, seqs[3])
	})

	t.Run("ReportsFailingIndex", func(t *testing.T) {
		a := NewAdapter(&wordTokenizer{failOn: "bad"}, Config{Workers: 1})
		_, err := a.TokenizeAll(context.Background(), []string{"ok", "fine", "bad", "later"})
		require.Error(t, err)

		var tokErr *Error
		require.ErrorAs(t, err, &tokErr)
		assert.Equal(t, 2, tokErr.Index)
		assert.ErrorIs(t, err, ErrTokenization)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		a := NewAdapter(&wordTokenizer{}, Config{})
		seqs, err := a.TokenizeAll(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, seqs)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		tk := &wordTokenizer{}
		a := NewAdapter(tk, Config{Workers: 2})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := a.TokenizeAll(ctx, []string{"a", "b", "c"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(0), tk.calls.Load())
	})
}
