package tokenize

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ErrTokenization is matched by every error the adapter returns for a rejected input.
var ErrTokenization = errors.New("tokenization failed")

// Sequence is the ordered token ids produced for one input item.
type Sequence []uint32

// Tokenizer is the external text to token-id capability.
type Tokenizer interface {
	Encode(text string, addSpecialTokens bool) ([]uint32, error)
}

// Error identifies which item of a batch failed to tokenize.
type Error struct {
	Index int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tokenize item %d: %v", e.Index, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrTokenization so callers can classify without unwrapping.
func (e *Error) Is(target error) bool { return target == ErrTokenization }

// Config controls how the adapter drives the tokenizer.
type Config struct {
	AddSpecialTokens bool `yaml:"add_special_tokens" mapstructure:"add_special_tokens"`
	// Workers bounds the number of items tokenized at once. Zero means GOMAXPROCS.
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// Adapter wraps a Tokenizer with per-item error reporting and parallel batch tokenization.
type Adapter struct {
	tokenizer        Tokenizer
	addSpecialTokens bool
	workers          int
}

// NewAdapter creates an adapter around tk.
func NewAdapter(tk Tokenizer, cfg Config) *Adapter {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Adapter{
		tokenizer:        tk,
		addSpecialTokens: cfg.AddSpecialTokens,
		workers:          workers,
	}
}

// Tokenize converts one text into its token sequence. An empty text yields whatever
// the tokenizer produces for it, possibly an empty sequence.
func (a *Adapter) Tokenize(text string) (Sequence, error) {
	seq, err := a.encode(text)
	if err != nil {
		return nil, &Error{Index: 0, Err: err}
	}
	return seq, nil
}

// TokenizeAll tokenizes every text in parallel and returns the sequences in input order.
// The first failure cancels the remaining work and is returned as an *Error carrying the
// item index.
func (a *Adapter) TokenizeAll(ctx context.Context, texts []string) ([]Sequence, error) {
	out := make([]Sequence, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, text := range texts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			seq, err := a.encode(text)
			if err != nil {
				return &Error{Index: i, Err: err}
			}
			out[i] = seq
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// The loop may have stopped early on a parent cancellation without any worker failing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) encode(text string) (seq Sequence, err error) {
	defer func() {
		if r := recover(); r != nil {
			seq, err = nil, fmt.Errorf("tokenizer panic: %v", r)
		}
	}()

	ids, err := a.tokenizer.Encode(text, a.addSpecialTokens)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uint32{}
	}
	return Sequence(ids), nil
}
