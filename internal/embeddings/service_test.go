package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/embedding-server/internal/admission"
	"github.com/raaihank/embedding-server/internal/batch"
	"github.com/raaihank/embedding-server/internal/cache"
	"github.com/raaihank/embedding-server/internal/inference"
	"github.com/raaihank/embedding-server/internal/tokenize"
)

// byteTokenizer maps known texts to fixed ids and everything else to its bytes.
type byteTokenizer struct {
	fixed map[string][]uint32
	fail  string
	calls atomic.Int32
}

func (b *byteTokenizer) Encode(text string, _ bool) ([]uint32, error) {
	b.calls.Add(1)
	if b.fail != "" && text == b.fail {
		return nil, errors.New("invalid utf-8")
	}
	if ids, ok := b.fixed[text]; ok {
		return ids, nil
	}
	ids := make([]uint32, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = uint32(text[i])
	}
	return ids, nil
}

type inferFunc func(ctx context.Context, buf batch.Buffer) ([]float32, error)

func (f inferFunc) Infer(ctx context.Context, buf batch.Buffer) ([]float32, error) {
	return f(ctx, buf)
}

// describe returns dim floats per item: [length, first id, 0...].
func describe(dim int) inferFunc {
	return func(_ context.Context, buf batch.Buffer) ([]float32, error) {
		out := make([]float32, 0, buf.Items()*dim)
		offset := 0
		for _, l := range buf.Lengths {
			vec := make([]float32, dim)
			vec[0] = float32(l)
			if l > 0 {
				vec[1] = float32(buf.IDs[offset])
			}
			out = append(out, vec...)
			offset += l
		}
		return out, nil
	}
}

// sized reports a fixed output dimension, as the inference gateway does once it is known.
type sized struct {
	inferFunc
	dim int
}

func (s sized) Dimension() int { return s.dim }

type memCache struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	sets    atomic.Int32
}

func newMemCache() *memCache { return &memCache{entries: map[string]cache.Entry{}} }

func (m *memCache) GetMany(_ context.Context, model string, texts []string) ([]*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*cache.Entry, len(texts))
	for i, text := range texts {
		if e, ok := m.entries[model+"|"+text]; ok {
			out[i] = &e
		}
	}
	return out, nil
}

func (m *memCache) SetMany(_ context.Context, model string, texts []string, entries []cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, text := range texts {
		m.entries[model+"|"+text] = entries[i]
	}
	m.sets.Add(1)
	return nil
}

type fixture struct {
	svc       *Service
	tokenizer *byteTokenizer
	admission *admission.Controller
}

func newFixture(t *testing.T, gw Inferer, budget int, c Cache) fixture {
	t.Helper()
	tk := &byteTokenizer{fixed: map[string][]uint32{"hello": {101, 202, 103}}}
	ctrl := admission.New(admission.Config{MaxConcurrent: budget})
	svc, err := NewService(Config{
		Model:     "test-model",
		Admission: ctrl,
		Tokenizer: tokenize.NewAdapter(tk, tokenize.Config{AddSpecialTokens: true}),
		Gateway:   gw,
		Cache:     c,
	}, zap.NewNop())
	require.NoError(t, err)
	return fixture{svc: svc, tokenizer: tk, admission: ctrl}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, kind, e.Kind)
	return e
}

func TestServiceHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("SingleItem", func(t *testing.T) {
		f := newFixture(t, describe(4), 4, nil)
		resp, err := f.svc.Handle(ctx, Request{Input: Input{"hello"}})
		require.NoError(t, err)

		assert.Equal(t, "test-model", resp.Model)
		assert.Equal(t, "list", resp.Object)
		require.Len(t, resp.Data, 1)
		assert.Len(t, resp.Data[0].Embedding, 4)
		assert.Equal(t, 0, resp.Data[0].Index)
		assert.Equal(t, "embedding", resp.Data[0].Object)
		assert.Equal(t, Usage{PromptTokens: 3, TotalTokens: 3}, resp.Usage)
		assert.Equal(t, float32(101), resp.Data[0].Embedding[1])
	})

	t.Run("PreservesOrder", func(t *testing.T) {
		f := newFixture(t, describe(2), 4, nil)
		texts := Input{"a", "bbbb", "cc", "ddddddd", "e"}
		resp, err := f.svc.Handle(ctx, Request{Input: texts})
		require.NoError(t, err)
		require.Len(t, resp.Data, len(texts))
		for i, item := range resp.Data {
			assert.Equal(t, i, item.Index)
			assert.Equal(t, float32(len(texts[i])), item.Embedding[0])
			assert.Equal(t, float32(texts[i][0]), item.Embedding[1])
		}
	})

	t.Run("EmptySequenceInsideBatch", func(t *testing.T) {
		var seen []int
		gw := inferFunc(func(ctx context.Context, buf batch.Buffer) ([]float32, error) {
			seen = buf.Lengths
			assert.Len(t, buf.IDs, 5)
			return describe(3)(ctx, buf)
		})
		f := newFixture(t, gw, 4, nil)
		resp, err := f.svc.Handle(ctx, Request{Input: Input{"ab", "", "xyz"}})
		require.NoError(t, err)
		assert.Equal(t, []int{2, 0, 3}, seen)
		require.Len(t, resp.Data, 3)
		for _, item := range resp.Data {
			assert.Len(t, item.Embedding, 3)
		}
		assert.Equal(t, 5, resp.Usage.TotalTokens)
	})

	t.Run("EmptyInputRejectedBeforeTokenization", func(t *testing.T) {
		called := false
		gw := inferFunc(func(context.Context, batch.Buffer) ([]float32, error) {
			called = true
			return nil, nil
		})
		f := newFixture(t, gw, 1, nil)

		_, err := f.svc.Handle(ctx, Request{Input: Input{}})
		e := requireKind(t, err, KindClientInput)
		assert.Equal(t, "input is empty", e.Message)
		assert.Equal(t, 400, e.StatusCode())
		assert.Equal(t, int32(0), f.tokenizer.calls.Load())
		assert.False(t, called)
		assert.Equal(t, 0, f.admission.InFlight())
	})

	t.Run("DimensionMismatch", func(t *testing.T) {
		gw := inferFunc(func(context.Context, batch.Buffer) ([]float32, error) {
			return make([]float32, 7), nil
		})
		f := newFixture(t, gw, 1, nil)
		_, err := f.svc.Handle(ctx, Request{Input: Input{"a", "b"}})
		e := requireKind(t, err, KindDimensionMismatch)
		assert.Equal(t, 500, e.StatusCode())
		assert.Equal(t, 0, f.admission.InFlight())
	})

	t.Run("TokenizationFailure", func(t *testing.T) {
		f := newFixture(t, describe(2), 1, nil)
		f.tokenizer.fail = "bad"
		_, err := f.svc.Handle(ctx, Request{Input: Input{"ok", "bad"}})
		e := requireKind(t, err, KindTokenization)
		assert.Equal(t, "failed to tokenize input", e.Message)
		assert.NotContains(t, e.Message, "utf-8")
		assert.Equal(t, 0, f.admission.InFlight())
	})

	t.Run("InferenceFailure", func(t *testing.T) {
		gw := inferFunc(func(context.Context, batch.Buffer) ([]float32, error) {
			return nil, &inference.Error{Err: errors.New("cuda oom")}
		})
		f := newFixture(t, gw, 1, nil)
		_, err := f.svc.Handle(ctx, Request{Input: Input{"a"}})
		e := requireKind(t, err, KindInference)
		assert.NotContains(t, e.Message, "cuda")
		assert.Equal(t, 0, f.admission.InFlight())
	})

	t.Run("EngineUnavailable", func(t *testing.T) {
		gw := inferFunc(func(context.Context, batch.Buffer) ([]float32, error) {
			return nil, inference.ErrUnavailable
		})
		f := newFixture(t, gw, 1, nil)
		_, err := f.svc.Handle(ctx, Request{Input: Input{"a"}})
		requireKind(t, err, KindInference)
	})

	t.Run("WithRealGateway", func(t *testing.T) {
		engine, err := inference.NewHashEngine(16)
		require.NoError(t, err)
		gw, err := inference.NewGateway(engine, inference.Config{}, zap.NewNop())
		require.NoError(t, err)
		defer gw.Close()

		f := newFixture(t, gw, 2, nil)
		resp, err := f.svc.Handle(ctx, Request{Input: Input{"hello", "", "world"}})
		require.NoError(t, err)
		require.Len(t, resp.Data, 3)
		for _, item := range resp.Data {
			assert.Len(t, item.Embedding, 16)
		}
	})
}

func TestServiceAdmission(t *testing.T) {
	t.Run("BudgetPlusOneWaits", func(t *testing.T) {
		const budget = 3
		release := make(chan struct{})
		var entered atomic.Int32
		gw := inferFunc(func(ctx context.Context, buf batch.Buffer) ([]float32, error) {
			entered.Add(1)
			<-release
			return describe(2)(ctx, buf)
		})
		f := newFixture(t, gw, budget, nil)

		results := make(chan error, budget+1)
		for i := 0; i < budget+1; i++ {
			go func() {
				_, err := f.svc.Handle(context.Background(), Request{Input: Input{"x"}})
				results <- err
			}()
		}

		require.Eventually(t, func() bool {
			return entered.Load() == budget && f.admission.Waiting() == 1
		}, time.Second, time.Millisecond)
		assert.Equal(t, budget, f.admission.InFlight())

		close(release)
		for i := 0; i < budget+1; i++ {
			assert.NoError(t, <-results)
		}
		assert.Equal(t, int32(budget+1), entered.Load())
		assert.Equal(t, 0, f.admission.InFlight())
	})

	t.Run("CancelledWhileQueued", func(t *testing.T) {
		release := make(chan struct{})
		gw := inferFunc(func(ctx context.Context, buf batch.Buffer) ([]float32, error) {
			<-release
			return describe(2)(ctx, buf)
		})
		f := newFixture(t, gw, 1, nil)

		done := make(chan error, 1)
		go func() {
			_, err := f.svc.Handle(context.Background(), Request{Input: Input{"x"}})
			done <- err
		}()
		require.Eventually(t, func() bool { return f.admission.InFlight() == 1 }, time.Second, time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.svc.Handle(ctx, Request{Input: Input{"y"}})
		e := requireKind(t, err, KindCancelled)
		assert.Equal(t, 408, e.StatusCode())

		close(release)
		assert.NoError(t, <-done)
		assert.Equal(t, 0, f.admission.InFlight())
	})
}

func TestServiceCache(t *testing.T) {
	ctx := context.Background()

	t.Run("HitsSkipPipelineAndKeepIndex", func(t *testing.T) {
		c := newMemCache()
		c.entries["test-model|cached"] = cache.Entry{Embedding: []float32{9, 9}, Tokens: 4}

		var batchItems int
		gw := inferFunc(func(ctx context.Context, buf batch.Buffer) ([]float32, error) {
			batchItems = buf.Items()
			return describe(2)(ctx, buf)
		})
		f := newFixture(t, sized{gw, 2}, 2, c)

		resp, err := f.svc.Handle(ctx, Request{Input: Input{"ab", "cached", "xyz"}})
		require.NoError(t, err)
		assert.Equal(t, 2, batchItems)
		assert.Equal(t, 1, resp.CacheHits)
		require.Len(t, resp.Data, 3)
		assert.Equal(t, []float32{9, 9}, resp.Data[1].Embedding)
		assert.Equal(t, 1, resp.Data[1].Index)
		assert.Equal(t, float32(3), resp.Data[2].Embedding[0])
		assert.Equal(t, 2+4+3, resp.Usage.TotalTokens)
		assert.Equal(t, int32(2), f.tokenizer.calls.Load())
	})

	t.Run("StoresFreshEmbeddings", func(t *testing.T) {
		c := newMemCache()
		f := newFixture(t, sized{describe(2), 2}, 2, c)

		_, err := f.svc.Handle(ctx, Request{Input: Input{"abc"}})
		require.NoError(t, err)
		require.Eventually(t, func() bool { return c.sets.Load() == 1 }, time.Second, time.Millisecond)

		resp, err := f.svc.Handle(ctx, Request{Input: Input{"abc"}})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.CacheHits)
		assert.Equal(t, 3, resp.Usage.TotalTokens)
		assert.Equal(t, int32(1), f.tokenizer.calls.Load())
	})

	t.Run("AllHitsSkipInference", func(t *testing.T) {
		c := newMemCache()
		c.entries["test-model|a"] = cache.Entry{Embedding: []float32{1}, Tokens: 1}
		gw := inferFunc(func(context.Context, batch.Buffer) ([]float32, error) {
			t.Fatal("gateway should not be called")
			return nil, nil
		})
		f := newFixture(t, sized{gw, 1}, 1, c)
		resp, err := f.svc.Handle(ctx, Request{Input: Input{"a"}})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.CacheHits)
	})

	t.Run("EntriesOfAnotherDimensionAreRecomputed", func(t *testing.T) {
		c := newMemCache()
		c.entries["test-model|stale"] = cache.Entry{Embedding: []float32{7, 7, 7}, Tokens: 9}
		f := newFixture(t, sized{describe(4), 4}, 2, c)

		resp, err := f.svc.Handle(ctx, Request{Input: Input{"fresh", "stale"}})
		require.NoError(t, err)
		require.Len(t, resp.Data, 2)
		assert.Len(t, resp.Data[0].Embedding, 4)
		assert.Len(t, resp.Data[1].Embedding, 4)
		assert.Equal(t, float32(5), resp.Data[1].Embedding[0])
		assert.Equal(t, 0, resp.CacheHits)
		assert.Equal(t, 5+5, resp.Usage.TotalTokens)
		assert.Equal(t, int32(2), f.tokenizer.calls.Load())

		require.Eventually(t, func() bool { return c.sets.Load() == 1 }, time.Second, time.Millisecond)
		c.mu.Lock()
		defer c.mu.Unlock()
		assert.Len(t, c.entries["test-model|stale"].Embedding, 4)
	})

	t.Run("AllHitsOfAnotherDimensionAreRecomputed", func(t *testing.T) {
		c := newMemCache()
		c.entries["test-model|a"] = cache.Entry{Embedding: []float32{1, 1, 1}, Tokens: 1}
		f := newFixture(t, sized{describe(2), 2}, 1, c)

		resp, err := f.svc.Handle(ctx, Request{Input: Input{"a"}})
		require.NoError(t, err)
		assert.Equal(t, 0, resp.CacheHits)
		assert.Len(t, resp.Data[0].Embedding, 2)
	})

	t.Run("UnknownDimensionSkipsCache", func(t *testing.T) {
		c := newMemCache()
		c.entries["test-model|a"] = cache.Entry{Embedding: []float32{1, 1}, Tokens: 1}
		f := newFixture(t, describe(2), 1, c)

		resp, err := f.svc.Handle(ctx, Request{Input: Input{"a"}})
		require.NoError(t, err)
		assert.Equal(t, 0, resp.CacheHits)
		assert.Equal(t, int32(1), f.tokenizer.calls.Load())
	})

	t.Run("UsesCacheScope", func(t *testing.T) {
		c := newMemCache()
		c.entries["test-model|a"] = cache.Entry{Embedding: []float32{1, 1}, Tokens: 1}
		c.entries["test-model@hash2|a"] = cache.Entry{Embedding: []float32{3, 3}, Tokens: 1}

		ctrl := admission.New(admission.Config{MaxConcurrent: 1})
		svc, err := NewService(Config{
			Model:      "test-model",
			CacheScope: "test-model@hash2",
			Admission:  ctrl,
			Tokenizer:  tokenize.NewAdapter(&byteTokenizer{}, tokenize.Config{}),
			Gateway:    sized{describe(2), 2},
			Cache:      c,
		}, zap.NewNop())
		require.NoError(t, err)

		resp, err := svc.Handle(ctx, Request{Input: Input{"a"}})
		require.NoError(t, err)
		assert.Equal(t, 1, resp.CacheHits)
		assert.Equal(t, []float32{3, 3}, resp.Data[0].Embedding)
		assert.Equal(t, "test-model", resp.Model)
	})
}

func TestInputUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Input
		wantErr bool
	}{
		{"String", `{"input":"hello"}`, Input{"hello"}, false},
		{"EmptyString", `{"input":""}`, Input{""}, false},
		{"Array", `{"input":["a","b"]}`, Input{"a", "b"}, false},
		{"EmptyArray", `{"input":[]}`, Input{}, false},
		{"Missing", `{}`, nil, false},
		{"Null", `{"input":null}`, nil, false},
		{"Number", `{"input":42}`, nil, true},
		{"MixedArray", `{"input":["a",1]}`, nil, true},
		{"NullItem", `{"input":["a",null]}`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			err := json.Unmarshal([]byte(tt.body), &req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Input)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindClientInput, classify(batch.ErrEmptyBatch).Kind)
	assert.Equal(t, KindTokenization, classify(&tokenize.Error{Index: 1, Err: errors.New("x")}).Kind)
	assert.Equal(t, KindDimensionMismatch, classify(batch.ErrDimensionMismatch).Kind)
	assert.Equal(t, KindInference, classify(&inference.Error{Err: errors.New("x")}).Kind)
	assert.Equal(t, KindCancelled, classify(context.Canceled).Kind)
	assert.Equal(t, KindInference, classify(errors.New("unknown")).Kind)

	e := ClientError("too large", 413)
	assert.Same(t, e, classify(e))
	assert.Equal(t, 413, e.StatusCode())
}
