package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/embedding-server/internal/batch"
)

// probeEngine records how many calls overlap and returns dim floats per item.
type probeEngine struct {
	dim       int
	reentrant bool
	delay     time.Duration
	err       error
	panicMsg  string

	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
	closed  atomic.Bool
	release chan struct{}
}

func (p *probeEngine) Encode(ids []uint32, lengths []int) ([]float32, error) {
	p.calls.Add(1)
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if p.release != nil {
		<-p.release
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	if p.err != nil {
		return nil, p.err
	}
	return make([]float32, len(lengths)*p.dim), nil
}

func (p *probeEngine) Reentrant() bool { return p.reentrant }

func (p *probeEngine) Close() error {
	p.closed.Store(true)
	return nil
}

func oneItem() batch.Buffer {
	return batch.Buffer{IDs: []uint32{1, 2}, Lengths: []int{2}}
}

func TestNewGateway(t *testing.T) {
	logger := zap.NewNop()

	t.Run("DefaultsToSerialized", func(t *testing.T) {
		g, err := NewGateway(&probeEngine{dim: 4}, Config{}, logger)
		require.NoError(t, err)
		defer g.Close()
		assert.Equal(t, Serialized, g.Discipline())
		assert.Equal(t, 1, g.Workers())
	})

	t.Run("ConcurrentRequiresReentrantEngine", func(t *testing.T) {
		_, err := NewGateway(&probeEngine{dim: 4}, Config{Discipline: "concurrent", Workers: 4}, logger)
		assert.Error(t, err)
	})

	t.Run("ConcurrentWithReentrantEngine", func(t *testing.T) {
		g, err := NewGateway(&probeEngine{dim: 4, reentrant: true}, Config{Discipline: "concurrent", Workers: 3}, logger)
		require.NoError(t, err)
		defer g.Close()
		assert.Equal(t, Concurrent, g.Discipline())
		assert.Equal(t, 3, g.Workers())
	})

	t.Run("UnknownDiscipline", func(t *testing.T) {
		_, err := NewGateway(&probeEngine{dim: 4}, Config{Discipline: "parallel"}, logger)
		assert.Error(t, err)
	})

	t.Run("NilEngine", func(t *testing.T) {
		_, err := NewGateway(nil, Config{}, logger)
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestGatewayInfer(t *testing.T) {
	logger := zap.NewNop()

	t.Run("ReturnsEngineOutput", func(t *testing.T) {
		g, err := NewGateway(&probeEngine{dim: 4}, Config{}, logger)
		require.NoError(t, err)
		defer g.Close()

		flat, err := g.Infer(context.Background(), batch.Buffer{IDs: []uint32{1, 2, 3}, Lengths: []int{2, 0, 1}})
		require.NoError(t, err)
		assert.Len(t, flat, 12)
		assert.Equal(t, 4, g.Dimension())
	})

	t.Run("SerializedNeverOverlaps", func(t *testing.T) {
		engine := &probeEngine{dim: 2, delay: 2 * time.Millisecond}
		g, err := NewGateway(engine, Config{Discipline: "serialized"}, logger)
		require.NoError(t, err)
		defer g.Close()

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := g.Infer(context.Background(), oneItem())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(16), engine.calls.Load())
		assert.Equal(t, int32(1), engine.maxSeen.Load())
	})

	t.Run("ConcurrentOverlaps", func(t *testing.T) {
		engine := &probeEngine{dim: 2, reentrant: true, release: make(chan struct{})}
		g, err := NewGateway(engine, Config{Discipline: "concurrent", Workers: 2}, logger)
		require.NoError(t, err)
		defer g.Close()

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := g.Infer(context.Background(), oneItem())
				assert.NoError(t, err)
			}()
		}
		require.Eventually(t, func() bool { return engine.active.Load() == 2 }, time.Second, time.Millisecond)
		close(engine.release)
		wg.Wait()
		assert.Equal(t, int32(2), engine.maxSeen.Load())
	})

	t.Run("EngineErrorIsInferenceError", func(t *testing.T) {
		g, err := NewGateway(&probeEngine{err: errors.New("backend fault")}, Config{}, logger)
		require.NoError(t, err)
		defer g.Close()

		_, err = g.Infer(context.Background(), oneItem())
		assert.ErrorIs(t, err, ErrInference)
		var infErr *Error
		assert.ErrorAs(t, err, &infErr)
	})

	t.Run("EnginePanicIsRecovered", func(t *testing.T) {
		g, err := NewGateway(&probeEngine{panicMsg: "segfault"}, Config{}, logger)
		require.NoError(t, err)
		defer g.Close()

		_, err = g.Infer(context.Background(), oneItem())
		assert.ErrorIs(t, err, ErrInference)

		// The worker survives the panic.
		_, err = g.Infer(context.Background(), oneItem())
		assert.ErrorIs(t, err, ErrInference)
	})

	t.Run("MalformedBuffer", func(t *testing.T) {
		engine := &probeEngine{dim: 2}
		g, err := NewGateway(engine, Config{}, logger)
		require.NoError(t, err)
		defer g.Close()

		_, err = g.Infer(context.Background(), batch.Buffer{IDs: []uint32{1}, Lengths: []int{3}})
		assert.ErrorIs(t, err, ErrInference)
		assert.Equal(t, int32(0), engine.calls.Load())
	})

	t.Run("CancelledWhileWaitingForWorker", func(t *testing.T) {
		engine := &probeEngine{dim: 2, release: make(chan struct{})}
		g, err := NewGateway(engine, Config{}, logger)
		require.NoError(t, err)
		defer g.Close()

		first := make(chan error, 1)
		go func() {
			_, err := g.Infer(context.Background(), oneItem())
			first <- err
		}()
		require.Eventually(t, func() bool { return engine.active.Load() == 1 }, time.Second, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = g.Infer(ctx, oneItem())
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(engine.release)
		assert.NoError(t, <-first)
	})

	t.Run("ClosedGateway", func(t *testing.T) {
		engine := &probeEngine{dim: 2}
		g, err := NewGateway(engine, Config{}, logger)
		require.NoError(t, err)
		require.NoError(t, g.Close())
		require.NoError(t, g.Close())
		assert.True(t, engine.closed.Load())

		_, err = g.Infer(context.Background(), oneItem())
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestHashEngine(t *testing.T) {
	e, err := NewHashEngine(8)
	require.NoError(t, err)

	t.Run("Deterministic", func(t *testing.T) {
		a, err := e.Encode([]uint32{5, 6, 7}, []int{3})
		require.NoError(t, err)
		b, err := e.Encode([]uint32{5, 6, 7}, []int{3})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("ItemsAreIndependent", func(t *testing.T) {
		single, err := e.Encode([]uint32{9, 10}, []int{2})
		require.NoError(t, err)
		batched, err := e.Encode([]uint32{1, 9, 10}, []int{1, 2})
		require.NoError(t, err)
		assert.InDeltaSlice(t, single, batched[8:], 1e-6)
	})

	t.Run("ZeroLengthItemIsZeroVector", func(t *testing.T) {
		out, err := e.Encode([]uint32{1, 2}, []int{1, 0, 1})
		require.NoError(t, err)
		require.Len(t, out, 24)
		for _, v := range out[8:16] {
			assert.Zero(t, v)
		}
	})

	t.Run("UnitLength", func(t *testing.T) {
		out, err := e.Encode([]uint32{3, 4, 5, 6}, []int{4})
		require.NoError(t, err)
		var sum float64
		for _, v := range out {
			sum += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-4)
	})

	t.Run("LengthsMustCoverIds", func(t *testing.T) {
		_, err := e.Encode([]uint32{1, 2, 3}, []int{1})
		assert.Error(t, err)
		_, err = e.Encode([]uint32{1}, []int{2})
		assert.Error(t, err)
	})

	t.Run("InvalidDimension", func(t *testing.T) {
		_, err := NewHashEngine(0)
		assert.Error(t, err)
	})
}
