package inference

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/raaihank/embedding-server/internal/batch"
)

// Discipline selects how the gateway sequences calls into the engine.
type Discipline string

const (
	// Serialized runs one engine call at a time on a single dedicated worker.
	Serialized Discipline = "serialized"
	// Concurrent runs up to Workers engine calls at once. Only allowed for reentrant engines.
	Concurrent Discipline = "concurrent"
)

// Config contains gateway configuration
type Config struct {
	Discipline string `yaml:"discipline" mapstructure:"discipline"`
	Workers    int    `yaml:"workers" mapstructure:"workers"`
}

type result struct {
	flat []float32
	err  error
}

type job struct {
	buf  batch.Buffer
	done chan result
}

// Gateway owns the engine and executes every call on dedicated worker goroutines
// locked to their OS threads, away from request goroutines.
type Gateway struct {
	engine     Engine
	discipline Discipline
	workers    int
	logger     *zap.Logger

	jobs      chan job
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	busy atomic.Int32
	dim  atomic.Int64
}

// NewGateway starts the workers for engine. The discipline is fixed for the gateway's lifetime.
func NewGateway(engine Engine, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if engine == nil {
		return nil, ErrUnavailable
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	discipline := Discipline(cfg.Discipline)
	if discipline == "" {
		discipline = Serialized
	}

	workers := 1
	switch discipline {
	case Serialized:
	case Concurrent:
		if !isReentrant(engine) {
			return nil, fmt.Errorf("engine %T is not reentrant, concurrent discipline refused", engine)
		}
		workers = cfg.Workers
		if workers <= 0 {
			workers = runtime.GOMAXPROCS(0)
		}
	default:
		return nil, fmt.Errorf("unknown inference discipline %q", cfg.Discipline)
	}

	g := &Gateway{
		engine:     engine,
		discipline: discipline,
		workers:    workers,
		logger:     logger,
		jobs:       make(chan job),
		quit:       make(chan struct{}),
	}
	if d, ok := engine.(Dimensioner); ok {
		g.dim.Store(int64(d.Dimension()))
	}

	g.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go g.worker(i)
	}

	logger.Info("Inference gateway started",
		zap.String("discipline", string(discipline)),
		zap.Int("workers", workers),
	)
	return g, nil
}

// Infer runs the engine on buf and returns its flat output. ctx only bounds the wait for a
// free worker; a dispatched call always runs to completion.
func (g *Gateway) Infer(ctx context.Context, buf batch.Buffer) ([]float32, error) {
	if buf.Items() == 0 {
		return nil, &Error{Err: batch.ErrEmptyBatch}
	}
	if !buf.Valid() {
		return nil, &Error{Err: fmt.Errorf("malformed batch: lengths do not cover %d ids", len(buf.IDs))}
	}

	j := job{buf: buf, done: make(chan result, 1)}
	select {
	case g.jobs <- j:
	case <-g.quit:
		return nil, ErrUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	res := <-j.done
	return res.flat, res.err
}

// Discipline returns the discipline the gateway was started with.
func (g *Gateway) Discipline() Discipline { return g.discipline }

// Workers returns the number of dedicated engine workers.
func (g *Gateway) Workers() int { return g.workers }

// Busy returns the number of engine calls currently executing.
func (g *Gateway) Busy() int { return int(g.busy.Load()) }

// Dimension returns the embedding dimension, or 0 if it is not known yet.
func (g *Gateway) Dimension() int { return int(g.dim.Load()) }

// Close stops the workers after in-flight calls finish and then closes the engine.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		close(g.quit)
		g.wg.Wait()
		g.closeErr = g.engine.Close()
		g.logger.Info("Inference gateway stopped")
	})
	return g.closeErr
}

func (g *Gateway) worker(id int) {
	defer g.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case j := <-g.jobs:
			j.done <- g.run(id, j.buf)
		case <-g.quit:
			return
		}
	}
}

func (g *Gateway) run(worker int, buf batch.Buffer) (res result) {
	g.busy.Add(1)
	defer g.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Inference engine panicked", zap.Int("worker", worker), zap.Any("panic", r))
			res = result{err: &Error{Err: fmt.Errorf("engine panic: %v", r)}}
		}
	}()

	flat, err := g.engine.Encode(buf.IDs, buf.Lengths)
	if err != nil {
		return result{err: &Error{Err: err}}
	}
	if n := buf.Items(); len(flat) > 0 && len(flat)%n == 0 {
		g.dim.Store(int64(len(flat) / n))
	}
	return result{flat: flat}
}
