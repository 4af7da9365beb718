package admission

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxConcurrent is the default number of requests processed at once.
	DefaultMaxConcurrent = 100
	// DefaultMaxBodyBytes is the default request payload limit (10 MiB).
	DefaultMaxBodyBytes = 10 << 20
)

// Config contains admission configuration
type Config struct {
	MaxConcurrent int   `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxBodyBytes  int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// Controller bounds the number of in-flight requests and the size of their payloads.
// Waiters are admitted in arrival order.
type Controller struct {
	sem          *semaphore.Weighted
	capacity     int
	maxBodyBytes int64

	inFlight atomic.Int64
	waiting  atomic.Int64
}

// New creates a controller, applying defaults for zero values.
func New(cfg Config) *Controller {
	capacity := cfg.MaxConcurrent
	if capacity <= 0 {
		capacity = DefaultMaxConcurrent
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Controller{
		sem:          semaphore.NewWeighted(int64(capacity)),
		capacity:     capacity,
		maxBodyBytes: maxBody,
	}
}

// Token is one slot of the concurrency budget.
type Token struct {
	c    *Controller
	once sync.Once
}

// Release returns the slot. Only the first call has any effect.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.c.inFlight.Add(-1)
		t.c.sem.Release(1)
	})
}

// Acquire blocks until a slot is free. It fails only if ctx ends while waiting.
func (c *Controller) Acquire(ctx context.Context) (*Token, error) {
	c.waiting.Add(1)
	err := c.sem.Acquire(ctx, 1)
	c.waiting.Add(-1)
	if err != nil {
		return nil, err
	}
	c.inFlight.Add(1)
	return &Token{c: c}, nil
}

// Capacity returns the size of the concurrency budget.
func (c *Controller) Capacity() int { return c.capacity }

// MaxBodyBytes returns the payload limit.
func (c *Controller) MaxBodyBytes() int64 { return c.maxBodyBytes }

// InFlight returns the number of held tokens.
func (c *Controller) InFlight() int { return int(c.inFlight.Load()) }

// Waiting returns the number of callers blocked in Acquire.
func (c *Controller) Waiting() int { return int(c.waiting.Load()) }

// LimitBody rejects requests that declare a body larger than the limit and caps the
// bytes readable from any body, so oversize payloads never reach Acquire.
func (c *Controller) LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > c.maxBodyBytes {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			_, _ = w.Write([]byte(`{"error":{"message":"request body too large","type":"invalid_request_error","code":413}}`))
			return
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, c.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
