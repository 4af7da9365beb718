package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrInference is matched by every failure reported by an engine call.
	ErrInference = errors.New("inference failed")
	// ErrUnavailable means there is no usable engine behind the gateway.
	ErrUnavailable = errors.New("inference engine unavailable")
)

// Engine is a loaded model. Encode takes the flattened ids of a batch plus per-item
// lengths and returns len(lengths)*dim floats. Callers guarantee sum(lengths) == len(ids).
type Engine interface {
	Encode(ids []uint32, lengths []int) ([]float32, error)
	Close() error
}

// Reentrant is implemented by engines that are safe to call from several goroutines at once.
type Reentrant interface {
	Reentrant() bool
}

// Dimensioner is implemented by engines that know their output dimension.
type Dimensioner interface {
	Dimension() int
}

// Error wraps a failure raised by the engine. The wrapped detail is meant for logs.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrInference }

func isReentrant(e Engine) bool {
	r, ok := e.(Reentrant)
	return ok && r.Reentrant()
}
