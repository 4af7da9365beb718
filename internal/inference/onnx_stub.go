//go:build !onnx

package inference

import (
	"fmt"

	"go.uber.org/zap"
)

// NewOnnxEngine is unavailable without the 'onnx' build tag.
func NewOnnxEngine(cfg OnnxConfig, logger *zap.Logger) (Engine, error) {
	return nil, fmt.Errorf("%w: binary built without the onnx tag (model %s)", ErrUnavailable, cfg.ModelPath)
}
