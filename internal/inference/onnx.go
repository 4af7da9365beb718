//go:build onnx

package inference

import (
	"fmt"
	"sort"
	"sync/atomic"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// OnnxEngine runs a transformer encoder through ONNX Runtime and mean-pools its hidden state.
type OnnxEngine struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputName string
	logger     *zap.Logger
	dim        atomic.Int64
}

// NewOnnxEngine loads the model at cfg.ModelPath. Requires build tag 'onnx'.
func NewOnnxEngine(cfg OnnxConfig, logger *zap.Logger) (Engine, error) {
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnx runtime init: %w", err)
		}
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect onnx model %s: %w", cfg.ModelPath, err)
	}
	if len(outputsInfo) == 0 {
		return nil, fmt.Errorf("onnx model %s reports no outputs", cfg.ModelPath)
	}

	inputNames := make([]string, 0, len(inputsInfo))
	for _, ii := range inputsInfo {
		inputNames = append(inputNames, ii.Name)
	}
	sort.SliceStable(inputNames, func(i, j int) bool {
		return inputRank(inputNames[i]) < inputRank(inputNames[j])
	})
	outputName := outputsInfo[0].Name

	sess, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	logger.Info("ONNX Runtime engine ready",
		zap.String("model", cfg.ModelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName),
	)
	return &OnnxEngine{session: sess, inputNames: inputNames, outputName: outputName, logger: logger}, nil
}

// Reentrant implements Reentrant. ORT sessions allow concurrent Run calls.
func (e *OnnxEngine) Reentrant() bool { return true }

// Dimension implements Dimensioner; it is 0 until the first batch completes.
func (e *OnnxEngine) Dimension() int { return int(e.dim.Load()) }

// Close releases the session and the runtime environment.
func (e *OnnxEngine) Close() error {
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			return err
		}
		e.session = nil
	}
	return ort.DestroyEnvironment()
}

// Encode pads the batch to its longest item, runs the session and pools one vector per item.
func (e *OnnxEngine) Encode(ids []uint32, lengths []int) ([]float32, error) {
	batch := len(lengths)
	seqLen := 1
	for _, l := range lengths {
		if l > seqLen {
			seqLen = l
		}
	}

	inputIDs := make([]int64, batch*seqLen)
	attention := make([]int64, batch*seqLen)
	tokenTypes := make([]int64, batch*seqLen)
	offset := 0
	for b, l := range lengths {
		if offset+l > len(ids) {
			return nil, fmt.Errorf("length %d of item %d overruns %d ids", l, b, len(ids))
		}
		row := b * seqLen
		for s := 0; s < l; s++ {
			inputIDs[row+s] = int64(ids[offset+s])
			attention[row+s] = 1
		}
		offset += l
	}

	shape := ort.NewShape(int64(batch), int64(seqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attention)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypes)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	inputs := make([]ort.Value, len(e.inputNames))
	for i, name := range e.inputNames {
		switch inputRank(name) {
		case 0:
			inputs[i] = idsTensor
		case 1:
			inputs[i] = maskTensor
		default:
			inputs[i] = typeTensor
		}
	}

	outputs := make([]ort.Value, 1)
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx run failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T (want float32 tensor)", outputs[0])
	}

	flat, dim, err := pool(outTensor.GetData(), outTensor.GetShape(), lengths)
	if err != nil {
		return nil, err
	}
	e.dim.Store(int64(dim))
	return flat, nil
}

// pool turns a [B,D] or [B,S,D] output into B*D floats, averaging [B,S,D] over each
// item's real tokens. Items with no tokens get a zero vector.
func pool(data []float32, shape ort.Shape, lengths []int) ([]float32, int, error) {
	batch := len(lengths)
	switch len(shape) {
	case 2:
		dim := int(shape[1])
		if int(shape[0]) != batch || len(data) != batch*dim {
			return nil, 0, fmt.Errorf("unexpected output shape %v for %d items", shape, batch)
		}
		out := make([]float32, len(data))
		copy(out, data)
		return out, dim, nil
	case 3:
		seq, dim := int(shape[1]), int(shape[2])
		if int(shape[0]) != batch || len(data) != batch*seq*dim {
			return nil, 0, fmt.Errorf("unexpected output shape %v for %d items", shape, batch)
		}
		out := make([]float32, batch*dim)
		for b, l := range lengths {
			if l == 0 {
				continue
			}
			if l > seq {
				l = seq
			}
			pooled := out[b*dim : (b+1)*dim]
			for s := 0; s < l; s++ {
				offset := (b*seq + s) * dim
				for d := 0; d < dim; d++ {
					pooled[d] += data[offset+d]
				}
			}
			inv := 1 / float32(l)
			for d := range pooled {
				pooled[d] *= inv
			}
		}
		return out, dim, nil
	default:
		return nil, 0, fmt.Errorf("unsupported output shape %v", shape)
	}
}
