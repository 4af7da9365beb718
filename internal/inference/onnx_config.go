package inference

import "strings"

// OnnxConfig locates the model and the ONNX Runtime shared library.
type OnnxConfig struct {
	ModelPath   string
	LibraryPath string
}

// inputRank orders transformer inputs: ids, then attention mask, then token types.
func inputRank(name string) int {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "mask") || strings.Contains(n, "attention"):
		return 1
	case strings.Contains(n, "type") || strings.Contains(n, "segment"):
		return 2
	default:
		return 0
	}
}
