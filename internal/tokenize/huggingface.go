package tokenize

import (
	"fmt"
	"os"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// HFTokenizer loads a HuggingFace tokenizer.json and encodes text with it.
type HFTokenizer struct {
	tk   *tokenizer.Tokenizer
	path string
}

// LoadFile reads the tokenizer definition at path.
func LoadFile(path string) (*HFTokenizer, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("tokenizer file %s: %w", path, err)
	}

	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %s: %w", path, err)
	}

	return &HFTokenizer{tk: tk, path: path}, nil
}

// Path returns the file the tokenizer was loaded from.
func (h *HFTokenizer) Path() string { return h.path }

// Encode implements Tokenizer.
func (h *HFTokenizer) Encode(text string, addSpecialTokens bool) ([]uint32, error) {
	enc, err := h.tk.EncodeSingle(text, addSpecialTokens)
	if err != nil {
		return nil, err
	}

	ids := make([]uint32, len(enc.Ids))
	for i, id := range enc.Ids {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer produced negative id %d at position %d", id, i)
		}
		ids[i] = uint32(id)
	}
	return ids, nil
}
