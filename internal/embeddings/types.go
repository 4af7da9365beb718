package embeddings

import (
	"bytes"
	"encoding/json"
	"errors"
)

// DefaultModel is used when a request does not name a model.
const DefaultModel = "default"

var errInputShape = errors.New("input must be a string or an array of strings")

// Input is the request's text items. It decodes from a single JSON string or an array of strings.
type Input []string

// UnmarshalJSON implements json.Unmarshaler.
func (in *Input) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*in = nil
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*in = Input{s}
		return nil
	}

	var items []*string
	if err := json.Unmarshal(data, &items); err != nil {
		return errInputShape
	}
	out := make(Input, len(items))
	for i, item := range items {
		if item == nil {
			return errInputShape
		}
		out[i] = *item
	}
	*in = out
	return nil
}

// Request is an embedding request.
type Request struct {
	Input Input  `json:"input"`
	Model string `json:"model,omitempty"`

	// RequestID correlates logs and events; it is not part of the wire format.
	RequestID string `json:"-"`
}

// Usage reports token accounting for a request.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Item is one embedding in a response, in request order.
type Item struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
	Object    string    `json:"object"`
}

// Response is an embedding response.
type Response struct {
	Model  string `json:"model"`
	Object string `json:"object"`
	Usage  Usage  `json:"usage"`
	Data   []Item `json:"data"`

	// CacheHits counts items served from the cache; it is not part of the wire format.
	CacheHits int `json:"-"`
}
