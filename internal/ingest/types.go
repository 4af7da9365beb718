package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/raaihank/embedding-server/internal/embeddings"
	"github.com/raaihank/embedding-server/internal/vector"
)

// Record is a single row of the input dataset
type Record struct {
	ID   string `json:"id" parquet:"id,optional"`
	Text string `json:"text" parquet:"text"`
}

// Result summarizes one ingest run
type Result struct {
	TotalRecords  int64         `json:"total_records"`
	Invalid       int64         `json:"invalid"`
	Embedded      int64         `json:"embedded"`
	Inserted      int64         `json:"inserted"`
	Duplicates    int64         `json:"duplicates"`
	Failed        int64         `json:"failed"`
	Tokens        int64         `json:"tokens"`
	Duration      time.Duration `json:"duration"`
	EmbeddingTime time.Duration `json:"embedding_time"`
	DatabaseTime  time.Duration `json:"database_time"`
	Errors        []string      `json:"errors,omitempty"`
}

// Config contains ingest pipeline configuration
type Config struct {
	BatchSize      int
	Workers        int
	ProgressReport int
	CreateIndex    bool
	// DryRun embeds every record but writes nothing.
	DryRun bool
}

// Embedder produces embeddings for a request
type Embedder interface {
	Handle(ctx context.Context, req embeddings.Request) (*embeddings.Response, error)
	Model() string
}

// Sink stores embedded records
type Sink interface {
	EnsureSchema(ctx context.Context, dim int) error
	BatchInsert(ctx context.Context, records []*vector.Record) (*vector.BatchInsertResult, error)
	CreateIndex(ctx context.Context) error
}

// Searcher finds stored records near an embedding
type Searcher interface {
	FindSimilar(ctx context.Context, model string, embedding []float32, limit int) ([]*vector.Match, error)
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSONL
	default:
		return FormatCSV
	}
}
