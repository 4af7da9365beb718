package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/embedding-server/internal/embeddings"
	"github.com/raaihank/embedding-server/internal/vector"
)

const maxReportedErrors = 100

// Pipeline embeds dataset records in batches and stores them
type Pipeline struct {
	embedder Embedder
	sink     Sink
	config   Config
	logger   *zap.Logger

	schemaMu    sync.Mutex
	schemaReady bool

	mu         sync.Mutex
	result     *Result
	start      time.Time
	lastReport int64
}

// NewPipeline creates a new ingest pipeline. sink may be nil when config.DryRun is set.
func NewPipeline(embedder Embedder, sink Sink, config Config, logger *zap.Logger) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingest pipeline requires an embedder")
	}
	if sink == nil && !config.DryRun {
		return nil, fmt.Errorf("ingest pipeline requires a sink unless running dry")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		embedder: embedder,
		sink:     sink,
		config:   config,
		logger:   logger.With(zap.String("component", "ingest")),
	}, nil
}

// ProcessFile ingests a CSV, JSONL or Parquet file
func (p *Pipeline) ProcessFile(ctx context.Context, path string) (*Result, error) {
	format := DetectFileFormat(path)
	p.logger.Info("Starting ingest",
		zap.String("file", path),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.Workers),
		zap.Bool("dry_run", p.config.DryRun))

	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return p.Process(ctx, r)
}

// Process reads every record from r, embeds it and writes it to the sink. Batches that
// fail to embed or insert are counted and skipped; read failures and cancellation stop
// the run.
func (p *Pipeline) Process(ctx context.Context, r RecordReader) (*Result, error) {
	p.mu.Lock()
	p.result = &Result{}
	p.start = time.Now()
	p.lastReport = 0
	p.mu.Unlock()

	batches := make(chan []Record)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		return p.readBatches(gctx, r, batches)
	})
	for i := 0; i < p.config.Workers; i++ {
		g.Go(func() error {
			for b := range batches {
				if err := p.processBatch(gctx, b); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()

	result := p.snapshot()
	if err == nil && p.config.CreateIndex && !p.config.DryRun && result.Inserted > 0 {
		p.logger.Info("Creating vector similarity index")
		indexStart := time.Now()
		if ierr := p.sink.CreateIndex(ctx); ierr != nil {
			p.logger.Warn("Failed to create vector index", zap.Error(ierr))
		} else {
			p.logger.Info("Vector index created", zap.Duration("duration", time.Since(indexStart)))
		}
	}

	result.Duration = time.Since(p.start)
	p.logger.Info("Ingest completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("embedded", result.Embedded),
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates", result.Duplicates),
		zap.Int64("invalid", result.Invalid),
		zap.Int64("failed", result.Failed),
		zap.Duration("duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime),
		zap.Error(err))

	return result, err
}

// readBatches groups valid records into batches of config.BatchSize
func (p *Pipeline) readBatches(ctx context.Context, r RecordReader, out chan<- []Record) error {
	batch := make([]Record, 0, p.config.BatchSize)
	send := func() error {
		if len(batch) == 0 {
			return nil
		}
		select {
		case out <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
		batch = make([]Record, 0, p.config.BatchSize)
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return send()
		}
		if errors.Is(err, errAbort) {
			return fmt.Errorf("failed to read input: %w", err)
		}

		p.mu.Lock()
		p.result.TotalRecords++
		if err == nil && strings.TrimSpace(rec.Text) == "" {
			err = errors.New("empty text")
		}
		if err != nil {
			p.result.Invalid++
			p.addErrorLocked(fmt.Sprintf("record %d: %v", p.result.TotalRecords, err))
			p.mu.Unlock()
			p.logger.Debug("Skipping invalid record", zap.Error(err))
			continue
		}
		p.mu.Unlock()

		batch = append(batch, rec)
		if len(batch) == p.config.BatchSize {
			if err := send(); err != nil {
				return err
			}
		}
	}
}

// processBatch embeds and stores one batch. It only returns an error when the run must stop.
func (p *Pipeline) processBatch(ctx context.Context, batch []Record) error {
	texts := make(embeddings.Input, len(batch))
	for i, rec := range batch {
		texts[i] = rec.Text
	}

	requestID := "ingest-" + uuid.NewString()
	embedStart := time.Now()
	resp, err := p.embedder.Handle(ctx, embeddings.Request{Input: texts, RequestID: requestID})
	embedTime := time.Since(embedStart)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("Batch embedding failed", zap.String("request_id", requestID), zap.Error(err))
		p.fail(len(batch), embedTime, 0, fmt.Errorf("embed batch: %w", err))
		return nil
	}

	p.mu.Lock()
	p.result.Embedded += int64(len(resp.Data))
	p.result.Tokens += int64(resp.Usage.TotalTokens)
	p.result.EmbeddingTime += embedTime
	p.mu.Unlock()

	if p.config.DryRun {
		p.reportProgress()
		return nil
	}

	if err := p.ensureSchema(ctx, len(resp.Data[0].Embedding)); err != nil {
		return err
	}

	records := make([]*vector.Record, len(batch))
	for i, rec := range batch {
		records[i] = &vector.Record{
			ExternalID: rec.ID,
			Text:       rec.Text,
			TextHash:   vector.TextHash(rec.Text),
			Model:      p.embedder.Model(),
			Embedding:  resp.Data[i].Embedding,
		}
	}

	dbStart := time.Now()
	inserted, err := p.sink.BatchInsert(ctx, records)
	dbTime := time.Since(dbStart)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("Batch insert failed", zap.String("request_id", requestID), zap.Error(err))
		p.fail(len(batch), 0, dbTime, fmt.Errorf("insert batch: %w", err))
		return nil
	}

	p.mu.Lock()
	p.result.Inserted += inserted.Inserted
	p.result.Duplicates += inserted.Duplicates
	p.result.DatabaseTime += dbTime
	p.mu.Unlock()

	p.reportProgress()
	return nil
}

// ensureSchema creates the table on the first stored batch, once the dimension is known
func (p *Pipeline) ensureSchema(ctx context.Context, dim int) error {
	p.schemaMu.Lock()
	defer p.schemaMu.Unlock()
	if p.schemaReady {
		return nil
	}
	if err := p.sink.EnsureSchema(ctx, dim); err != nil {
		return fmt.Errorf("failed to prepare vector table: %w", err)
	}
	p.schemaReady = true
	return nil
}

func (p *Pipeline) fail(n int, embedTime, dbTime time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result.Failed += int64(n)
	p.result.EmbeddingTime += embedTime
	p.result.DatabaseTime += dbTime
	p.addErrorLocked(err.Error())
}

func (p *Pipeline) addErrorLocked(msg string) {
	if len(p.result.Errors) < maxReportedErrors {
		p.result.Errors = append(p.result.Errors, msg)
	}
}

// reportProgress logs each time another config.ProgressReport records are done
func (p *Pipeline) reportProgress() {
	if p.config.ProgressReport <= 0 {
		return
	}

	p.mu.Lock()
	done := p.result.Embedded + p.result.Failed
	every := int64(p.config.ProgressReport)
	if done/every <= p.lastReport/every {
		p.mu.Unlock()
		return
	}
	p.lastReport = done
	snapshot := *p.result
	p.mu.Unlock()

	elapsed := time.Since(p.start)
	p.logger.Info("Ingest progress",
		zap.Int64("records_done", done),
		zap.Int64("records_read", snapshot.TotalRecords),
		zap.Int64("inserted", snapshot.Inserted),
		zap.Int64("failed", snapshot.Failed),
		zap.Float64("rate_per_sec", float64(done)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}

func (p *Pipeline) snapshot() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := *p.result
	result.Errors = append([]string(nil), p.result.Errors...)
	return &result
}

// Search embeds text and returns the nearest stored records for the embedder's model
func Search(ctx context.Context, embedder Embedder, searcher Searcher, text string, limit int) ([]*vector.Match, error) {
	resp, err := embedder.Handle(ctx, embeddings.Request{
		Input:     embeddings.Input{text},
		RequestID: "query-" + uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return searcher.FindSimilar(ctx, embedder.Model(), resp.Data[0].Embedding, limit)
}
