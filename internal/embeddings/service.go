package embeddings

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/raaihank/embedding-server/internal/admission"
	"github.com/raaihank/embedding-server/internal/batch"
	"github.com/raaihank/embedding-server/internal/cache"
	"github.com/raaihank/embedding-server/internal/metrics"
	"github.com/raaihank/embedding-server/internal/tokenize"
)

// State is a step of a request's lifecycle.
type State string

const (
	StateReceived     State = "received"
	StateAdmitted     State = "admitted"
	StateTokenizing   State = "tokenizing"
	StateAssembling   State = "assembling"
	StateInferring    State = "inferring"
	StateReassembling State = "reassembling"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Inferer runs one assembled batch through the inference engine.
type Inferer interface {
	Infer(ctx context.Context, buf batch.Buffer) ([]float32, error)
}

// Dimensioner reports the vector length inference currently produces, or zero while it is
// not yet known.
type Dimensioner interface {
	Dimension() int
}

// Cache stores finished embeddings per scope and text. GetMany returns one slot per
// text with nil for misses.
type Cache interface {
	GetMany(ctx context.Context, scope string, texts []string) ([]*cache.Entry, error)
	SetMany(ctx context.Context, scope string, texts []string, entries []cache.Entry) error
}

// Config wires the service to its collaborators. Cache and Metrics are optional.
type Config struct {
	Model string
	// CacheScope namespaces cache keys; it should change whenever the engine or its output
	// dimension does. Defaults to Model.
	CacheScope string
	Admission *admission.Controller
	Tokenizer *tokenize.Adapter
	Gateway   Inferer
	Cache     Cache
	Metrics   *metrics.Metrics
}

// Service turns embedding requests into responses through admission, tokenization,
// batch assembly, inference and reassembly.
type Service struct {
	model     string
	scope     string
	admission *admission.Controller
	tokenizer *tokenize.Adapter
	gateway   Inferer
	cache     Cache
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewService creates the request orchestrator.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.Admission == nil || cfg.Tokenizer == nil || cfg.Gateway == nil {
		return nil, fmt.Errorf("embedding service requires admission, tokenizer and gateway")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	scope := cfg.CacheScope
	if scope == "" {
		scope = model
	}
	return &Service{
		model:     model,
		scope:     scope,
		admission: cfg.Admission,
		tokenizer: cfg.Tokenizer,
		gateway:   cfg.Gateway,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		logger:    logger,
		tracer:    otel.Tracer("github.com/raaihank/embedding-server/internal/embeddings"),
	}, nil
}

// Model returns the name reported in responses.
func (s *Service) Model() string { return s.model }

// Handle processes one request. Every error it returns is an *Error. The admission slot
// taken for the request is released before Handle returns, whatever the outcome.
func (s *Service) Handle(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	state := StateReceived
	log := s.logger.With(zap.String("request_id", req.RequestID))

	ctx, span := s.tracer.Start(ctx, "embeddings.Handle", trace.WithAttributes(
		attribute.Int("embedding.items", len(req.Input)),
		attribute.String("embedding.model", s.model),
	))
	defer func() {
		outcome := StateCompleted
		if err != nil {
			outcome = StateFailed
			e := classify(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, e.Message)
			fields := []zap.Field{
				zap.String("failed_in", string(state)),
				zap.String("kind", e.Kind.String()),
				zap.Error(e.Err),
			}
			if e.Kind.ClientFault() {
				log.Debug("Embedding request rejected", fields...)
			} else {
				log.Error("Embedding request failed", fields...)
			}
		} else {
			log.Debug("Embedding request completed",
				zap.Int("items", len(resp.Data)),
				zap.Int("tokens", resp.Usage.TotalTokens),
				zap.Int("cache_hits", resp.CacheHits),
				zap.Duration("duration", time.Since(start)))
		}
		span.End()
		s.metrics.ObserveRequest(string(outcome), time.Since(start))
	}()

	if len(req.Input) == 0 {
		return nil, errEmptyInput
	}

	waitStart := time.Now()
	token, err := s.admission.Acquire(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer token.Release()
	s.metrics.ObserveAdmissionWait(time.Since(waitStart))
	state = StateAdmitted

	texts := []string(req.Input)
	vectors := make([][]float32, len(texts))
	tokens := make([]int, len(texts))
	pending := s.lookupCache(ctx, log, texts, vectors, tokens)

	if len(pending) > 0 {
		pendingTexts := make([]string, len(pending))
		for i, idx := range pending {
			pendingTexts[i] = texts[idx]
		}

		out, counts, err := s.run(ctx, &state, pendingTexts)
		if err != nil {
			return nil, classify(err)
		}
		for _, e := range out {
			idx := pending[e.Index]
			vectors[idx] = e.Vector
			tokens[idx] = counts[e.Index]
		}
		s.storeCache(ctx, log, pendingTexts, out, counts)
	}

	resp = &Response{
		Model:     s.model,
		Object:    "list",
		Data:      make([]Item, len(texts)),
		CacheHits: len(texts) - len(pending),
	}
	dim := len(vectors[0])
	for i := range texts {
		if len(vectors[i]) != dim {
			return nil, classify(fmt.Errorf("%w: item %d has %d values, item 0 has %d",
				batch.ErrDimensionMismatch, i, len(vectors[i]), dim))
		}
		resp.Data[i] = Item{Embedding: vectors[i], Index: i, Object: "embedding"}
		resp.Usage.PromptTokens += tokens[i]
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens
	return resp, nil
}

// run executes the core pipeline for texts and returns their embeddings in order plus
// the token count of each item.
func (s *Service) run(ctx context.Context, state *State, texts []string) ([]batch.Embedding, []int, error) {
	var seqs []tokenize.Sequence
	if err := s.stage(ctx, state, StateTokenizing, func(ctx context.Context) (err error) {
		seqs, err = s.tokenizer.TokenizeAll(ctx, texts)
		return err
	}); err != nil {
		return nil, nil, err
	}

	var buf batch.Buffer
	if err := s.stage(ctx, state, StateAssembling, func(context.Context) (err error) {
		buf, err = batch.Assemble(seqs)
		return err
	}); err != nil {
		return nil, nil, err
	}
	s.metrics.ObserveBatch(buf.Items(), buf.Tokens())

	var flat []float32
	if err := s.stage(ctx, state, StateInferring, func(ctx context.Context) (err error) {
		flat, err = s.gateway.Infer(ctx, buf)
		return err
	}); err != nil {
		return nil, nil, err
	}

	var out []batch.Embedding
	if err := s.stage(ctx, state, StateReassembling, func(context.Context) (err error) {
		out, err = batch.Split(flat, buf.Items())
		return err
	}); err != nil {
		return nil, nil, err
	}

	return out, buf.Lengths, nil
}

func (s *Service) stage(ctx context.Context, state *State, next State, fn func(context.Context) error) error {
	*state = next
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "embeddings."+string(next))
	defer span.End()

	err := fn(ctx)
	s.metrics.ObserveStage(string(next), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(next)+" failed")
	}
	return err
}

// lookupCache fills vectors and tokens for cached texts and returns the indexes still to compute.
// Entries whose length differs from the engine's current dimension are misses; while the
// dimension is unknown the cache is not consulted.
func (s *Service) lookupCache(ctx context.Context, log *zap.Logger, texts []string, vectors [][]float32, tokens []int) []int {
	pending := make([]int, 0, len(texts))
	dim := s.dimension()
	if s.cache == nil || dim == 0 {
		for i := range texts {
			pending = append(pending, i)
		}
		if s.cache != nil {
			s.metrics.CacheLookups(0, len(texts))
		}
		return pending
	}

	entries, err := s.cache.GetMany(ctx, s.scope, texts)
	if err != nil || len(entries) != len(texts) {
		log.Warn("Embedding cache lookup failed", zap.Error(err))
		entries = make([]*cache.Entry, len(texts))
	}
	stale := 0
	for i, entry := range entries {
		if entry == nil {
			pending = append(pending, i)
			continue
		}
		if len(entry.Embedding) != dim {
			stale++
			pending = append(pending, i)
			continue
		}
		vectors[i] = entry.Embedding
		tokens[i] = entry.Tokens
	}
	if stale > 0 {
		log.Debug("Ignoring cached embeddings of another dimension",
			zap.Int("stale", stale), zap.Int("dimension", dim))
	}
	s.metrics.CacheLookups(len(texts)-len(pending), len(pending))
	return pending
}

func (s *Service) dimension() int {
	if d, ok := s.gateway.(Dimensioner); ok {
		return d.Dimension()
	}
	return 0
}

// storeCache writes fresh embeddings in the background; failures are only logged.
func (s *Service) storeCache(ctx context.Context, log *zap.Logger, texts []string, out []batch.Embedding, counts []int) {
	if s.cache == nil {
		return
	}
	entries := make([]cache.Entry, len(out))
	for i, e := range out {
		entries[i] = cache.Entry{Embedding: e.Vector, Tokens: counts[e.Index]}
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.cache.SetMany(ctx, s.scope, texts, entries); err != nil {
			log.Warn("Failed to cache embeddings", zap.Error(err))
		}
	}()
}
