// Package app owns the embedding pipeline's long-lived components: it builds them once
// from configuration and closes them once at shutdown.
package app

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/embedding-server/internal/admission"
	"github.com/raaihank/embedding-server/internal/cache"
	"github.com/raaihank/embedding-server/internal/config"
	"github.com/raaihank/embedding-server/internal/embeddings"
	"github.com/raaihank/embedding-server/internal/inference"
	"github.com/raaihank/embedding-server/internal/logger"
	"github.com/raaihank/embedding-server/internal/metrics"
	"github.com/raaihank/embedding-server/internal/server"
	"github.com/raaihank/embedding-server/internal/tokenize"
)

// Options replace components Build would otherwise load from configuration.
type Options struct {
	Tokenizer tokenize.Tokenizer
	Engine    inference.Engine
	// DisableCache skips the Redis cache even when configured.
	DisableCache bool
}

// App is the wired embedding pipeline.
type App struct {
	Service   *embeddings.Service
	Admission *admission.Controller
	Gateway   *inference.Gateway
	Metrics   *metrics.Metrics
	Cache     *cache.RedisCache

	logger *zap.Logger
}

// Build loads the tokenizer and engine and wires the pipeline around them.
func Build(cfg *config.Config, log *logger.Logger, opts Options) (*App, error) {
	a := &App{logger: log.WithComponent("app").Logger}
	if err := a.build(cfg, log, opts); err != nil {
		a.Close()
		return nil, err
	}

	a.logger.Info("Embedding pipeline ready",
		zap.String("model", a.Service.Model()),
		zap.String("engine", cfg.Model.Engine),
		zap.String("discipline", string(a.Gateway.Discipline())),
		zap.Int("workers", a.Gateway.Workers()),
		zap.Int("dimension", a.Gateway.Dimension()),
		zap.Int("max_concurrent", a.Admission.Capacity()),
		zap.Bool("cache", a.Cache != nil))
	return a, nil
}

func (a *App) build(cfg *config.Config, log *logger.Logger, opts Options) error {
	var err error

	tk := opts.Tokenizer
	if tk == nil {
		hf, err := tokenize.LoadFile(cfg.Model.TokenizerPath)
		if err != nil {
			return err
		}
		tk = hf
	}

	engine := opts.Engine
	if engine == nil {
		if engine, err = newEngine(cfg.Model, log.WithComponent("engine").Logger); err != nil {
			return err
		}
	}

	a.Gateway, err = inference.NewGateway(engine, cfg.Inference, log.WithComponent("gateway").Logger)
	if err != nil {
		engine.Close()
		return err
	}

	a.Admission = admission.New(cfg.Admission)

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New(cfg.Metrics, metrics.Gauges{
			InFlight:   func() float64 { return float64(a.Admission.InFlight()) },
			Waiting:    func() float64 { return float64(a.Admission.Waiting()) },
			EngineBusy: func() float64 { return float64(a.Gateway.Busy()) },
		})
	}

	svcCfg := embeddings.Config{
		Model:     cfg.Model.Name,
		Admission: a.Admission,
		Tokenizer: tokenize.NewAdapter(tk, cfg.Tokenizer),
		Gateway:   a.Gateway,
		Metrics:   a.Metrics,
	}

	if cfg.Cache.Enabled && !opts.DisableCache {
		a.Cache, err = cache.NewRedisCache(cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			return err
		}
		svcCfg.Cache = a.Cache
		svcCfg.CacheScope = cache.Scope(cfg.Model.Name, engineIdentity(cfg.Model))
	}

	a.Service, err = embeddings.NewService(svcCfg, log.WithComponent("embeddings").Logger)
	return err
}

func newEngine(cfg config.ModelConfig, logger *zap.Logger) (inference.Engine, error) {
	switch cfg.Engine {
	case "hash":
		return inference.NewHashEngine(cfg.HashDimension)
	case "onnx":
		return inference.NewOnnxEngine(inference.OnnxConfig{
			ModelPath:   cfg.OnnxFile(),
			LibraryPath: cfg.OnnxLibrary,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown model engine %q", cfg.Engine)
	}
}

// engineIdentity distinguishes engine configurations that produce different vectors.
func engineIdentity(cfg config.ModelConfig) string {
	if cfg.Engine == "hash" {
		return fmt.Sprintf("hash%d", cfg.HashDimension)
	}
	return cfg.Engine
}

// ServerDeps returns the collaborators the HTTP server routes to.
func (a *App) ServerDeps() server.Deps {
	deps := server.Deps{
		Service:   a.Service,
		Admission: a.Admission,
		Engine:    a.Gateway,
		Metrics:   a.Metrics,
	}
	if a.Cache != nil {
		deps.Cache = a.Cache
	}
	return deps
}

// Close releases the engine and the cache connection.
func (a *App) Close() error {
	var errs []error
	if a.Gateway != nil {
		if err := a.Gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gateway: %w", err))
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	return errors.Join(errs...)
}
