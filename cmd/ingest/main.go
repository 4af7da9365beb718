package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"go.uber.org/zap"

	"github.com/raaihank/embedding-server/internal/app"
	"github.com/raaihank/embedding-server/internal/cache"
	"github.com/raaihank/embedding-server/internal/config"
	"github.com/raaihank/embedding-server/internal/ingest"
	"github.com/raaihank/embedding-server/internal/logger"
	"github.com/raaihank/embedding-server/internal/vector"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Configuration file path")
		inputFile   = flag.String("input", "", "Input dataset file (CSV, JSONL, or Parquet)")
		batchSize   = flag.Int("batch-size", 0, "Records per embedding batch (default from config)")
		workers     = flag.Int("workers", 0, "Concurrent batches (default from config)")
		dryRun      = flag.Bool("dry-run", false, "Embed records without writing to the database")
		createIndex = flag.Bool("create-index", false, "Create the vector similarity index after loading")
		showStats   = flag.Bool("stats", false, "Show database statistics and exit")
		query       = flag.String("query", "", "Print the stored texts nearest to this text and exit")
		limit       = flag.Int("limit", 5, "Number of results for --query")
	)
	flag.Parse()

	if *inputFile == "" && !*showStats && *query == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input corpus.csv --batch-size 64\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input corpus.parquet --workers 8 --create-index\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input corpus.jsonl --dry-run\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --query \"reset my password\"\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ingestCfg := ingest.Config{
		BatchSize:      cfg.Ingest.BatchSize,
		Workers:        cfg.Ingest.Workers,
		ProgressReport: cfg.Ingest.ProgressReport,
		CreateIndex:    cfg.Ingest.CreateIndex || *createIndex,
		DryRun:         *dryRun,
	}
	if *batchSize > 0 {
		ingestCfg.BatchSize = *batchSize
	}
	if *workers > 0 {
		ingestCfg.Workers = *workers
	}

	var runErr error
	switch {
	case *showStats:
		runErr = showDatabaseStats(ctx, cfg, log)
	case *query != "":
		runErr = runQuery(ctx, cfg, log, *query, *limit)
	default:
		runErr = runIngest(ctx, cfg, log, ingestCfg, *inputFile)
	}
	if runErr != nil {
		log.Error("Ingest failed", zap.Error(runErr))
		log.Sync()
		os.Exit(1)
	}
}

func runIngest(ctx context.Context, cfg *config.Config, log *logger.Logger, ingestCfg ingest.Config, inputFile string) error {
	if _, err := os.Stat(inputFile); err != nil {
		return fmt.Errorf("input file: %w", err)
	}

	pipeline, err := app.Build(cfg, log, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to build embedding pipeline: %w", err)
	}
	defer pipeline.Close()

	var sink ingest.Sink
	if !ingestCfg.DryRun {
		store, err := vector.NewStore(cfg.Database, log.WithComponent("vector").Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize vector store: %w", err)
		}
		defer store.Close()
		sink = store
	}

	p, err := ingest.NewPipeline(pipeline.Service, sink, ingestCfg, log.Logger)
	if err != nil {
		return err
	}

	result, err := p.ProcessFile(ctx, inputFile)
	if err != nil {
		return fmt.Errorf("ingest of %s failed: %w", inputFile, err)
	}

	fmt.Printf("\n=== Ingest Summary ===\n")
	fmt.Printf("Records read:       %d\n", result.TotalRecords)
	fmt.Printf("Invalid:            %d\n", result.Invalid)
	fmt.Printf("Embedded:           %d\n", result.Embedded)
	fmt.Printf("Inserted:           %d\n", result.Inserted)
	fmt.Printf("Duplicates:         %d\n", result.Duplicates)
	fmt.Printf("Failed:             %d\n", result.Failed)
	fmt.Printf("Tokens:             %d\n", result.Tokens)
	fmt.Printf("Duration:           %v\n", result.Duration)
	if result.Duration > 0 {
		fmt.Printf("Records/second:     %.1f\n", float64(result.Embedded)/result.Duration.Seconds())
	}

	if len(result.Errors) > 0 {
		log.Warn("Ingest completed with errors", zap.Int("error_count", len(result.Errors)), zap.Strings("errors", result.Errors))
	}
	return nil
}

func runQuery(ctx context.Context, cfg *config.Config, log *logger.Logger, text string, limit int) error {
	pipeline, err := app.Build(cfg, log, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to build embedding pipeline: %w", err)
	}
	defer pipeline.Close()

	store, err := vector.NewStore(cfg.Database, log.WithComponent("vector").Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	defer store.Close()

	matches, err := ingest.Search(ctx, pipeline.Service, store, text, limit)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== Nearest to %q (model %s) ===\n", text, pipeline.Service.Model())
	for i, m := range matches {
		fmt.Printf("%2d. %.4f  %s\n", i+1, m.Similarity, m.Record.Text)
	}
	if len(matches) == 0 {
		fmt.Println("No stored records for this model")
	}
	return nil
}

func showDatabaseStats(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	store, err := vector.NewStore(cfg.Database, log.WithComponent("vector").Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== Embedding Store Statistics ===\n")
	fmt.Printf("Total records:      %d\n", stats.TotalRecords)
	models := make([]string, 0, len(stats.ByModel))
	for m := range stats.ByModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		fmt.Printf("  %-24s %d\n", m, stats.ByModel[m])
	}

	if cfg.Cache.Enabled {
		if err := showCacheStats(ctx, cfg, log); err != nil {
			log.Warn("Cache statistics unavailable", zap.Error(err))
		}
	}
	return nil
}

func showCacheStats(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	c, err := cache.NewRedisCache(cfg.Cache, log.WithComponent("cache").Logger)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\n=== Embedding Cache Statistics ===\n")
	fmt.Printf("Total keys:         %d\n", stats.TotalKeys)
	fmt.Printf("Memory usage:       %.2f MB\n", float64(stats.MemoryUsage)/1024/1024)
	return nil
}
