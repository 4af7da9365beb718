package vector

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Store persists embeddings in PostgreSQL with the pgvector extension.
type Store struct {
	db     *sqlx.DB
	table  string
	logger *zap.Logger
}

// NewStore connects to the database and checks that pgvector is installed.
func NewStore(config Config, logger *zap.Logger) (*Store, error) {
	table := config.Table
	if table == "" {
		table = "embeddings"
	}
	if !identifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	db, err := sqlx.Connect("postgres", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &Store{db: db, table: table, logger: logger}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Vector store initialized",
		zap.String("database_url", maskDatabaseURL(config.URL)),
		zap.String("table", table),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

// initialize checks the connection and the pgvector extension
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var extensionExists bool
	query := "SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')"
	if err := s.db.GetContext(ctx, &extensionExists, query); err != nil {
		return fmt.Errorf("failed to check pgvector extension: %w", err)
	}
	if !extensionExists {
		return fmt.Errorf("pgvector extension is not installed")
	}
	return nil
}

// EnsureSchema creates the embeddings table for vectors of length dim if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id          BIGSERIAL PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			text        TEXT NOT NULL,
			text_hash   TEXT NOT NULL,
			model       TEXT NOT NULL,
			embedding   vector(%[2]d) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (model, text_hash)
		)`, s.table, dim)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	s.logger.Info("Embedding table ready", zap.String("table", s.table), zap.Int("dimension", dim))
	return nil
}

// BatchInsert stores records in one statement, skipping texts already stored for the model.
func (s *Store) BatchInsert(ctx context.Context, records []*Record) (*BatchInsertResult, error) {
	if len(records) == 0 {
		return &BatchInsertResult{}, nil
	}

	start := time.Now()
	query, args := buildInsert(s.table, records)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(records))
	}

	result := &BatchInsertResult{
		Inserted:   inserted,
		Duplicates: int64(len(records)) - inserted,
		Duration:   time.Since(start),
	}
	s.logger.Debug("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func buildInsert(table string, records []*Record) (string, []interface{}) {
	const cols = 5
	valueStrings := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*cols)
	for i, r := range records {
		n := i * cols
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5))
		args = append(args, r.ExternalID, r.Text, r.TextHash, r.Model, formatEmbedding(r.Embedding))
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (external_id, text, text_hash, model, embedding)
		VALUES %s
		ON CONFLICT (model, text_hash) DO NOTHING`,
		table, strings.Join(valueStrings, ","))
	return query, args
}

// FindSimilar returns the records of model closest to embedding by cosine distance.
func (s *Store) FindSimilar(ctx context.Context, model string, embedding []float32, limit int) ([]*Match, error) {
	if limit <= 0 {
		limit = 5
	}

	query := fmt.Sprintf(`
		SELECT id, external_id, text, text_hash, model, embedding::text, created_at,
			(1 - (embedding <=> $1)) AS similarity,
			(embedding <=> $1) AS distance
		FROM %s
		WHERE model = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, s.table)

	rows, err := s.db.QueryContext(ctx, query, formatEmbedding(embedding), model, limit)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var matches []*Match
	for rows.Next() {
		var (
			rec          Record
			match        Match
			embeddingStr string
		)
		if err := rows.Scan(&rec.ID, &rec.ExternalID, &rec.Text, &rec.TextHash, &rec.Model,
			&embeddingStr, &rec.CreatedAt, &match.Similarity, &match.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan similarity result: %w", err)
		}
		if rec.Embedding, err = parseEmbedding(embeddingStr); err != nil {
			return nil, err
		}
		match.Record = &rec
		matches = append(matches, &match)
	}
	return matches, rows.Err()
}

// Stats counts stored records per model.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Model string `db:"model"`
		Count int64  `db:"count"`
	}
	query := fmt.Sprintf("SELECT model, COUNT(*) AS count FROM %s GROUP BY model", s.table)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get vector stats: %w", err)
	}

	stats := &Stats{ByModel: make(map[string]int64, len(rows))}
	for _, r := range rows {
		stats.ByModel[r.Model] = r.Count
		stats.TotalRecords += r.Count
	}
	return stats, nil
}

// CreateIndex builds an HNSW cosine index over the embedding column.
func (s *Store) CreateIndex(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding
		ON %[1]s USING hnsw (embedding vector_cosine_ops)`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	s.logger.Info("Vector similarity index created", zap.String("table", s.table))
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// formatEmbedding converts a float32 slice to the pgvector text format
func formatEmbedding(embedding []float32) string {
	var b strings.Builder
	b.Grow(len(embedding)*10 + 2)
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseEmbedding converts the pgvector text format back to a float32 slice
func parseEmbedding(s string) ([]float32, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return []float32{}, nil
	}

	parts := strings.Split(s, ",")
	embedding := make([]float32, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedding value %q: %w", part, err)
		}
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	scheme, rest := "", url
	if i := strings.Index(url, "://"); i >= 0 {
		scheme, rest = url[:i+3], url[i+3:]
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return url
	}
	userInfo := rest[:at]
	colon := strings.Index(userInfo, ":")
	if colon < 0 {
		return url
	}
	return scheme + userInfo[:colon+1] + "***" + rest[at:]
}
