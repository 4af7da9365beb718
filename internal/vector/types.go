package vector

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Record is one stored embedding.
type Record struct {
	ID         int64     `db:"id" json:"id"`
	ExternalID string    `db:"external_id" json:"external_id,omitempty"`
	Text       string    `db:"text" json:"text"`
	TextHash   string    `db:"text_hash" json:"text_hash"`
	Model      string    `db:"model" json:"model"`
	Embedding  []float32 `db:"embedding" json:"embedding"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Match is a nearest-neighbour search result.
type Match struct {
	Record     *Record `json:"record"`
	Similarity float32 `json:"similarity"`
	Distance   float32 `json:"distance"`
}

// Stats represents database statistics
type Stats struct {
	TotalRecords int64            `json:"total_records"`
	ByModel      map[string]int64 `json:"by_model"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}

// Config contains database configuration
type Config struct {
	URL             string        `yaml:"url" mapstructure:"url"`
	Table           string        `yaml:"table" mapstructure:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// TextHash returns the deduplication key stored with a record.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
