package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/segmentio/parquet-go"
)

const maxLineBytes = 16 << 20

// errAbort marks read errors the reader cannot skip past.
var errAbort = errors.New("unrecoverable read error")

// RecordReader yields records until io.EOF. Errors wrapping errAbort end the read;
// other errors reject a single record.
type RecordReader interface {
	Read() (Record, error)
	Close() error
}

// Open returns a reader for the file, choosing the format from its extension
func Open(path string) (RecordReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	var r RecordReader
	switch DetectFileFormat(path) {
	case FormatParquet:
		r, err = newParquetReader(file)
	case FormatJSONL:
		r = newJSONLReader(file)
	default:
		r, err = newCSVReader(file)
	}
	if err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// csvReader reads a CSV file with a header row naming a "text" column and an optional "id" column
type csvReader struct {
	reader  *csv.Reader
	closer  io.Closer
	textCol int
	idCol   int
}

func newCSVReader(rc io.ReadCloser) (*csvReader, error) {
	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	r := &csvReader{reader: reader, closer: rc, textCol: -1, idCol: -1}
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))) {
		case "text":
			r.textCol = i
		case "id":
			r.idCol = i
		}
	}
	if r.textCol < 0 {
		return nil, fmt.Errorf("CSV header has no text column: %v", header)
	}
	return r, nil
}

func (r *csvReader) Read() (Record, error) {
	row, err := r.reader.Read()
	if err != nil {
		var parseErr *csv.ParseError
		if errors.Is(err, io.EOF) || errors.As(err, &parseErr) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("%w: %v", errAbort, err)
	}
	if r.textCol >= len(row) {
		return Record{}, fmt.Errorf("CSV row has %d fields, text is column %d", len(row), r.textCol+1)
	}
	rec := Record{Text: row[r.textCol]}
	if r.idCol >= 0 && r.idCol < len(row) {
		rec.ID = strings.TrimSpace(row[r.idCol])
	}
	return rec, nil
}

func (r *csvReader) Close() error { return r.closer.Close() }

// jsonlReader reads one JSON object per line. Blank lines are skipped.
type jsonlReader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

func newJSONLReader(rc io.ReadCloser) *jsonlReader {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &jsonlReader{scanner: scanner, closer: rc}
}

func (r *jsonlReader) Read() (Record, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return Record{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", errAbort, err)
	}
	return Record{}, io.EOF
}

func (r *jsonlReader) Close() error { return r.closer.Close() }

// parquetReader reads rows with a text column and an optional id column
type parquetReader struct {
	reader *parquet.Reader
	file   *os.File
}

func newParquetReader(file *os.File) (*parquetReader, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat parquet file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("parquet file %s is empty", file.Name())
	}
	return &parquetReader{reader: parquet.NewReader(file), file: file}, nil
}

func (r *parquetReader) Read() (Record, error) {
	var rec Record
	if err := r.reader.Read(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("%w: %v", errAbort, err)
	}
	return rec, nil
}

func (r *parquetReader) Close() error {
	err := r.reader.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
