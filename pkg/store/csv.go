package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/congress-harvest/pkg/bills"
)

// CSVStore appends rows to a CSV file. The header is written only when
// the file is new or empty.
type CSVStore struct {
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewCSVStore returns a store for path. The file is created on first Append.
func NewCSVStore(path string) *CSVStore {
	return &CSVStore{
		path:   path,
		logger: log.With().Str("component", "csv-store").Str("path", path).Logger(),
	}
}

// Path returns the output file path.
func (s *CSVStore) Path() string {
	return s.path
}

// ExistingIndices returns the values of the index column already written.
// A missing file yields an empty set. A malformed or unterminated trailing
// record, left by an interrupted write, is not counted.
func (s *CSVStore) ExistingIndices(ctx context.Context) (IndexSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := IndexSet{}

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return set, nil
		}
		return nil, fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	col := -1
	onHeader := func(header []string) error {
		col = slices.Index(header, bills.ColumnIndex)
		if col < 0 {
			return fmt.Errorf("output %s has no %q column", s.path, bills.ColumnIndex)
		}
		return nil
	}
	each := func(line int, rec []string) {
		if col >= len(rec) {
			return
		}
		idx, err := strconv.Atoi(rec[col])
		if err != nil {
			s.logger.Warn().Int("line", line).Str("value", rec[col]).Msg("Skipping record with non-integer index")
			return
		}
		set.Add(idx)
	}

	if _, _, err := s.scan(ctx, f, onHeader, each); err != nil {
		return nil, err
	}
	return set, nil
}

// scan reads f from the start. It returns the header (nil for an empty
// file) and the offset just past the last complete record. Reading stops
// at a malformed record or at a final record missing its line terminator;
// neither is passed to each.
func (s *CSVStore) scan(ctx context.Context, f *os.File, onHeader func([]string) error, each func(line int, rec []string)) ([]string, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat output: %w", err)
	}
	size := info.Size()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	// Only the record that ends at EOF can lack its newline.
	complete := func() (bool, error) {
		off := r.InputOffset()
		if off < size {
			return true, nil
		}
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil {
			return false, fmt.Errorf("read output tail: %w", err)
		}
		return last[0] == '\n', nil
	}

	rec, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read output header: %w", err)
	}
	ok, err := complete()
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		s.logger.Warn().Msg("Output header is incomplete; treating file as empty")
		return nil, 0, nil
	}
	header := slices.Clone(rec)
	if onHeader != nil {
		if err := onHeader(header); err != nil {
			return nil, 0, err
		}
	}
	end := r.InputOffset()

	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn().Err(err).Int("line", line).Msg("Stopping scan at malformed record")
			break
		}
		ok, err := complete()
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			s.logger.Warn().Int("line", line).Msg("Stopping scan at unterminated final record")
			break
		}
		if each != nil {
			each(line, rec)
		}
		end = r.InputOffset()
	}

	return header, end, nil
}

// Append writes rows and syncs the file before returning. Bytes after the
// last complete record, left by an interrupted write, are truncated first
// so new rows never follow a broken line.
func (s *CSVStore) Append(ctx context.Context, columns []string, rows []bills.OutputRow) error {
	if len(rows) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	existing, end, err := s.scan(ctx, f, nil, nil)
	if err != nil {
		return err
	}
	if existing != nil && !slices.Equal(existing, columns) {
		return fmt.Errorf("%w: %s", ErrHeaderMismatch, s.path)
	}

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat output: %w", err)
	}
	if info.Size() > end {
		s.logger.Warn().
			Int64("offset", end).
			Int64("dropped_bytes", info.Size()-end).
			Msg("Truncating incomplete trailing record")
		if err := f.Truncate(end); err != nil {
			return fmt.Errorf("truncate output: %w", err)
		}
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		return fmt.Errorf("seek output: %w", err)
	}

	w := csv.NewWriter(f)
	if existing == nil {
		if err := w.Write(columns); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, row := range rows {
		if err := w.Write(cells(columns, row)); err != nil {
			return fmt.Errorf("write row %d: %w", row.Record.ID.RowIndex, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}

	s.logger.Debug().Int("rows", len(rows)).Bool("header", existing == nil).Msg("Appended rows")
	return nil
}
