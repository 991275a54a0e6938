package bills

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Column names the loader depends on.
const (
	ColumnCongress = "congress"
	ColumnNumber   = "number"
	ColumnType     = "type"
	ColumnIndex    = "index"
)

var (
	// ErrMalformedInput marks a row lacking a usable identity triple.
	ErrMalformedInput = errors.New("malformed input row")

	// ErrMissingColumn is returned when the input header lacks a required column.
	ErrMissingColumn = errors.New("missing required column")
)

// Input is a loaded, normalised input table.
type Input struct {
	// Columns is the output column order for the original fields. It always
	// contains ColumnIndex.
	Columns []string

	// Records holds the usable rows in input order.
	Records []Record

	// Dropped lists rows rejected before any network activity.
	Dropped []DroppedRow
}

// DroppedRow records why an input row was excluded.
type DroppedRow struct {
	RowIndex int
	Err      error
}

// LoadFile opens path and loads it with Load.
func LoadFile(path string) (*Input, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// Load reads a CSV table with a header row. Rows missing congress, number
// or type, or whose congress/number are not integral, are dropped.
// The congress and number fields are rewritten as plain integers and the
// type is lower-cased. The index column holds the row's 0-based position
// in the input, counted before any row is dropped.
func Load(r io.Reader) (*Input, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read header: empty input")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := append([]string(nil), header...)
	pos := make(map[string]int, len(columns))
	for i, name := range columns {
		name = strings.TrimSpace(name)
		columns[i] = name
		if _, ok := pos[name]; !ok {
			pos[name] = i
		}
	}

	for _, required := range []string{ColumnCongress, ColumnNumber, ColumnType} {
		if _, ok := pos[required]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, required)
		}
	}

	indexPos, hasIndex := pos[ColumnIndex]
	if !hasIndex {
		indexPos = len(columns)
		columns = append(columns, ColumnIndex)
	}

	in := &Input{Columns: columns}

	for row := 0; ; row++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row, err)
		}

		normalized := make([]string, len(columns))
		copy(normalized, fields)

		id, err := parseIdentity(normalized, pos, row)
		if err != nil {
			in.Dropped = append(in.Dropped, DroppedRow{RowIndex: row, Err: err})
			continue
		}

		normalized[pos[ColumnCongress]] = strconv.Itoa(id.Congress)
		normalized[pos[ColumnNumber]] = strconv.Itoa(id.Number)
		normalized[pos[ColumnType]] = id.Type
		normalized[indexPos] = strconv.Itoa(row)

		in.Records = append(in.Records, Record{ID: id, Fields: normalized})
	}

	return in, nil
}

func parseIdentity(fields []string, pos map[string]int, row int) (Identity, error) {
	congress, err := parseIntegral(fields[pos[ColumnCongress]])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: congress: %v", ErrMalformedInput, err)
	}

	number, err := parseIntegral(fields[pos[ColumnNumber]])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: number: %v", ErrMalformedInput, err)
	}

	billType := strings.ToLower(strings.TrimSpace(fields[pos[ColumnType]]))
	if billType == "" {
		return Identity{}, fmt.Errorf("%w: type: empty", ErrMalformedInput)
	}

	return Identity{
		Congress: congress,
		Type:     billType,
		Number:   number,
		RowIndex: row,
	}, nil
}

// parseIntegral accepts "118" and "118.0" but not "118.5" or "".
func parseIntegral(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty")
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int(f), nil
}
