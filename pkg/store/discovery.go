package store

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/congress-harvest/pkg/partition"
)

// DiscoveryColumns is the header of the bill list written by discovery.
// Its congress, type and number columns make it a valid enrichment input.
var DiscoveryColumns = []string{
	"congress",
	"type",
	"number",
	"title",
	"originChamber",
	"updateDate",
	"updateDateIncludingText",
	"url",
	"latestAction",
	"query_start_time",
	"query_end_time",
	"granularity",
}

// The fields copied from each bill object, in header order.
var discoveryFields = DiscoveryColumns[:9]

// WriteDiscovery writes items with a header. String fields are written
// unquoted and nested objects as compact JSON.
func WriteDiscovery(w io.Writer, items []partition.Item) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(DiscoveryColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, it := range items {
		row, err := discoveryRow(it)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write item %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteDiscoveryFile writes items to path, replacing any existing file.
func WriteDiscoveryFile(path string, items []partition.Item) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteDiscovery(f, items); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func discoveryRow(it partition.Item) ([]string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(it.Record, &obj); err != nil {
		return nil, fmt.Errorf("decode bill: %w", err)
	}

	row := make([]string, 0, len(DiscoveryColumns))
	for _, name := range discoveryFields {
		row = append(row, cell(obj[name]))
	}
	return append(row,
		it.Range.Start.UTC().Format(time.RFC3339),
		it.Range.End.UTC().Format(time.RFC3339),
		it.Granularity.String(),
	), nil
}

func cell(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}
