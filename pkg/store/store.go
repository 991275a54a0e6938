// Package store persists harvested rows. Stores are append-only and report
// the row indices they already hold, which is what makes a pipeline run
// resumable.
package store

import (
	"errors"

	"github.com/Sternrassler/congress-harvest/pkg/bills"
)

// ErrHeaderMismatch is returned when appending to a CSV file whose header
// differs from the columns being written.
var ErrHeaderMismatch = errors.New("existing output header does not match")

// IndexSet is a set of input row indices.
type IndexSet map[int]struct{}

// Has reports whether i is in the set.
func (s IndexSet) Has(i int) bool {
	_, ok := s[i]
	return ok
}

// Add inserts i.
func (s IndexSet) Add(i int) {
	s[i] = struct{}{}
}

// Header returns the output columns: the input columns followed by one
// column per endpoint.
func Header(inputColumns []string, specs []bills.EndpointSpec) []string {
	cols := make([]string, 0, len(inputColumns)+len(specs))
	cols = append(cols, inputColumns...)
	for _, s := range specs {
		cols = append(cols, s.Name)
	}
	return cols
}

// cells renders row under columns. The first len(row.Record.Fields)
// columns come from the input; every later column is looked up as an
// endpoint payload, empty when the endpoint failed.
func cells(columns []string, row bills.OutputRow) []string {
	out := make([]string, len(columns))
	n := copy(out, row.Record.Fields)
	for i := n; i < len(columns); i++ {
		if p := row.Payloads[columns[i]]; p != nil {
			out[i] = string(p)
		}
	}
	return out
}
