// Package bills defines the units of enrichment work: bill identities, the
// fixed catalogue of per-bill endpoints, and the input/output row shapes.
package bills

import (
	"fmt"
	"strings"
)

// Identity uniquely identifies one unit of enrichment work.
// RowIndex ties a fetched unit back to its input row and is the resume key.
type Identity struct {
	Congress int
	Type     string
	Number   int
	RowIndex int
}

// Path returns the API path of the bill, e.g. "/bill/118/hr/1234".
func (id Identity) Path() string {
	return fmt.Sprintf("/bill/%d/%s/%d", id.Congress, id.Type, id.Number)
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return fmt.Sprintf("%d-%s-%d#%d", id.Congress, id.Type, id.Number, id.RowIndex)
}

// EndpointSpec describes one sub-resource fetched per bill.
// Each endpoint is bound to exactly one credential group.
type EndpointSpec struct {
	Name            string
	PathSuffix      string
	CredentialGroup string
}

// DefaultEndpoints returns the endpoint catalogue in output column order.
// The base bill resource carries sponsors and is stored as "sponsors".
func DefaultEndpoints() []EndpointSpec {
	suffixes := []string{
		"",
		"/cosponsors",
		"/actions",
		"/amendments",
		"/committees",
		"/subjects",
		"/relatedbills",
		"/summaries",
	}

	specs := make([]EndpointSpec, 0, len(suffixes))
	for i, suffix := range suffixes {
		name := strings.TrimPrefix(suffix, "/")
		if name == "" {
			name = "sponsors"
		}
		specs = append(specs, EndpointSpec{
			Name:            name,
			PathSuffix:      suffix,
			CredentialGroup: fmt.Sprintf("group_%d", i+1),
		})
	}
	return specs
}

// Groups returns the distinct credential groups used by specs, in order.
func Groups(specs []EndpointSpec) []string {
	seen := make(map[string]bool, len(specs))
	groups := make([]string, 0, len(specs))
	for _, s := range specs {
		if seen[s.CredentialGroup] {
			continue
		}
		seen[s.CredentialGroup] = true
		groups = append(groups, s.CredentialGroup)
	}
	return groups
}

// Record is one input row: its identity plus the original fields in
// column order.
type Record struct {
	ID     Identity
	Fields []string
}

// OutputRow is an input record joined with the fetched payload of every
// endpoint, keyed by endpoint name. A failed endpoint maps to nil.
type OutputRow struct {
	Record   Record
	Payloads map[string][]byte
}
