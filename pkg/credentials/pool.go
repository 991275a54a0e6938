// Package credentials holds the rotating API key pools, one per credential
// group. A pool never gains or loses tokens: every borrowed token goes back
// to the end of its group's rotation.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrUnknownGroup is returned for a group that was not configured.
	ErrUnknownGroup = errors.New("unknown credential group")

	// ErrEmptyGroup is returned at construction for a group without tokens.
	ErrEmptyGroup = errors.New("credential group has no tokens")
)

var credentialsAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "harvest_credentials_available",
	Help: "Credentials currently idle in each group's rotation",
}, []string{"group"})

// Pool is a set of FIFO token rotations keyed by credential group.
type Pool struct {
	queues map[string]chan string
}

// NewPool builds a pool from group -> ordered tokens. Every group must have
// at least one token.
func NewPool(groups map[string][]string) (*Pool, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no credential groups configured")
	}

	p := &Pool{queues: make(map[string]chan string, len(groups))}
	for group, tokens := range groups {
		if len(tokens) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptyGroup, group)
		}
		// Capacity equals the token count so Return never blocks.
		q := make(chan string, len(tokens))
		for _, tok := range tokens {
			q <- tok
		}
		p.queues[group] = q
		credentialsAvailable.WithLabelValues(group).Set(float64(len(tokens)))
	}
	return p, nil
}

// Borrow removes the token at the front of group's rotation, waiting until
// one is available or ctx is done.
func (p *Pool) Borrow(ctx context.Context, group string) (string, error) {
	q, ok := p.queues[group]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}

	select {
	case tok := <-q:
		credentialsAvailable.WithLabelValues(group).Dec()
		return tok, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Return appends token to the back of group's rotation. Tokens must only be
// returned to the group they were borrowed from.
func (p *Pool) Return(group, token string) {
	q, ok := p.queues[group]
	if !ok {
		panic(fmt.Sprintf("credentials: return to unknown group %q", group))
	}
	select {
	case q <- token:
		credentialsAvailable.WithLabelValues(group).Inc()
	default:
		panic(fmt.Sprintf("credentials: group %q over capacity, token returned twice", group))
	}
}

// Size returns the total number of tokens in group, borrowed or not.
func (p *Pool) Size(group string) int {
	q, ok := p.queues[group]
	if !ok {
		return 0
	}
	return cap(q)
}

// Available returns the number of tokens currently idle in group.
func (p *Pool) Available(group string) int {
	q, ok := p.queues[group]
	if !ok {
		return 0
	}
	return len(q)
}

// Has reports whether group is configured.
func (p *Pool) Has(group string) bool {
	_, ok := p.queues[group]
	return ok
}

// Groups returns the configured group names, sorted.
func (p *Pool) Groups() []string {
	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Require fails fast when any of groups is not configured.
func (p *Pool) Require(groups ...string) error {
	for _, g := range groups {
		if !p.Has(g) {
			return fmt.Errorf("%w: %q", ErrUnknownGroup, g)
		}
	}
	return nil
}
