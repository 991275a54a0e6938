package client

import (
	"context"
	"sync"

	"github.com/Sternrassler/congress-harvest/pkg/bills"
)

// FetchRecord fetches every endpoint of one bill concurrently and returns
// the outcomes keyed by endpoint name. One endpoint's failure does not
// affect the others. The error is non-nil only when ctx ends.
func (c *Client) FetchRecord(ctx context.Context, id bills.Identity, specs []bills.EndpointSpec, state *RunState) (map[string]FetchOutcome, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = make(map[string]FetchOutcome, len(specs))
	)

	for _, spec := range specs {
		wg.Add(1)
		go func(spec bills.EndpointSpec) {
			defer wg.Done()
			out := c.FetchWithRetry(ctx, id, spec, state)

			mu.Lock()
			outcomes[spec.Name] = out
			mu.Unlock()
		}(spec)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// Payloads maps every endpoint to its payload, nil for failed endpoints.
func Payloads(outcomes map[string]FetchOutcome) map[string][]byte {
	payloads := make(map[string][]byte, len(outcomes))
	for name, out := range outcomes {
		if out.OK() {
			payloads[name] = out.Payload
		} else {
			payloads[name] = nil
		}
	}
	return payloads
}
