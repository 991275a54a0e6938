package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/congress-harvest/pkg/bills"
	"github.com/Sternrassler/congress-harvest/pkg/credentials"
)

// FetchWithRetry fetches one endpoint of one bill. The limiter slot is
// held across the whole retry sequence.
func (c *Client) FetchWithRetry(ctx context.Context, id bills.Identity, spec bills.EndpointSpec, state *RunState) FetchOutcome {
	tag := func(e *zerolog.Event) *zerolog.Event {
		return e.
			Int("congress", id.Congress).
			Str("bill_type", id.Type).
			Int("bill_number", id.Number).
			Int("row_index", id.RowIndex)
	}
	return c.retry(ctx, spec.Name, spec.CredentialGroup, id.Path()+spec.PathSuffix, nil, state, tag)
}

// retry runs up to MaxRetries rounds. A round tries each credential of the
// group once: rate-limited and transport failures rotate to the next
// credential, any other status ends the round. Only rounds that saw a
// rotating failure are retried, after BackoffFactor * round.
//
// Transport failures and 2xx responses with an invalid JSON body count as
// rotating failures, so they move to the next credential and can trigger a
// backoff round. Only a non-retry HTTP status ends the round early.
func (c *Client) retry(ctx context.Context, endpoint, group, path string, params url.Values, state *RunState, tag func(*zerolog.Event) *zerolog.Event) FetchOutcome {
	logger := state.Logger()
	event := func(e *zerolog.Event) *zerolog.Event {
		e = e.Str("endpoint", endpoint).Str("group", group)
		if tag != nil {
			e = tag(e)
		}
		return e
	}

	if !c.pool.Has(group) {
		state.IncError()
		out := failed(endpoint, KindTransportError, 0, fmt.Errorf("%w: %q", credentials.ErrUnknownGroup, group))
		event(logger.Error()).Err(out.Err).Msg("No credentials for endpoint group")
		return out
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return failed(endpoint, KindTransportError, 0, err)
	}
	defer c.limiter.Release()

	policy := state.Policy()
	size := c.pool.Size(group)
	attempts := 0
	var last FetchOutcome

	for round := 1; round <= policy.MaxRetries; round++ {
		retryable := false

	rotation:
		for i := 0; i < size; i++ {
			out := c.attempt(ctx, endpoint, group, path, params, policy)
			attempts++
			out.Attempts = attempts

			if ctx.Err() != nil {
				return failed(endpoint, KindTransportError, 0, ctx.Err())
			}

			switch out.Kind {
			case KindSuccess:
				if attempts > 1 {
					event(logger.Info()).Int("round", round).Int("attempts", attempts).Msg("Request succeeded after retry")
				}
				return out

			case KindRateLimited:
				state.IncError()
				retryable = true
				event(logger.Warn()).Int("status", out.Status).Int("round", round).Msg("Rate limited, rotating credential")

			case KindTransportError:
				state.IncError()
				retryable = true
				event(logger.Warn()).Err(out.Err).Int("status", out.Status).Int("round", round).Msg("Request failed, rotating credential")

			case KindHTTPError:
				state.IncError()
				event(logger.Warn()).Int("status", out.Status).Int("round", round).Msg("Request returned error status")
				last = out
				break rotation
			}
			last = out
		}

		if !retryable {
			event(logger.Error()).Int("status", last.Status).Int("round", round).Msg("Giving up on endpoint")
			return last
		}

		if round == policy.MaxRetries {
			break
		}

		backoff := policy.Backoff(round)
		retryRoundsTotal.WithLabelValues(endpoint).Inc()
		retryBackoffSeconds.WithLabelValues(endpoint).Observe(backoff.Seconds())
		event(logger.Warn()).Int("round", round).Dur("backoff", backoff).Msg("Round failed, backing off")

		if err := c.sleep(ctx, backoff); err != nil {
			return failed(endpoint, KindTransportError, 0, err)
		}
	}

	state.IncError()
	retryExhaustedTotal.WithLabelValues(endpoint).Inc()
	event(logger.Error()).
		Int("status", last.Status).
		Int("max_retries", policy.MaxRetries).
		Int("attempts", attempts).
		Msg("Retry attempts exhausted")

	out := failed(endpoint, KindExhaustedRetries, last.Status, last.Err)
	out.Attempts = attempts
	return out
}
