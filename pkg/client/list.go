package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/congress-harvest/pkg/partition"
)

// ListTimeLayout formats fromDateTime/toDateTime. The API resolves
// minutes, so bounds are truncated to the minute.
const ListTimeLayout = "2006-01-02T15:04:05Z"

// ListEndpoint names bill listing calls in logs and metrics.
const ListEndpoint = "list"

type listResponse struct {
	Bills      []json.RawMessage `json:"bills"`
	Pagination struct {
		Count int `json:"count"`
	} `json:"pagination"`
}

// ListBills returns the bills updated in [from, to), at most limit of
// them, with the API's total count for the window.
func (c *Client) ListBills(ctx context.Context, from, to time.Time, limit int, state *RunState) (partition.PageResult, error) {
	fromStr := from.UTC().Truncate(time.Minute).Format(ListTimeLayout)
	toStr := to.UTC().Truncate(time.Minute).Format(ListTimeLayout)

	params := url.Values{}
	params.Set("fromDateTime", fromStr)
	params.Set("toDateTime", toStr)
	params.Set("limit", strconv.Itoa(limit))

	tag := func(e *zerolog.Event) *zerolog.Event {
		return e.Str("range_start", fromStr).Str("range_end", toStr)
	}

	out := c.retry(ctx, ListEndpoint, c.listGroup, "/bill", params, state, tag)
	if !out.OK() {
		return partition.PageResult{}, out.Err
	}

	var resp listResponse
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		return partition.PageResult{}, fmt.Errorf("decode bill list: %w", err)
	}

	return partition.PageResult{Records: resp.Bills, Count: resp.Pagination.Count}, nil
}

// RangeFetcher adapts ListBills to the partitioner.
func (c *Client) RangeFetcher(limit int, state *RunState) partition.FetchFunc {
	return func(ctx context.Context, r partition.TimeRange) (partition.PageResult, error) {
		return c.ListBills(ctx, r.Start, r.End, limit, state)
	}
}
