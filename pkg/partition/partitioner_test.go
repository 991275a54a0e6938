package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeAPI answers single-range calls from a table of counts keyed by
// range start, and records the calls it received in order.
type fakeAPI struct {
	mu     sync.Mutex
	counts map[time.Time]int
	fail   map[time.Time]error
	calls  []TimeRange
	limit  int
}

func (f *fakeAPI) fetch(ctx context.Context, r TimeRange) (PageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r)

	if err, ok := f.fail[r.Start]; ok {
		return PageResult{}, err
	}

	count := f.counts[r.Start]
	n := count
	if n > f.limit {
		n = f.limit
	}
	recs := make([]json.RawMessage, n)
	for i := range recs {
		recs[i] = json.RawMessage(fmt.Sprintf(`{"start":%q,"i":%d}`, r.Start.Format(time.RFC3339), i))
	}
	return PageResult{Records: recs, Count: count}, nil
}

func newTestPartitioner(t *testing.T, fetch FetchFunc, opts Options) *Partitioner {
	t.Helper()
	nop := zerolog.Nop()
	opts.Logger = &nop
	p, err := New(fetch, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestNew_Validation(t *testing.T) {
	api := &fakeAPI{limit: 250}

	tests := []struct {
		name  string
		fetch FetchFunc
		opts  Options
	}{
		{"nil fetch", nil, Options{}},
		{"negative delay", api.fetch, Options{Delay: -time.Second}},
		{"levels out of order", api.fetch, Options{Levels: []Granularity{Day, Week}}},
		{"duplicate level", api.fetch, Options{Levels: []Granularity{Day, Day}}},
		{"undefined level", api.fetch, Options{Levels: []Granularity{Granularity(99)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.fetch, tt.opts); err == nil {
				t.Error("New() should fail")
			}
		})
	}

	p, err := New(api.fetch, Options{})
	if err != nil {
		t.Fatalf("New() with defaults error = %v", err)
	}
	if p.limit != DefaultLimit {
		t.Errorf("limit = %d, want %d", p.limit, DefaultLimit)
	}
	if len(p.levels) != len(Levels()) {
		t.Errorf("levels = %v, want all levels", p.levels)
	}
}

func TestRun_InvalidRange(t *testing.T) {
	api := &fakeAPI{limit: 250}
	p := newTestPartitioner(t, api.fetch, Options{})

	_, err := p.Run(context.Background(), TimeRange{date(2020, 2, 1, 0, 0), date(2020, 1, 1, 0, 0)})
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("Run() error = %v, want ErrInvalidRange", err)
	}
	if len(api.calls) != 0 {
		t.Errorf("calls = %d, want 0", len(api.calls))
	}
}

// January hits the cap and is re-queried by week; February is accepted
// at month granularity.
func TestRun_DrillsOnlySaturatedRanges(t *testing.T) {
	api := &fakeAPI{
		limit: 250,
		counts: map[time.Time]int{
			date(2020, 1, 1, 0, 0): 300,
			date(2020, 2, 1, 0, 0): 40,
		},
	}
	weeks := []time.Time{
		date(2020, 1, 8, 0, 0),
		date(2020, 1, 15, 0, 0),
		date(2020, 1, 22, 0, 0),
		date(2020, 1, 29, 0, 0),
	}
	// The first week shares January's start, so the month count is reused
	// for it; give every week its own count below the cap.
	weekCounts := []int{60, 70, 80, 50, 40}
	p := newTestPartitioner(t, api.fetch, Options{Limit: 250})
	monthCalled := false
	p.fetch = func(ctx context.Context, r TimeRange) (PageResult, error) {
		if r.Start.Equal(date(2020, 1, 1, 0, 0)) && r.End.Equal(date(2020, 2, 1, 0, 0)) {
			monthCalled = true
			return api.fetch(ctx, r)
		}
		if r.Start.Equal(date(2020, 2, 1, 0, 0)) {
			return api.fetch(ctx, r)
		}
		api.mu.Lock()
		api.calls = append(api.calls, r)
		api.mu.Unlock()
		idx := 0
		for i, w := range weeks {
			if r.Start.Equal(w) {
				idx = i + 1
			}
		}
		recs := make([]json.RawMessage, weekCounts[idx])
		for i := range recs {
			recs[i] = json.RawMessage(fmt.Sprintf(`{"week":%d,"i":%d}`, idx, i))
		}
		return PageResult{Records: recs, Count: weekCounts[idx]}, nil
	}

	res, err := p.Run(context.Background(), TimeRange{date(2020, 1, 1, 0, 0), date(2020, 3, 1, 0, 0)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !monthCalled {
		t.Fatal("January was never queried at month granularity")
	}

	// 2 month calls + 5 week calls for January.
	if res.Calls != 7 {
		t.Errorf("Calls = %d, want 7", res.Calls)
	}
	if !res.Complete() {
		t.Errorf("Complete() = false, truncated %v failed %v", res.Truncated, res.Failed)
	}

	wantTotal := 60 + 70 + 80 + 50 + 40 + 40
	if len(res.Items) != wantTotal {
		t.Fatalf("Items = %d, want %d", len(res.Items), wantTotal)
	}

	// Order: January's weeks first, in chronological order, then February.
	lastStart := time.Time{}
	for i, it := range res.Items {
		if it.Range.Start.Before(lastStart) {
			t.Fatalf("item %d out of order: %s after %s", i, it.Range.Start, lastStart)
		}
		lastStart = it.Range.Start
		if it.Range.Start.Before(date(2020, 2, 1, 0, 0)) && it.Granularity != Week {
			t.Errorf("item %d from January has granularity %s, want week", i, it.Granularity)
		}
	}
	last := res.Items[len(res.Items)-1]
	if last.Granularity != Month || !last.Range.Start.Equal(date(2020, 2, 1, 0, 0)) {
		t.Errorf("last item = %s at %s, want February month", last.Range, last.Granularity)
	}

	// None of the 250 records returned by the coarse January call survive.
	for _, it := range res.Items {
		if it.Granularity == Month && it.Range.Start.Equal(date(2020, 1, 1, 0, 0)) {
			t.Fatal("coarse January records were kept")
		}
	}

	// The last January week is clamped to the month boundary.
	var lastWeek TimeRange
	for _, c := range api.calls {
		if c.Start.Equal(date(2020, 1, 29, 0, 0)) {
			lastWeek = c
		}
	}
	if !lastWeek.End.Equal(date(2020, 2, 1, 0, 0)) {
		t.Errorf("last week range = %s, want end 2020-02-01", lastWeek)
	}
}

func TestRun_NoFinerCallBelowLimit(t *testing.T) {
	api := &fakeAPI{
		limit: 250,
		counts: map[time.Time]int{
			date(2020, 1, 1, 0, 0): 249,
		},
	}
	p := newTestPartitioner(t, api.fetch, Options{Limit: 250})

	res, err := p.Run(context.Background(), TimeRange{date(2020, 1, 1, 0, 0), date(2020, 2, 1, 0, 0)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(api.calls) != 1 {
		t.Errorf("calls = %v, want a single month call", api.calls)
	}
	if len(res.Items) != 249 {
		t.Errorf("Items = %d, want 249", len(res.Items))
	}
}

func TestRun_CountEqualToLimitDrills(t *testing.T) {
	api := &fakeAPI{
		limit: 10,
		counts: map[time.Time]int{
			date(2020, 1, 1, 0, 0): 10,
		},
	}
	p := newTestPartitioner(t, api.fetch, Options{Limit: 10, Levels: []Granularity{Month, Week}})

	res, err := p.Run(context.Background(), TimeRange{date(2020, 1, 1, 0, 0), date(2020, 2, 1, 0, 0)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// 1 month call + 5 week calls. The first week also starts on Jan 1 and
	// reports 10 again, which is the finest level, so it is truncated.
	if len(api.calls) != 6 {
		t.Errorf("calls = %d, want 6", len(api.calls))
	}
	if len(res.Truncated) != 1 {
		t.Fatalf("Truncated = %v, want one span", res.Truncated)
	}
	if res.Truncated[0].Granularity != Week || res.Truncated[0].Count != 10 {
		t.Errorf("Truncated[0] = %+v", res.Truncated[0])
	}
	if res.Complete() {
		t.Error("Complete() should be false with a truncated span")
	}
	// The truncated span's records are still accepted.
	if len(res.Items) != 10 {
		t.Errorf("Items = %d, want 10", len(res.Items))
	}
}

func TestRun_FinestLevelTruncation(t *testing.T) {
	start := date(2020, 1, 1, 0, 0)
	api := &fakeAPI{limit: 5, counts: map[time.Time]int{start: 7}}
	p := newTestPartitioner(t, api.fetch, Options{Limit: 5, Levels: []Granularity{ThreeMinute}})

	res, err := p.Run(context.Background(), TimeRange{start, start.Add(3 * time.Minute)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(api.calls) != 1 {
		t.Errorf("calls = %d, want 1", len(api.calls))
	}
	if len(res.Truncated) != 1 || res.Truncated[0].Count != 7 {
		t.Errorf("Truncated = %+v", res.Truncated)
	}
	if len(res.Items) != 5 {
		t.Errorf("Items = %d, want the 5 returned records", len(res.Items))
	}
}

func TestRun_FailedRangeIsRecordedAndCrawlContinues(t *testing.T) {
	boom := errors.New("boom")
	api := &fakeAPI{
		limit: 250,
		counts: map[time.Time]int{
			date(2020, 1, 1, 0, 0): 5,
			date(2020, 3, 1, 0, 0): 7,
		},
		fail: map[time.Time]error{date(2020, 2, 1, 0, 0): boom},
	}
	p := newTestPartitioner(t, api.fetch, Options{})

	res, err := p.Run(context.Background(), TimeRange{date(2020, 1, 1, 0, 0), date(2020, 4, 1, 0, 0)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Failed) != 1 {
		t.Fatalf("Failed = %v, want one failure", res.Failed)
	}
	if !errors.Is(res.Failed[0].Err, boom) || !res.Failed[0].Range.Start.Equal(date(2020, 2, 1, 0, 0)) {
		t.Errorf("Failed[0] = %+v", res.Failed[0])
	}
	if len(res.Items) != 12 {
		t.Errorf("Items = %d, want 12", len(res.Items))
	}
	if res.Calls != 3 {
		t.Errorf("Calls = %d, want 3", res.Calls)
	}
}

func TestRun_DelayAfterEveryCall(t *testing.T) {
	api := &fakeAPI{
		limit:  250,
		counts: map[time.Time]int{date(2020, 1, 1, 0, 0): 1},
		fail:   map[time.Time]error{date(2020, 2, 1, 0, 0): errors.New("down")},
	}
	p := newTestPartitioner(t, api.fetch, Options{Delay: 750 * time.Millisecond})

	var sleeps []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	res, err := p.Run(context.Background(), TimeRange{date(2020, 1, 1, 0, 0), date(2020, 4, 1, 0, 0)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sleeps) != res.Calls || res.Calls != 3 {
		t.Errorf("sleeps = %d, calls = %d, want 3 each", len(sleeps), res.Calls)
	}
	for _, d := range sleeps {
		if d != 750*time.Millisecond {
			t.Errorf("sleep = %v, want 750ms", d)
		}
	}
}

func TestRun_ZeroDelaySkipsSleep(t *testing.T) {
	api := &fakeAPI{limit: 250}
	p := newTestPartitioner(t, api.fetch, Options{})
	p.sleep = func(context.Context, time.Duration) error {
		t.Fatal("sleep called with zero delay")
		return nil
	}

	if _, err := p.Run(context.Background(), TimeRange{date(2020, 1, 1, 0, 0), date(2020, 2, 1, 0, 0)}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRun_ContextCancelReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	fetch := func(ctx context.Context, r TimeRange) (PageResult, error) {
		calls++
		if calls == 2 {
			cancel()
			return PageResult{}, ctx.Err()
		}
		return PageResult{Records: []json.RawMessage{json.RawMessage(`{}`)}, Count: 1}, nil
	}
	p := newTestPartitioner(t, fetch, Options{})

	res, err := p.Run(ctx, TimeRange{date(2020, 1, 1, 0, 0), date(2020, 6, 1, 0, 0)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if res == nil || len(res.Items) != 1 {
		t.Fatalf("partial result = %+v, want the first month's item", res)
	}
	if len(res.Failed) != 0 {
		t.Errorf("a cancelled call must not be recorded as a failure: %v", res.Failed)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

type memCache struct {
	entries map[string]PageResult
	sets    int
}

func (c *memCache) key(r TimeRange, limit int) string {
	return fmt.Sprintf("%s|%d", r, limit)
}

func (c *memCache) GetRange(_ context.Context, r TimeRange, limit int) (*PageResult, error) {
	res, ok := c.entries[c.key(r, limit)]
	if !ok {
		return nil, errors.New("miss")
	}
	return &res, nil
}

func (c *memCache) SetRange(_ context.Context, r TimeRange, limit int, res PageResult) error {
	c.entries[c.key(r, limit)] = res
	c.sets++
	return nil
}

func TestRun_CacheHitSkipsCallAndDelay(t *testing.T) {
	api := &fakeAPI{
		limit: 250,
		counts: map[time.Time]int{
			date(2020, 1, 1, 0, 0): 3,
			date(2020, 2, 1, 0, 0): 4,
		},
	}
	cache := &memCache{entries: map[string]PageResult{}}
	p := newTestPartitioner(t, api.fetch, Options{Cache: cache, Delay: time.Second})
	sleeps := 0
	p.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}
	r := TimeRange{date(2020, 1, 1, 0, 0), date(2020, 3, 1, 0, 0)}

	first, err := p.Run(context.Background(), r)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if first.Calls != 2 || first.CacheHits != 0 || cache.sets != 2 {
		t.Errorf("first run calls=%d hits=%d sets=%d", first.Calls, first.CacheHits, cache.sets)
	}

	second, err := p.Run(context.Background(), r)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.Calls != 0 || second.CacheHits != 2 {
		t.Errorf("second run calls=%d hits=%d, want 0 and 2", second.Calls, second.CacheHits)
	}
	if len(api.calls) != 2 {
		t.Errorf("API calls = %d, want 2", len(api.calls))
	}
	if sleeps != 2 {
		t.Errorf("sleeps = %d, want 2", sleeps)
	}
	if len(second.Items) != len(first.Items) {
		t.Errorf("cached items = %d, want %d", len(second.Items), len(first.Items))
	}
}

func TestRun_FailedCallIsNotCached(t *testing.T) {
	api := &fakeAPI{limit: 250, fail: map[time.Time]error{date(2020, 1, 1, 0, 0): errors.New("x")}}
	cache := &memCache{entries: map[string]PageResult{}}
	p := newTestPartitioner(t, api.fetch, Options{Cache: cache})

	if _, err := p.Run(context.Background(), TimeRange{date(2020, 1, 1, 0, 0), date(2020, 2, 1, 0, 0)}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if cache.sets != 0 {
		t.Errorf("sets = %d, want 0", cache.sets)
	}
}

func TestRun_OpenRangeIsNotCached(t *testing.T) {
	now := date(2024, 3, 10, 12, 0)
	tests := []struct {
		name       string
		r          TimeRange
		wantCached bool
	}{
		{
			name: "ends in the future",
			r:    TimeRange{now.Add(-time.Hour), now.Add(24 * time.Hour)},
		},
		{
			name: "ends inside the buffer",
			r:    TimeRange{now.Add(-2 * time.Hour), now.Add(-OpenRangeBuffer / 2)},
		},
		{
			name:       "ends before the buffer",
			r:          TimeRange{now.Add(-48 * time.Hour), now.Add(-OpenRangeBuffer)},
			wantCached: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{limit: 250, counts: map[time.Time]int{tt.r.Start: 2}}
			cache := &memCache{entries: map[string]PageResult{}}
			p := newTestPartitioner(t, api.fetch, Options{Cache: cache})
			p.now = func() time.Time { return now }

			for run := 0; run < 2; run++ {
				if _, err := p.Run(context.Background(), tt.r); err != nil {
					t.Fatalf("Run() #%d error = %v", run+1, err)
				}
			}

			wantCalls := 2
			if tt.wantCached {
				wantCalls = 1
			}
			if len(api.calls) != wantCalls {
				t.Errorf("API calls = %d, want %d", len(api.calls), wantCalls)
			}
			if got := cache.sets > 0; got != tt.wantCached {
				t.Errorf("cached = %v, want %v", got, tt.wantCached)
			}
		})
	}
}
