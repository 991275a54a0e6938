package client

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/congress-harvest/internal/testutil"
	"github.com/Sternrassler/congress-harvest/pkg/bills"
	"github.com/Sternrassler/congress-harvest/pkg/credentials"
	"github.com/Sternrassler/congress-harvest/pkg/limiter"
)

// newTestClient builds a client against mock with the given groups. Retry
// backoffs are recorded instead of slept.
func newTestClient(t *testing.T, mock *testutil.MockCongress, groups map[string][]string, capacity int) (*Client, *[]time.Duration) {
	t.Helper()

	pool, err := credentials.NewPool(groups)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	nop := zerolog.Nop()
	c, err := New(Config{
		BaseURL: mock.URL(),
		Pool:    pool,
		Limiter: limiter.New(capacity),
		Logger:  &nop,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var sleeps []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return c, &sleeps
}

func newTestState(policy Policy) *RunState {
	return NewRunState(policy, zerolog.Nop())
}

var testBill = bills.Identity{Congress: 118, Type: "hr", Number: 1, RowIndex: 0}

func TestNew_Validation(t *testing.T) {
	pool, err := credentials.NewPool(map[string][]string{"list": {"k"}})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config",
			config: DefaultConfig(pool),
		},
		{
			name:        "nil pool",
			config:      Config{BaseURL: DefaultBaseURL},
			expectError: true,
			errorMsg:    "credential pool is required",
		},
		{
			name:        "bad base url",
			config:      Config{BaseURL: "::not a url", Pool: pool},
			expectError: true,
		},
		{
			name:        "negative rate",
			config:      Config{Pool: pool, RequestsPerSecond: -1},
			expectError: true,
			errorMsg:    "requests_per_second must be >= 0 (got -1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c.limiter.Capacity() != limiter.DefaultCapacity {
				t.Errorf("default limiter capacity = %d", c.limiter.Capacity())
			}
			if c.listGroup != DefaultListGroup {
				t.Errorf("listGroup = %q", c.listGroup)
			}
			if c.rps != nil {
				t.Error("rate limiter should be off by default")
			}
		})
	}
}

func TestNew_RequestsPerSecond(t *testing.T) {
	pool, _ := credentials.NewPool(map[string][]string{"list": {"k"}})

	c, err := New(Config{Pool: pool, RequestsPerSecond: 20})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.rps == nil || c.rps.Limit() != rate.Limit(20) || c.rps.Burst() != 20 {
		t.Errorf("rps = %+v", c.rps)
	}

	c, err = New(Config{Pool: pool, RequestsPerSecond: 0.5})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.rps.Burst() != 1 {
		t.Errorf("burst = %d, want 1", c.rps.Burst())
	}
}

func TestAttempt_Classification(t *testing.T) {
	mock := testutil.NewMockCongress()
	defer mock.Close()

	mock.SetHandler("/bill/118/hr/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>maintenance</html>"))
	})

	c, _ := newTestClient(t, mock, map[string][]string{"g": {"key-1"}}, 4)
	policy := DefaultPolicy()

	tests := []struct {
		name   string
		script []int
		path   string
		want   Kind
		status int
	}{
		{"ok", nil, "/bill/118/hr/1", KindSuccess, 200},
		{"429 is rate limited", []int{429}, "/bill/118/hr/1", KindRateLimited, 429},
		{"404 is http error", []int{404}, "/bill/118/hr/1", KindHTTPError, 404},
		{"503 is http error", []int{503}, "/bill/118/hr/1", KindHTTPError, 503},
		{"html body is transport error", nil, "/bill/118/hr/2", KindTransportError, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.SetScript(tt.path, tt.script...)
			out := c.attempt(context.Background(), "sponsors", "g", tt.path, nil, policy)
			if out.Kind != tt.want || out.Status != tt.status {
				t.Errorf("attempt() = %s/%d, want %s/%d", out.Kind, out.Status, tt.want, tt.status)
			}
			if (out.Err == nil) != (tt.want == KindSuccess) {
				t.Errorf("attempt() err = %v", out.Err)
			}
		})
	}

	if got := c.pool.Available("g"); got != 1 {
		t.Errorf("credential not returned: available = %d", got)
	}
}

func TestAttempt_CustomRetryStatuses(t *testing.T) {
	mock := testutil.NewMockCongress()
	defer mock.Close()
	c, _ := newTestClient(t, mock, map[string][]string{"g": {"k"}}, 1)

	mock.SetScript("/bill/118/hr/1", 503)
	policy := Policy{MaxRetries: 1, RetryStatuses: []int{429, 503}}
	if out := c.attempt(context.Background(), "sponsors", "g", "/bill/118/hr/1", nil, policy); out.Kind != KindRateLimited {
		t.Errorf("503 in retry set classified as %s", out.Kind)
	}
}

func TestAttempt_SendsCredentialAndUpdatesQuota(t *testing.T) {
	mock := testutil.NewMockCongress()
	defer mock.Close()
	c, _ := newTestClient(t, mock, map[string][]string{"group_1": {"secret"}}, 1)

	out := c.attempt(context.Background(), "sponsors", "group_1", "/bill/118/hr/1", nil, DefaultPolicy())
	if !out.OK() {
		t.Fatalf("attempt() = %+v", out)
	}

	reqs := mock.Requests()
	if len(reqs) != 1 || reqs[0].Token != "secret" {
		t.Fatalf("requests = %+v", reqs)
	}

	state, err := c.tracker.GetState(context.Background(), "group_1")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Limit != 5000 || state.Remaining != 4999 {
		t.Errorf("quota = %d/%d, want 4999/5000", state.Remaining, state.Limit)
	}
}

func TestAttempt_TransportErrorHidesCredential(t *testing.T) {
	mock := testutil.NewMockCongress()
	c, _ := newTestClient(t, mock, map[string][]string{"g": {"secret-token"}}, 1)
	mock.Close()

	out := c.attempt(context.Background(), "sponsors", "g", "/bill/118/hr/1", nil, DefaultPolicy())
	if out.Kind != KindTransportError {
		t.Fatalf("Kind = %s, want transport_error", out.Kind)
	}
	if strings.Contains(out.Err.Error(), "secret-token") {
		t.Errorf("error leaks credential: %v", out.Err)
	}
}
