package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	_ "github.com/Sternrassler/congress-harvest/pkg/cache"
	_ "github.com/Sternrassler/congress-harvest/pkg/client"
	_ "github.com/Sternrassler/congress-harvest/pkg/credentials"
	_ "github.com/Sternrassler/congress-harvest/pkg/limiter"
	_ "github.com/Sternrassler/congress-harvest/pkg/partition"
	_ "github.com/Sternrassler/congress-harvest/pkg/pipeline"
	_ "github.com/Sternrassler/congress-harvest/pkg/ratelimit"
)

func TestRegistry(t *testing.T) {
	if Registry == nil {
		t.Error("Registry should not be nil")
	}

	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
}

// Every catalogued name is taken in the default registry, so registering
// it again fails.
func TestCatalogueIsRegistered(t *testing.T) {
	seen := make(map[string]bool)
	for pkg, names := range Catalogue {
		for _, name := range names {
			if seen[name] {
				t.Errorf("%s listed twice", name)
			}
			seen[name] = true

			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: "probe"})
			if err := Registry.Register(c); err == nil {
				Registry.Unregister(c)
				t.Errorf("%s (pkg/%s) is not registered", name, pkg)
			}
		}
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	// Plain counters and gauges are exported before any observation.
	for _, name := range []string{"harvest_run_errors_total", "harvest_inflight_requests", "harvest_pipeline_batches_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("/metrics output missing %s", name)
		}
	}
}
