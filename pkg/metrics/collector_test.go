package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.JobSubmitted("training")
	c.JobSubmitted("training")
	started := time.Now().Add(-2 * time.Second)
	c.JobFinished("training", "completed", &started)
	c.CacheLookup("hit")
	c.CacheLookup("miss")
	c.CacheLookup("hit")
	c.Predictions("churn", 9, 1, 5*time.Millisecond)
	c.SetQueueDepth("batch_prediction", 4)

	if got := testutil.ToFloat64(c.jobsSubmitted.WithLabelValues("training")); got != 2 {
		t.Errorf("jobs submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.jobsFinished.WithLabelValues("training", "completed")); got != 1 {
		t.Errorf("jobs finished = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")); got != 2 {
		t.Errorf("cache hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.predictions.WithLabelValues("churn", "error")); got != 1 {
		t.Errorf("prediction errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.queueDepth.WithLabelValues("batch_prediction")); got != 4 {
		t.Errorf("queue depth = %v, want 4", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.JobSubmitted("training")
	c.JobFinished("training", "failed", nil)
	c.CacheLookup("miss")
	c.CacheLoad(time.Second)
	c.Predictions("m", 1, 0, time.Millisecond)
	c.SetQueueDepth("training", 1)
	c.CheckpointFailed("training")
}

func TestMiddlewareAndHandler(t *testing.T) {
	c := NewCollector()
	c.RegisterHostMetrics()

	h := c.Middleware(func(*http.Request) string { return "/v1/things" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/things", nil))

	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/v1/things", "418")); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"mlorch_http_requests_total", "mlorch_host_memory_used_bytes"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
