package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()

	m.PipelineTransition("running")
	m.PipelineTransition("running")
	m.PipelineTransition("failed")
	m.EngineCall("start", true, 2*time.Second)
	m.EngineCall("start", false, time.Second)
	m.HookEvent("dispatched")
	m.SetQueueDepth(4)

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("running")); got != 2 {
		t.Errorf("Expected 2 running transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.engineCalls.WithLabelValues("start", "failure")); got != 1 {
		t.Errorf("Expected 1 failed start, got %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 4 {
		t.Errorf("Expected queue depth 4, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.PipelineTransition("stopped")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(w.Result().Body)
	if !strings.Contains(string(body), `hub_pipeline_transitions_total{status="stopped"} 1`) {
		t.Errorf("Expected transition counter in output, got:\n%s", body)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.PipelineTransition("running")
	m.EngineCall("stop", true, time.Millisecond)
	m.HookEvent("dropped")
	m.SetQueueDepth(1)
	m.HTTPRequest("GET", "200")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != 404 {
		t.Errorf("Expected 404 from nil metrics handler, got %d", w.Code)
	}
}
