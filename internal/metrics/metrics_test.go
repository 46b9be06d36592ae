package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTest() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWith(reg, reg)
}

func TestObserveCapture(t *testing.T) {
	m := newTest()
	m.ObserveCapture(true, nil, 20*time.Millisecond)
	m.ObserveCapture(false, errors.New("no display"), 0)

	if got := testutil.ToFloat64(m.CaptureErrors); got != 1 {
		t.Errorf("capture errors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.CaptureSeconds); got != 1 {
		t.Errorf("capture series = %d, want 1", got)
	}
}

func TestObserveMatch(t *testing.T) {
	m := newTest()
	m.ObserveMatch("join", true, time.Millisecond)
	m.ObserveMatch("join", false, time.Millisecond)
	m.ObserveMatch("join", true, time.Millisecond)

	if got := testutil.ToFloat64(m.MatchHits.WithLabelValues("join", "true")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
}

func TestObserveChunk(t *testing.T) {
	m := newTest()
	m.ObserveChunk(time.Second, nil)
	m.ObserveChunk(2*time.Second, errors.New("429"))
	m.ObserveChunk(time.Second, nil)

	if got := testutil.ToFloat64(m.ChunksTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("ok chunks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ChunksTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed chunks = %v, want 1", got)
	}
}

func TestSetBreakerState(t *testing.T) {
	m := newTest()
	m.SetBreakerState("speech", 1)

	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("speech")); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := newTest()
	m.JoinOutcomes.WithLabelValues("joined").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `zoomrec_join_outcomes_total{outcome="joined"} 1`) {
		t.Errorf("metrics output missing join outcome:\n%s", body)
	}
}
