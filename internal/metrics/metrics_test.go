package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestResponseStatusClassIncrementsCorrectLabel(t *testing.T) {
	m := New(nil)

	m.ResponseStatusClass(200)
	m.ResponseStatusClass(201)
	m.ResponseStatusClass(404)

	if got := testutil.ToFloat64(m.ResponsesByStatusClass.WithLabelValues("2xx")); got != 2 {
		t.Fatalf("expected 2 responses in class 2xx, got %v", got)
	}
	if got := testutil.ToFloat64(m.ResponsesByStatusClass.WithLabelValues("4xx")); got != 1 {
		t.Fatalf("expected 1 response in class 4xx, got %v", got)
	}
	if got := testutil.ToFloat64(m.ResponsesByStatusClass.WithLabelValues("3xx")); got != 0 {
		t.Fatalf("expected 0 responses in class 3xx, got %v", got)
	}
}

func TestCountersIndependentAcrossInstances(t *testing.T) {
	a := New(nil)
	b := New(nil)

	a.RequestsTotal.Inc()
	a.RequestsTotal.Inc()

	if got := testutil.ToFloat64(a.RequestsTotal); got != 2 {
		t.Fatalf("expected a.RequestsTotal == 2, got %v", got)
	}
	if got := testutil.ToFloat64(b.RequestsTotal); got != 0 {
		t.Fatalf("expected separate registries to not share counters, got %v", got)
	}
}

func TestStartServerExposesMetricsAndHealth(t *testing.T) {
	m := New(nil)
	m.HandledTotal.Inc()

	port := 19876
	shutdown, err := m.StartServer(port, "/metrics")
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		shutdown(ctx)
	}()

	// Give the listener goroutine a moment to bind.
	time.Sleep(50 * time.Millisecond)

	healthResp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", healthResp.StatusCode)
	}

	metricsResp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	if err != nil {
		t.Fatalf("read /metrics body: %v", err)
	}
	if !strings.Contains(string(body), "crawlee_handled_total") {
		t.Fatal("expected /metrics output to contain crawlee_handled_total")
	}
}
