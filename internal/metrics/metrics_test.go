package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCycle(t *testing.T) {
	c := NewCollector()
	c.RecordCycle(Summary{CycleID: "c1", Alerts: 2},
		time.Second,
		map[Key]int{{Rule: "building_off", Severity: "High"}: 2},
		map[string]int{"building_off": 2},
		map[string]int{"house_reading": 1},
	)
	if got := testutil.ToFloat64(c.alertsActive.WithLabelValues("building_off", "High")); got != 2 {
		t.Fatalf("expected 2 active alerts, got %v", got)
	}
	if got := testutil.ToFloat64(c.ruleFailures.WithLabelValues("house_reading")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}

	c.RecordCycle(Summary{CycleID: "c2"}, time.Second, nil, nil, nil)
	if got := testutil.CollectAndCount(c.alertsActive); got != 0 {
		t.Fatalf("gauges must reset between cycles, got %d series", got)
	}
	if got := testutil.ToFloat64(c.cycles.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 cycles, got %v", got)
	}
	last, ok := c.Last()
	if !ok || last.CycleID != "c2" {
		t.Fatalf("unexpected last summary %+v", last)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RecordCycle(Summary{}, 0, nil, nil, nil)
	c.CycleFailed()
	c.Published("ok", 3)
	if _, ok := c.Last(); ok {
		t.Fatalf("nil collector has no summary")
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	c := NewCollector()
	h := c.Middleware(func(*http.Request) string { return "/alerts" })(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/alerts?timestamp=NOW", nil))
	if got := testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/alerts", "418")); got != 1 {
		t.Fatalf("expected one recorded request, got %v", got)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "waterguard_http_requests_total") {
		t.Fatalf("metrics output missing request counter")
	}
}
