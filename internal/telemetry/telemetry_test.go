package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCycle("ok", time.Second)
	m.TickDropped()
	m.ProviderFailure("coingecko", "network")
	m.SampleSaved(time.Now(), 1, nil)
	m.AddBackfilled(3)
	m.SetGaps(2)
	m.SetGateway("coingecko", "bitcoin", 1, 1)
}

func gathered(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range fam.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestMetricsRecordValues(t *testing.T) {
	m := New()
	m.ObserveCycle("written", 200*time.Millisecond)
	m.ObserveCycle("written", 300*time.Millisecond)
	m.TickDropped()
	m.AddBackfilled(4)
	vol := 2.5
	m.SampleSaved(time.Unix(1700000000, 0), 42000, &vol)

	if got := gathered(t, m, "marketsampler_collector_cycles_total", map[string]string{"outcome": "written"}); got != 2 {
		t.Fatalf("expected 2 cycles, got %v", got)
	}
	if got := gathered(t, m, "marketsampler_scheduler_ticks_dropped_total", nil); got != 1 {
		t.Fatalf("expected 1 dropped tick, got %v", got)
	}
	if got := gathered(t, m, "marketsampler_store_samples_saved_total", map[string]string{"source": "backfill"}); got != 4 {
		t.Fatalf("expected 4 backfilled, got %v", got)
	}
	if got := gathered(t, m, "marketsampler_sample_volatility_pct", nil); got != 2.5 {
		t.Fatalf("unexpected volatility gauge %v", got)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	m := New()
	m.TickDropped()
	srv := httptest.NewServer(NewServer(ServerOptions{}, m, nil, zerolog.Nop()).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "marketsampler_scheduler_ticks_dropped_total 1") {
		t.Fatalf("dropped tick counter missing from exposition:\n%s", body)
	}
}

func TestHealthStatus(t *testing.T) {
	cases := []struct {
		name   string
		checks map[string]error
		code   int
		status string
	}{
		{"all healthy", map[string]error{"a": nil, "b": nil}, http.StatusOK, "ok"},
		{"partial", map[string]error{"a": nil, "b": errors.New("boom")}, http.StatusOK, "degraded"},
		{"all down", map[string]error{"a": errors.New("x")}, http.StatusServiceUnavailable, "down"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			health := func(ctx context.Context) map[string]error { return tc.checks }
			srv := httptest.NewServer(NewServer(ServerOptions{}, New(), health, zerolog.Nop()).Router())
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/healthz")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, resp.StatusCode)
			}
			var payload HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				t.Fatal(err)
			}
			if payload.Status != tc.status {
				t.Fatalf("expected status %s, got %s", tc.status, payload.Status)
			}
		})
	}
}
