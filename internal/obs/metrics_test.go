package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, func() int { return 3 }, func() int64 { return 7 })

	// Labelled vectors only appear in Gather once they have a child.
	m.RequestsTotal.WithLabelValues("/api/health", "2xx").Inc()
	m.SynthesisDuration.WithLabelValues("GENERAL_MEDICAL_QUERY").Observe(0.5)
	m.ToolCallsTotal.WithLabelValues("imaging", "ok").Inc()
	m.SafetyAlertsTotal.WithLabelValues("emergency", "critical").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"medgateway_gateway_http_requests_total",
		"medgateway_gateway_synthesis_duration_seconds",
		"medgateway_gateway_tool_calls_total",
		"medgateway_gateway_safety_alerts_total",
		"medgateway_gateway_active_sessions",
		"medgateway_gateway_audit_records_dropped_total",
	} {
		if !names[want] {
			t.Errorf("missing registered metric %q", want)
		}
	}

	if got := gaugeValue(t, reg, "medgateway_gateway_active_sessions"); got != 3 {
		t.Errorf("active_sessions = %v, want 3", got)
	}
	if got := gaugeValue(t, reg, "medgateway_gateway_audit_records_dropped_total"); got != 7 {
		t.Errorf("audit_records_dropped_total = %v, want 7", got)
	}

	m.SetToolHealth(map[string]bool{"imaging": true, "citations": false})
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		metrics := f.GetMetric()
		if len(metrics) != 1 {
			t.Fatalf("expected exactly one metric for %q, got %d", name, len(metrics))
		}
		return metrics[0].GetGauge().GetValue()
	}
	t.Fatalf("metric %q not found", name)
	return 0
}
