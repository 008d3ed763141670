package microvm

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range []string{
		"anvil_microvm_boot_seconds",
		"anvil_microvm_active",
		"anvil_microvm_cleanup_seconds",
		"anvil_microvm_launches_total",
	} {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestLaunchFailureCounted(t *testing.T) {
	before := launchCount(t, statusFailed)
	l := testLauncher(t)
	_, _ = l.Launch(t.Context(), "w-metrics", modelReq())
	if after := launchCount(t, statusFailed); after != before+1 {
		t.Errorf("failed launches = %v, want %v", after, before+1)
	}
}

func launchCount(t *testing.T, status string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != "anvil_microvm_launches_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "status" && lp.GetValue() == status {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("no series for status %q", status)
	return 0
}
