package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should be tolerated: %v", err)
	}
}

func TestCountersExported(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	StaleResults.WithLabelValues("metrics-test").Add(3)

	if got := testutil.ToFloat64(StaleResults.WithLabelValues("metrics-test")); got != 3 {
		t.Errorf("expected 3 stale results, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "vrows_loader_stale_results_total" {
			found = true
		}
	}
	if !found {
		t.Error("stale results family not exported")
	}
}
