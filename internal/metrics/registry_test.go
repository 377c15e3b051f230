package metrics

import (
	"strings"
	"testing"
)

func TestTextRendersHelpTypeAndLabeledSample(t *testing.T) {
	r := NewRegistry("worker", "test-manager")
	r.IncRequests()
	r.IncRequests()
	r.IncHits()
	r.IncAdditions()
	r.SetSize(1)

	text := r.Text()

	for _, want := range []string{
		"# HELP serverless_manager_pool_requests_total",
		"# TYPE serverless_manager_pool_requests_total counter",
		`serverless_manager_pool_requests_total{resource_type="worker",manager="test-manager"} 2`,
		`serverless_manager_pool_hits_total{resource_type="worker",manager="test-manager"} 1`,
		`serverless_manager_pool_additions_total{resource_type="worker",manager="test-manager"} 1`,
		`serverless_manager_pool_size{resource_type="worker",manager="test-manager"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected exposition text to contain %q, got:\n%s", want, text)
		}
	}
}

// TestMetricsExpositionScenario covers the sequence addToPool,
// selectFromPool, removeFromPool(name), selectFromPool: the exposition
// should read requests=2, hits=1, misses=1, additions=1, removals=1, size=0.
func TestMetricsExpositionScenario(t *testing.T) {
	r := NewRegistry("container", "scenario-manager")

	// addToPool
	r.IncAdditions()
	r.SetSize(1)

	// selectFromPool (hit)
	r.IncRequests()
	r.IncHits()

	// removeFromPool(name)
	r.IncRemovals()
	r.SetSize(0)

	// selectFromPool on an empty pool (miss)
	r.IncRequests()
	r.IncMisses()

	text := r.Text()
	for _, want := range []string{
		`serverless_manager_pool_requests_total{resource_type="container",manager="scenario-manager"} 2`,
		`serverless_manager_pool_hits_total{resource_type="container",manager="scenario-manager"} 1`,
		`serverless_manager_pool_misses_total{resource_type="container",manager="scenario-manager"} 1`,
		`serverless_manager_pool_additions_total{resource_type="container",manager="scenario-manager"} 1`,
		`serverless_manager_pool_removals_total{resource_type="container",manager="scenario-manager"} 1`,
		`serverless_manager_pool_size{resource_type="container",manager="scenario-manager"} 0`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected exposition text to contain %q, got:\n%s", want, text)
		}
	}
}

func TestRegistererExposesIndependentPrometheusRegistry(t *testing.T) {
	a := NewRegistry("worker", "manager-a")
	b := NewRegistry("worker", "manager-b")

	if a.Registerer() == b.Registerer() {
		t.Fatal("expected each manager to own an independent prometheus.Registry")
	}

	mfs, err := a.Registerer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) != 7 {
		t.Fatalf("expected 7 registered metric families, got %d", len(mfs))
	}
}
