package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Initialise CounterVec label combinations so they appear in Gather output.
	DeploymentsTotal.WithLabelValues("success")
	RegistryUploadsTotal.WithLabelValues("ok")
	HostMessagesTotal.WithLabelValues("info")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"sadmin_hosts_up":                    false,
		"sadmin_hosts_total":                 false,
		"sadmin_deployments_total":           false,
		"sadmin_deployment_duration_seconds": false,
		"sadmin_planner_duration_seconds":    false,
		"sadmin_planner_errors_total":        false,
		"sadmin_pending_actions":             false,
		"sadmin_registry_uploads_total":      false,
		"sadmin_registry_prune_removed_total": false,
		"sadmin_host_messages_total":         false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	PlannerErrors.Add(1)
	RegistryPruneRemoved.Add(1)
	DeploymentsTotal.WithLabelValues("success").Inc()
	DeploymentsTotal.WithLabelValues("failed").Inc()
}

func TestGaugeSets(t *testing.T) {
	HostsUp.Set(10)
	HostsTotal.Set(12)
	PendingActions.Set(3)
}
