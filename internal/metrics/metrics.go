package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HostsUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sadmin_hosts_up",
		Help: "Number of hosts with a live agent connection.",
	})
	HostsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sadmin_hosts_total",
		Help: "Total number of host objects in the store.",
	})
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sadmin_deployments_total",
		Help: "Total number of deployment runs by final status.",
	}, []string{"status"})
	DeploymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sadmin_deployment_duration_seconds",
		Help:    "Duration of full deployment executor runs.",
		Buckets: prometheus.DefBuckets,
	})
	PlannerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sadmin_planner_duration_seconds",
		Help:    "Duration of deployment plan construction.",
		Buckets: prometheus.DefBuckets,
	})
	PlannerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sadmin_planner_errors_total",
		Help: "Total number of plans that ended InvalidTree.",
	})
	PendingActions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sadmin_pending_actions",
		Help: "Number of plan actions awaiting review or deployment.",
	})
	RegistryUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sadmin_registry_uploads_total",
		Help: "Total number of blob upload attempts by outcome.",
	}, []string{"status"})
	RegistryPruneRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sadmin_registry_prune_removed_total",
		Help: "Total number of image tags removed by the pruner.",
	})
	HostMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sadmin_host_messages_total",
		Help: "Total number of messages recorded by type.",
	}, []string{"type"})
)
