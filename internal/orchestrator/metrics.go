package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payfabric_tasks_created_total",
		Help: "Tasks accepted into the state machine.",
	})

	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payfabric_tasks_completed_total",
		Help: "Tasks settled successfully.",
	})

	tasksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payfabric_tasks_expired_total",
		Help: "Tasks expired by the timeout scheduler.",
	})
)
