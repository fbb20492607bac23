package ozone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_events_emitted_total",
	Help: "Total number of moderation events committed to the log",
}, []string{"kind"})

var eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_events_rejected_total",
	Help: "Total number of emit attempts rejected before commit",
}, []string{"reason"})

var enforcementCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_enforcement_commands_total",
	Help: "Total number of takedown/restore commands issued to the enforcement collaborator",
}, []string{"op"})

var labelsIssued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ozone_labels_issued_total",
	Help: "Total number of label values created or negated",
})

var expiredActionsReversed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ozone_expired_actions_reversed_total",
	Help: "Total number of time-boxed actions automatically reversed after expiry",
})

var migrationRowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ozone_migration_rows_processed_total",
	Help: "Total number of legacy rows processed by the migration job",
}, []string{"phase"})
