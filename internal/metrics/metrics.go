// Package metrics provides the engine's Prometheus collectors
// (SPEC_FULL.md §4.0 observability).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine records against, scoped to
// its own registry rather than the global default (spec "cluster
// coordination primitives" run multiple engine processes per host in
// tests, and a shared default registry would panic on re-registration).
type Metrics struct {
	MessagesReceivedTotal *prometheus.CounterVec
	MessagesFilteredTotal *prometheus.CounterVec
	MessageProcessDuration *prometheus.HistogramVec

	DestinationDispatchTotal    *prometheus.CounterVec
	DestinationDispatchDuration *prometheus.HistogramVec
	DestinationQueueDepth       *prometheus.GaugeVec

	ScriptExecutionDuration *prometheus.HistogramVec
	ScriptErrorsTotal       *prometheus.CounterVec

	LeaseHeld        *prometheus.GaugeVec
	CASConflictTotal *prometheus.CounterVec

	SequenceAllocationsTotal prometheus.Counter

	ChannelState *prometheus.GaugeVec
}

// New builds a Metrics instance registered against reg. Pass
// prometheus.NewRegistry() for an isolated registry (the default in
// internal/app), or prometheus.DefaultRegisterer to join the process
// default.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_messages_received_total",
			Help: "Total messages accepted by a channel's source connector.",
		}, []string{"channel"}),
		MessagesFilteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_messages_filtered_total",
			Help: "Total messages rejected by a source filter script.",
		}, []string{"channel"}),
		MessageProcessDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_message_process_duration_seconds",
			Help:    "Time spent running one message through a channel's pipeline.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"channel"}),

		DestinationDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_destination_dispatch_total",
			Help: "Total destination dispatch attempts by resulting status.",
		}, []string{"channel", "destination", "status"}),
		DestinationDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_destination_dispatch_duration_seconds",
			Help:    "Time spent dispatching one message to one destination connector.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel", "destination"}),
		DestinationQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_destination_queue_depth",
			Help: "Current number of entries queued for a destination.",
		}, []string{"channel", "destination"}),

		ScriptExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_script_execution_duration_seconds",
			Help:    "Time spent executing one script hook.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"hook"}),
		ScriptErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_script_errors_total",
			Help: "Total script hook invocations that errored or timed out.",
		}, []string{"hook"}),

		LeaseHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_lease_held",
			Help: "1 if this process currently holds the channel's polling lease, else 0.",
		}, []string{"channel"}),
		CASConflictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cas_conflict_total",
			Help: "Total compare-and-swap conflicts observed acquiring or renewing a lease.",
		}, []string{"channel"}),

		SequenceAllocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_sequence_block_allocations_total",
			Help: "Total sequence number blocks allocated across all counters.",
		}),

		ChannelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_channel_state",
			Help: "1 for the channel's current lifecycle state, labeled by state name; other states report 0.",
		}, []string{"channel", "state"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.MessagesReceivedTotal,
			m.MessagesFilteredTotal,
			m.MessageProcessDuration,
			m.DestinationDispatchTotal,
			m.DestinationDispatchDuration,
			m.DestinationQueueDepth,
			m.ScriptExecutionDuration,
			m.ScriptErrorsTotal,
			m.LeaseHeld,
			m.CASConflictTotal,
			m.SequenceAllocationsTotal,
			m.ChannelState,
		)
	}
	return m
}

// RecordMessageReceived records one message accepted by channel's source.
func (m *Metrics) RecordMessageReceived(channel string) {
	m.MessagesReceivedTotal.WithLabelValues(channel).Inc()
}

// RecordMessageFiltered records one message rejected by a filter script.
func (m *Metrics) RecordMessageFiltered(channel string) {
	m.MessagesFilteredTotal.WithLabelValues(channel).Inc()
}

// ObserveMessageProcessDuration records how long one full pipeline pass took.
func (m *Metrics) ObserveMessageProcessDuration(channel string, d time.Duration) {
	m.MessageProcessDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// RecordDestinationDispatch records one dispatch attempt's outcome and latency.
func (m *Metrics) RecordDestinationDispatch(channel, destination, status string, d time.Duration) {
	m.DestinationDispatchTotal.WithLabelValues(channel, destination, status).Inc()
	m.DestinationDispatchDuration.WithLabelValues(channel, destination).Observe(d.Seconds())
}

// SetDestinationQueueDepth sets the current queue depth gauge for a destination.
func (m *Metrics) SetDestinationQueueDepth(channel, destination string, depth int) {
	m.DestinationQueueDepth.WithLabelValues(channel, destination).Set(float64(depth))
}

// ObserveScriptExecution records one script hook's duration, and an error
// count when err is non-nil.
func (m *Metrics) ObserveScriptExecution(hook string, d time.Duration, err error) {
	m.ScriptExecutionDuration.WithLabelValues(hook).Observe(d.Seconds())
	if err != nil {
		m.ScriptErrorsTotal.WithLabelValues(hook).Inc()
	}
}

// SetLeaseHeld updates whether this process holds channel's lease.
func (m *Metrics) SetLeaseHeld(channel string, held bool) {
	v := 0.0
	if held {
		v = 1.0
	}
	m.LeaseHeld.WithLabelValues(channel).Set(v)
}

// RecordCASConflict records one compare-and-swap conflict for channel's lease.
func (m *Metrics) RecordCASConflict(channel string) {
	m.CASConflictTotal.WithLabelValues(channel).Inc()
}

// RecordSequenceAllocation records one sequence block allocation.
func (m *Metrics) RecordSequenceAllocation() {
	m.SequenceAllocationsTotal.Inc()
}

// allStates lists every lifecycle state name so SetChannelState can zero
// out the states the channel is no longer in.
var allStates = []string{"UNDEPLOYED", "DEPLOYED", "STARTED", "PAUSED", "STOPPING", "HALTED"}

// SetChannelState marks channel as currently in state, zeroing every
// other known state's gauge for that channel.
func (m *Metrics) SetChannelState(channel, state string) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ChannelState.WithLabelValues(channel, s).Set(v)
	}
}
