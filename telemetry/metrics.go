package telemetry

// Histogram buckets for handler execution latency: handlers span quick
// row appends to multi-second downstream publishes.
var ExecutionBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Change monitor metrics
var (
	// PollTicksTotal counts polling loop ticks across all monitors
	PollTicksTotal Counter = NoopStat{}

	// BatchesDeliveredTotal counts batches the handler accepted
	BatchesDeliveredTotal Counter = NoopStat{}

	// RowsDeliveredTotal counts rows inside accepted batches
	RowsDeliveredTotal Counter = NoopStat{}

	// HandlerFailuresTotal counts batches the handler rejected
	HandlerFailuresTotal Counter = NoopStat{}

	// DecodeFailuresTotal counts batches dropped on operation/type decode errors
	DecodeFailuresTotal Counter = NoopStat{}

	// LeaseRenewalsTotal counts successful lease renewal rounds
	LeaseRenewalsTotal Counter = NoopStat{}

	// StuckHandlerCancelsTotal counts handlers cancelled at the renewal limit
	StuckHandlerCancelsTotal Counter = NoopStat{}

	// SyncVersionAdvancesTotal counts advances of the shared low-water mark
	SyncVersionAdvancesTotal Counter = NoopStat{}

	// ActiveMonitors tracks currently running change monitors
	ActiveMonitors Gauge = NoopStat{}

	// ExecutionSeconds measures handler execution latency
	ExecutionSeconds Histogram = NoopStat{}

	// SinkPublishTotal counts sink publishes by result (success, failed)
	SinkPublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics binds the metric variables to the Prometheus registry.
// Called from InitializeTelemetry; before that every metric is a noop.
func InitMetrics() {
	PollTicksTotal = NewCounter(
		"poll_ticks_total",
		"Total polling loop ticks across all monitors",
	)
	BatchesDeliveredTotal = NewCounter(
		"batches_delivered_total",
		"Total change batches accepted by handlers",
	)
	RowsDeliveredTotal = NewCounter(
		"rows_delivered_total",
		"Total rows inside accepted batches",
	)
	HandlerFailuresTotal = NewCounter(
		"handler_failures_total",
		"Total change batches rejected by handlers",
	)
	DecodeFailuresTotal = NewCounter(
		"decode_failures_total",
		"Total change batches dropped on decode errors",
	)
	LeaseRenewalsTotal = NewCounter(
		"lease_renewals_total",
		"Total successful lease renewal rounds",
	)
	StuckHandlerCancelsTotal = NewCounter(
		"stuck_handler_cancels_total",
		"Total handlers cancelled after exceeding the lease renewal limit",
	)
	SyncVersionAdvancesTotal = NewCounter(
		"sync_version_advances_total",
		"Total advances of the shared last sync version",
	)
	ActiveMonitors = NewGauge(
		"active_monitors",
		"Number of running change monitors",
	)
	ExecutionSeconds = NewHistogramWithBuckets(
		"execution_seconds",
		"Handler execution latency in seconds",
		ExecutionBuckets,
	)
	SinkPublishTotal = NewCounterVec(
		"sink_publish_total",
		"Sink publish attempts by result",
		[]string{"result"},
	)
}
