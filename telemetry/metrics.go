package telemetry

// Histogram bucket definitions for the latency profiles the relay sees
var (
	// ApplyBuckets for single-event DML apply against the target
	ApplyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// CheckpointBuckets for offset flush plus confirm round-trips
	CheckpointBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// SnapshotBuckets for initial table snapshot loads
	SnapshotBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300}
)

// Per-stream pipeline metrics; the label is the stream name (source→target)
var (
	// EventsReceived counts events decoded from the source log per stream
	EventsReceived CounterVec = noopCounterVec{}

	// EventsApplied counts events successfully applied at the target
	EventsApplied CounterVec = noopCounterVec{}

	// EventsConflicted counts events that entered conflict resolution
	EventsConflicted CounterVec = noopCounterVec{}

	// EventsSkipped counts events dropped by the loop guard, lost conflicts,
	// and poison events skipped under skip_poison
	EventsSkipped CounterVec = noopCounterVec{}

	// Retries counts transient-error retries per stream
	Retries CounterVec = noopCounterVec{}

	// Errors counts non-transient errors per stream
	Errors CounterVec = noopCounterVec{}

	// StreamStateTransitions counts pipeline state transitions (from -> to)
	StreamStateTransitions CounterVec = noopCounterVec{}

	// QueueDepth tracks the bounded buffer fill level per stream
	QueueDepth GaugeVec = noopGaugeVec{}

	// CheckpointsTotal counts offset-store checkpoints by result
	CheckpointsTotal CounterVec = noopCounterVec{}

	// DeadLetterTotal counts events written to the dead-letter log
	DeadLetterTotal CounterVec = noopCounterVec{}

	// ApplyDurationSeconds measures per-event apply latency by operation
	ApplyDurationSeconds HistogramVec = noopHistogramVec{}

	// CheckpointDurationSeconds measures checkpoint latency
	CheckpointDurationSeconds Histogram = NoopStat{}

	// SnapshotRowsTotal counts rows loaded during initial snapshots
	SnapshotRowsTotal CounterVec = noopCounterVec{}

	// SnapshotDurationSeconds measures per-table snapshot duration
	SnapshotDurationSeconds Histogram = NoopStat{}

	// PublishedTotal counts events fanned out to external sinks by sink name
	PublishedTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	EventsReceived = NewCounterVec(
		"events_received_total",
		"Events decoded from the source log",
		[]string{"stream"},
	)
	EventsApplied = NewCounterVec(
		"events_applied_total",
		"Events successfully applied at the target",
		[]string{"stream"},
	)
	EventsConflicted = NewCounterVec(
		"events_conflicted_total",
		"Events that entered conflict resolution",
		[]string{"stream"},
	)
	EventsSkipped = NewCounterVec(
		"events_skipped_total",
		"Events dropped by loop guard, conflict loss, or poison skip",
		[]string{"stream"},
	)
	Retries = NewCounterVec(
		"retries_total",
		"Transient-error retries",
		[]string{"stream"},
	)
	Errors = NewCounterVec(
		"errors_total",
		"Non-transient errors",
		[]string{"stream"},
	)
	StreamStateTransitions = NewCounterVec(
		"stream_state_transitions_total",
		"Pipeline state transitions",
		[]string{"stream", "from", "to"},
	)
	QueueDepth = NewGaugeVec(
		"queue_depth",
		"Bounded event buffer fill level",
		[]string{"stream"},
	)
	CheckpointsTotal = NewCounterVec(
		"checkpoints_total",
		"Offset checkpoints by result",
		[]string{"stream", "result"},
	)
	DeadLetterTotal = NewCounterVec(
		"dead_letter_total",
		"Events written to the dead-letter log",
		[]string{"stream"},
	)
	ApplyDurationSeconds = NewHistogramVec(
		"apply_duration_seconds",
		"Per-event apply latency",
		[]string{"operation"},
		ApplyBuckets,
	)
	CheckpointDurationSeconds = NewHistogramWithBuckets(
		"checkpoint_duration_seconds",
		"Offset flush plus source confirm latency",
		CheckpointBuckets,
	)
	SnapshotRowsTotal = NewCounterVec(
		"snapshot_rows_total",
		"Rows loaded during initial snapshots",
		[]string{"stream", "table"},
	)
	SnapshotDurationSeconds = NewHistogramWithBuckets(
		"snapshot_duration_seconds",
		"Per-table snapshot duration",
		SnapshotBuckets,
	)
	PublishedTotal = NewCounterVec(
		"published_total",
		"Events fanned out to external sinks",
		[]string{"sink"},
	)
}
