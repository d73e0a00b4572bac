package constants

// ─── Histogram Buckets ─────────────────────────────────────────────
// Pre-defined bucket sets for Prometheus histograms.
// Changing these affects all histograms using them.

// DispatchLatencyBuckets covers 50µs to 5s.
var DispatchLatencyBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

// MiddlewareLatencyBuckets covers 10µs to the default hook timeout and a bit beyond.
var MiddlewareLatencyBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005,
	0.01, 0.025, 0.05, 0.1, 0.25,
}

// ─── Common Prometheus Label Sets ──────────────────────────────────
// Pre-defined label slices to avoid repeated allocations.

var LabelsBus = []string{LabelBus}
var LabelsBusPartition = []string{LabelBus, LabelPartition}
var LabelsBusOutcome = []string{LabelBus, LabelOutcome}
var LabelsBusSubscription = []string{LabelBus, LabelSubscription}
var LabelsHookStage = []string{LabelHook, LabelStage}
