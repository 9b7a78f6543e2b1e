package driver

// traceState records how far a single trace progressed through the
// analysis pipeline: New -> Parsed -> GraphBuilt -> PathFound -> BrokenDown
// -> Emitted, or Invalid the moment any step fails. It exists purely for
// diagnostics and metrics (observability.AnalysisMetrics.RecordTraceState
// tags a run by its final state), not for control flow.
type traceState string

const (
	stateNew        traceState = "new"
	stateParsed     traceState = "parsed"
	stateGraphBuilt traceState = "graph_built"
	statePathFound  traceState = "path_found"
	stateBrokenDown traceState = "broken_down"
	stateEmitted    traceState = "emitted"
	stateInvalid    traceState = "invalid"
)
