package graph

// Version constants for the graph schema and pipeline.
const (
	// SchemaVersion is the graph data model version.
	SchemaVersion = "1"

	// PipelineVersion is the loom pipeline version.
	PipelineVersion = "0.1.0"
)
