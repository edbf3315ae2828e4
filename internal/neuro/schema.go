// Package neuro is the neuroscience tutorial pipeline: mice and sessions
// entered by hand, neurons imported from recording files, and statistics,
// spikes and average frames computed from them.
package neuro

import (
	"bytes"
	_ "embed"

	"github.com/mesh-intelligence/larder/internal/schema"
)

//go:embed schema.yaml
var schemaYAML []byte

// Schema returns a fresh copy of the pipeline schema.
func Schema() (*schema.Schema, error) {
	return schema.Load(bytes.NewReader(schemaYAML))
}

// SchemaYAML returns the pipeline schema in the schema file format.
func SchemaYAML() []byte {
	return bytes.Clone(schemaYAML)
}
