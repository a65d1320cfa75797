package domain

// Metadata is a free-form JSON object attached to runs, steps, and validator
// configuration.
type Metadata map[string]any
