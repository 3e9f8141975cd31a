// Package relevance estimates the causal effect of individual context
// documents on task success by running the same task repeatedly under
// randomized document exposure.
package relevance

// Source tags where a candidate document came from.
type Source string

const (
	// SourceMinedPositive - mined from a known-good solution trace.
	SourceMinedPositive Source = "mined-positive"
	// SourceRetrieved - produced by a retrieval system.
	SourceRetrieved Source = "retrieved"
	// SourceRandomNegative - sampled as a control, expected irrelevant.
	SourceRandomNegative Source = "random-negative"
)

// Document is one candidate context item. Immutable and shared read-only
// across concurrent exposure trials.
type Document struct {
	// ID is a fully-qualified symbol name or content hash.
	ID      string `json:"id" yaml:"id"`
	Source  Source `json:"source" yaml:"source"`
	Content string `json:"content" yaml:"content"`
}
