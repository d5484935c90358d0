// Package types defines the shared data model and error taxonomy of the
// agent execution core: agent profiles, query requests and results, audit
// entries, and the structured Error type used across all components.
package types
