// Package catalog is the single source of truth for provider and model
// pricing, context limits, and quality scores. An embedded table covers the
// known providers; an optional catalog.yaml override and a live fetch hook
// layer on top, both falling back to the embedded data on failure.
package catalog
