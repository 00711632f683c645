// Package core defines the domain model shared by the Argus orchestrator and
// correlation engine.
//
// # Overview
//
// The core package provides:
//   - Domain types (ToolExecution, Finding, Indicator, DetectionRule, Alert)
//   - State transition tables for executions and alerts
//   - The error taxonomy surfaced by every component
//   - Small reusable primitives (circuit breaker, worker pool, fingerprints)
//
// # Ownership
//
// The orchestrator owns ToolExecution records, the indicator store owns
// Indicators and the correlation engine owns Alerts. Cross references are
// identifiers only; no component holds another component's records by
// pointer.
//
// # Errors
//
// Components return errors wrapping one of the sentinels in errors.go.
// Callers classify with errors.Is:
//
//	if errors.Is(err, core.ErrToolNotInstalled) {
//	    // surface to the caller, no execution was recorded
//	}
package core
