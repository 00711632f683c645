// Package threat owns indicators of compromise.
//
// IndicatorStore upserts observations under a per-indicator lock so that
// confidence only rises, tags only accumulate and no indicator is ever
// removed. The Enricher looks indicators up in external providers through a
// cache chain and merges the results back into the store.
package threat
