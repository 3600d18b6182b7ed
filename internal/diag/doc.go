// Package diag carries the diagnostics and evidence stream.
//
// Every Event is stamped with a per-emitter sequence number and a
// content-addressed ID, then fanned out to the configured sinks. Sinks
// observe; they never influence a transaction. A failing sink is logged
// and skipped.
package diag
