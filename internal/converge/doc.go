// Package converge decides how much of the dependency graph a transaction
// must recompute, then recomputes it on the transaction's draft state.
//
// Each call runs decide -> execute -> report:
//
//   - decide picks full or dirty planning, consults the per-instance
//     decision cache, and falls back to full when auto planning overruns
//     its budget or the dirty set is unusable;
//   - execute runs planned nodes in dependency order, deferring or
//     freezing deferred nodes as the lane policy and execution budget say;
//   - report fills a Decision describing what happened.
//
// A plan that touches a node with a structural issue hard-fails before
// anything executes.
package converge
