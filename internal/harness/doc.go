// Package harness runs YAML conformance scenarios against real module
// instances.
//
// # Scenario Format
//
//	name: counter_chain
//	description: "What this scenario validates"
//	specs:
//	  - ../specs/counter.cue
//	policy:
//	  mode: dirty
//	steps:
//	  - write: { count: 5 }
//	    expect:
//	      mode: dirty
//	      cache: miss
//	      state: { next: 6 }
//	  - settle: true
//	assertions:
//	  - type: final_state
//	    expect: { label: "6" }
//	  - type: trace_contains
//	    kind: converge_decision
//	    payload: { cache: hit }
//
// Spec paths are relative to the scenario file. Every module declared by
// the specs is started; steps and final_state assertions target the first
// one unless they name a module.
//
// # Assertion Types
//
//   - final_state: the module state contains the expected dotted paths
//   - trace_contains: an event of kind whose payload contains the fields
//   - trace_order: first occurrences of kinds appear in order
//   - trace_count: kind appears exactly count times in the trace
//   - evidence_count: kind was persisted exactly count times
//
// # Deterministic Testing
//
// Every run gets a fresh runtime, sequential instance IDs, and an
// in-memory evidence store. Golden snapshots keep only payload fields that
// do not depend on wall time or hashing, so identical scenarios produce
// identical snapshots.
//
// Regenerate golden files with:
//
//	go test ./internal/harness -update
package harness
