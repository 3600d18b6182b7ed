// Package engine runs module instances: committed state, the transaction
// queue that serializes writes to it, and the lanes that carry deferred
// work.
//
// ARCHITECTURE:
//
// Single-Writer Consumer:
// Each instance processes transactions in a single goroutine. This ensures:
// - A body always sees the state left by the previous commit
// - Convergence runs exactly once per transaction, before its commit
// - Commits are totally ordered by seq
//
// Transaction Flow:
// 1. Enqueue takes a backlog slot (waiting while the backlog is saturated)
// 2. The item joins the urgent or non-urgent FIFO lane
// 3. The consumer runs the body on a draft and builds the dirty set
// 4. converge.Scheduler plans and executes derived nodes
// 5. On success the draft is committed and the caller gets an Outcome
//
// Deferred nodes, source results, and link refreshes re-enter the queue as
// non-urgent transactions. Urgent work always drains first.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Commits are stamped by Clock.Next(). Wall-clock time only feeds budgets
// and lane timing, never ordering.
//
// Atomic Commit:
// A body error, a panic, a hard failure, or a node error discards the
// draft. Readers never observe a partial transaction.
package engine
