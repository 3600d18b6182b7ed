// Package ir provides the value model shared by every converge package.
//
// Module state is a tree of sealed IRValue types. ir imports nothing
// internal, so it stays the foundation with no import cycles.
//
// Key constraints:
//   - No float kind; numbers are int64
//   - Committed state is never mutated; SetPath copies the spine
//   - Hashes use RFC 8785 canonical JSON with domain separation
//   - JSON tags use snake_case
package ir
