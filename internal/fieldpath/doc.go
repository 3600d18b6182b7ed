// Package fieldpath interns state field paths as small integer IDs and
// builds the canonical dirty set a transaction hands to convergence.
//
// Paths are structural: numeric indexes and "*" wildcards are elided at
// parse time, so "items.3.price" and "items.*.price" both register as
// items.price. An ID names a field across every row of a list.
package fieldpath
