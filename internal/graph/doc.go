// Package graph compiles derived-field declarations into an immutable
// dependency graph.
//
// A Graph is an arena: nodes are addressed by index, and edges are index
// lists. Compile never fails outright. Structural problems (cycles,
// multiple writers, trait conflicts) are attached to the nodes involved
// as fatal issues, and any transaction whose plan touches a flagged node
// hard-fails without committing.
package graph
