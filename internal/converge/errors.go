package converge

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/converge/internal/graph"
)

// HardFailError reports a plan that touched structurally invalid nodes.
// The transaction must not commit.
type HardFailError struct {
	Codes []graph.IssueCode
	Nodes []string
}

// Error implements the error interface.
func (e *HardFailError) Error() string {
	codes := make([]string, len(e.Codes))
	for i, c := range e.Codes {
		codes[i] = string(c)
	}
	return fmt.Sprintf("convergence hard failure: %s (nodes: %s)",
		strings.Join(codes, ","), strings.Join(e.Nodes, ","))
}

// NodeError wraps a failure raised by a derived node's function.
type NodeError struct {
	Node string
	Err  error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.Node, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error { return e.Err }

// IsHardFail reports whether err is a HardFailError.
func IsHardFail(err error) bool {
	var hf *HardFailError
	return errors.As(err, &hf)
}

// IsNodeError reports whether err is a NodeError.
func IsNodeError(err error) bool {
	var ne *NodeError
	return errors.As(err, &ne)
}
