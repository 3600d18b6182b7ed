package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/converge/internal/graph"
)

var (
	// ErrDisposed is returned to callers whose transaction could not run
	// because the instance was disposed, including callers still waiting
	// for a backlog slot.
	ErrDisposed = errors.New("engine: instance disposed")

	// ErrReentrantEnqueue is returned when a transaction body enqueues on
	// its own instance. Queuing would deadlock the single consumer.
	ErrReentrantEnqueue = errors.New("engine: enqueue from inside a running transaction")

	// ErrClosed is returned by Runtime.Start after Runtime.Close.
	ErrClosed = errors.New("engine: runtime closed")
)

// TxnErrorCode categorizes transaction failures.
type TxnErrorCode string

const (
	// ErrCodeHardFail means the plan touched a node with a fatal graph
	// issue (MULTIPLE_WRITERS, CYCLE_DETECTED, MISSING_REQUIRES,
	// EXCLUDES_VIOLATED).
	ErrCodeHardFail TxnErrorCode = "HARD_FAILED"

	// ErrCodeNodeFailed means a derived node's function returned an error.
	ErrCodeNodeFailed TxnErrorCode = "NODE_FAILED"

	// ErrCodeBodyFailed means the transaction body returned an error.
	ErrCodeBodyFailed TxnErrorCode = "BODY_FAILED"

	// ErrCodeBodyPanic means the transaction body panicked.
	ErrCodeBodyPanic TxnErrorCode = "BODY_PANIC"

	// ErrCodeInvalidConfig means the layered policy did not validate.
	ErrCodeInvalidConfig TxnErrorCode = "CONFIG_INVALID"
)

// TxnError reports a transaction that did not commit.
//
// The committed state is exactly what it was before the attempt.
type TxnError struct {
	Code       TxnErrorCode
	Message    string
	InstanceID string
	Module     string

	// Violations lists graph issue codes for ErrCodeHardFail.
	Violations []graph.IssueCode
	// Nodes names the offending derived nodes, when known.
	Nodes []string

	Err error
}

// Error implements the error interface.
func (e *TxnError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Module != "" {
		fmt.Fprintf(&b, " (module=%s, instance=%s)", e.Module, e.InstanceID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *TxnError) Unwrap() error { return e.Err }

// IsHardFail reports whether err is a TxnError for a structural violation.
func IsHardFail(err error) bool {
	return hasCode(err, ErrCodeHardFail)
}

// IsBodyError reports whether err came from the transaction body itself,
// by returned error or panic.
func IsBodyError(err error) bool {
	return hasCode(err, ErrCodeBodyFailed) || hasCode(err, ErrCodeBodyPanic)
}

// CodeOf returns the TxnErrorCode carried by err, or "".
func CodeOf(err error) TxnErrorCode {
	var te *TxnError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func hasCode(err error, code TxnErrorCode) bool {
	return CodeOf(err) == code
}

// PanicError wraps a value recovered from a panicking body.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
