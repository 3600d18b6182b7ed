package graph

import (
	"fmt"
	"strings"
)

// IssueCode categorizes a structural problem. Every code is fatal.
type IssueCode string

const (
	IssueCycleDetected    IssueCode = "CYCLE_DETECTED"
	IssueMultipleWriters  IssueCode = "MULTIPLE_WRITERS"
	IssueMissingRequires  IssueCode = "MISSING_REQUIRES"
	IssueExcludesViolated IssueCode = "EXCLUDES_VIOLATED"
	IssueInvalidDecl      IssueCode = "INVALID_DECL"
)

// Issue is one structural problem and the nodes it involves.
type Issue struct {
	Code    IssueCode `json:"code"`
	Nodes   []string  `json:"nodes"`
	Path    []string  `json:"path,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (i Issue) Error() string {
	return fmt.Sprintf("[%s] %s", i.Code, i.Message)
}

// Report summarizes a compilation.
type Report struct {
	Issues []Issue `json:"issues"`
}

// Fatal reports whether any issue was found.
func (r *Report) Fatal() bool {
	return len(r.Issues) > 0
}

// Codes returns the distinct issue codes in first-seen order.
func (r *Report) Codes() []IssueCode {
	seen := make(map[IssueCode]bool)
	var out []IssueCode
	for _, is := range r.Issues {
		if !seen[is.Code] {
			seen[is.Code] = true
			out = append(out, is.Code)
		}
	}
	return out
}

// Summary joins every issue, or returns "" when there are none.
func (r *Report) Summary() string {
	msgs := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		msgs[i] = is.Error()
	}
	return strings.Join(msgs, "; ")
}
