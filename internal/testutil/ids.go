package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDGenerator yields "<prefix>-1", "<prefix>-2", ... so instance
// IDs and the row IDs derived from them are stable across test runs.
//
// Thread-safety: SequentialIDGenerator is safe for concurrent use.
type SequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDGenerator creates a generator. An empty prefix uses "inst".
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	if prefix == "" {
		prefix = "inst"
	}
	return &SequentialIDGenerator{prefix: prefix}
}

// Generate returns the next ID.
func (g *SequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
