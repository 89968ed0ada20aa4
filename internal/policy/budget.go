package policy

import (
	"fmt"
	"sync"
)

// DefaultMaxChildWorkflows caps how many child workflows one run may spawn
// over its lifetime, counting run_workflow calls and loop_over batches.
const DefaultMaxChildWorkflows = 5

// InvocationBudget is the first-class recursion/fan-out budget threaded
// through a workflow run's execution context. It is decremented at each child
// spawn and shared (same pointer) by every tool call in the run, so the cap
// holds across concurrent fan-out.
type InvocationBudget struct {
	mu    sync.Mutex
	limit int
	used  int
}

// NewInvocationBudget creates a budget. limit <= 0 uses the default cap.
func NewInvocationBudget(limit int) *InvocationBudget {
	if limit <= 0 {
		limit = DefaultMaxChildWorkflows
	}
	return &InvocationBudget{limit: limit}
}

// Spend consumes one unit. At the limit it returns an error describing the
// cap; callers convert it into a structured rejection, never a crash.
func (b *InvocationBudget) Spend() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.limit {
		return fmt.Errorf("child workflow limit reached (%d per run)", b.limit)
	}
	b.used++
	return nil
}

// Remaining returns how many spawns are left.
func (b *InvocationBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit - b.used
}

// Used returns how many spawns have happened.
func (b *InvocationBudget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
