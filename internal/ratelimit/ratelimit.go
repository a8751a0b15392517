// Package ratelimit caps how many LLM requests a single run may issue.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
)

// Budget counts requests against a per-run maximum. A max of zero or less
// means unlimited.
type Budget struct {
	mu   sync.Mutex
	used int
	max  int
}

func NewBudget(max int) *Budget {
	return &Budget{max: max}
}

// Allow reports whether another request fits the budget.
func (b *Budget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max <= 0 || b.used < b.max
}

// Use consumes one request from the budget.
func (b *Budget) Use() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max > 0 && b.used >= b.max {
		return fmt.Errorf("oracle request budget exhausted (%d/%d)", b.used, b.max)
	}
	b.used++
	slog.Debug("oracle request budget", "used", b.used, "max", b.max)
	return nil
}

// Used returns how many requests have been consumed.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
