package session

import (
	"fmt"
	"sync"
)

// ScenarioResult records the outcome of one named scenario run
type ScenarioResult struct {
	Name   string
	Passed bool
	Detail string
}

// Results is an explicit scenario-outcome accumulator. Callers pass it
// in rather than writing to process-wide state, so concurrent runs stay
// independent.
type Results struct {
	mu      sync.Mutex
	results []ScenarioResult
}

// NewResults creates an empty accumulator
func NewResults() *Results {
	return &Results{}
}

// Record appends one scenario outcome
func (r *Results) Record(name string, passed bool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, ScenarioResult{Name: name, Passed: passed, Detail: detail})
}

// Counts returns the number of passed and failed scenarios
func (r *Results) Counts() (passed, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results {
		if res.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// All returns a copy of the recorded results in insertion order
func (r *Results) All() []ScenarioResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScenarioResult, len(r.results))
	copy(out, r.results)
	return out
}

// Summary renders a one-line passed/failed summary
func (r *Results) Summary() string {
	passed, failed := r.Counts()
	return fmt.Sprintf("%d passed, %d failed", passed, failed)
}
