package model

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ItemResult is the outcome of processing one item inside a batch.
type ItemResult struct {
	ID  string
	Err error
}

// OK reports whether the item succeeded.
func (r ItemResult) OK() bool { return r.Err == nil }

// BatchReport accumulates per-item outcomes. Item failures are recorded here
// instead of aborting the batch.
type BatchReport struct {
	Items []ItemResult
}

// Record appends the outcome for id.
func (b *BatchReport) Record(id string, err error) {
	b.Items = append(b.Items, ItemResult{ID: id, Err: err})
}

// Succeeded returns the number of successful items.
func (b *BatchReport) Succeeded() int {
	n := 0
	for _, r := range b.Items {
		if r.OK() {
			n++
		}
	}
	return n
}

// Failures returns the failed items.
func (b *BatchReport) Failures() []ItemResult {
	var out []ItemResult
	for _, r := range b.Items {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Guard runs fn and converts a panic into an error so one bad item cannot
// take down the batch.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.New(fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn()
}
