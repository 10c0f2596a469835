package pipeline

import (
	"time"

	"peharvest/internal/catalog"
	"peharvest/internal/staging"
)

// Outcome is the per-artifact result of a run.
type Outcome string

const (
	OutcomeStored   Outcome = "stored"
	OutcomeExisting Outcome = "existing"
	OutcomeFailed   Outcome = "failed"
)

// ItemResult is the outcome for one distinct remote identifier.
type ItemResult struct {
	Locator   catalog.Locator
	RemoteID  string
	LocalPath string
	Outcome   Outcome
	// Stage names where a failure happened: fetching or processing.
	Stage State
	Err   error
}

// Report summarizes a run.
type Report struct {
	RunID      string
	Target     int
	StartedAt  time.Time
	FinishedAt time.Time
	States     []State

	Sampled    int
	Fetched    int
	Duplicates int
	Stored     int
	Existing   int
	Failed     int
	Cleaned    int

	ListErrors    []*catalog.ListError
	Items         []ItemResult
	CleanupErrors []staging.CleanupError

	FetchPeak   int
	ProcessPeak int
	CleanupPeak int

	// Err is the stage-level abort cause, nil for a completed run.
	Err error
}

// Final returns the last state the run reached.
func (r *Report) Final() State {
	if r == nil || len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

// Duration is the wall-clock time of the run.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failures returns the failed items in input order.
func (r *Report) Failures() []ItemResult {
	var out []ItemResult
	for _, item := range r.Items {
		if item.Outcome == OutcomeFailed {
			out = append(out, item)
		}
	}
	return out
}

// FailedRemoteIDs lists the identifiers to retry.
func (r *Report) FailedRemoteIDs() []string {
	var ids []string
	for _, item := range r.Failures() {
		ids = append(ids, item.RemoteID)
	}
	return ids
}

// FailedLocators lists the locators to retry with RunLocators.
func (r *Report) FailedLocators() []catalog.Locator {
	var locs []catalog.Locator
	for _, item := range r.Failures() {
		locs = append(locs, item.Locator)
	}
	return locs
}

func (r *Report) record(item ItemResult) {
	r.Items = append(r.Items, item)
	switch item.Outcome {
	case OutcomeStored:
		r.Stored++
	case OutcomeExisting:
		r.Existing++
	case OutcomeFailed:
		r.Failed++
	}
}
