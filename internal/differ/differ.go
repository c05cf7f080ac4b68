// Package differ finds the newly appended record between two reads of a table.
//
// Only net growth is detected: the candidate is always the last row of the
// current table, and only when the table grew. An incomplete candidate keeps the
// previous baseline so the same tail row is re-checked on the next poll.
package differ

import (
	"context"

	"welcomebot/internal/sheet"
	logx "welcomebot/pkg/logx"
)

// Outcome classifies one comparison.
type Outcome string

const (
	OutcomeEmpty      Outcome = "empty"
	OutcomeNoChange   Outcome = "no_change"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeNewRecord  Outcome = "new_record"
)

// Result is the outcome of comparing a fetched table against the baseline.
type Result struct {
	Outcome Outcome
	// Baseline is the table to compare against on the next cycle.
	Baseline sheet.Table
	// Record is set only for OutcomeNewRecord.
	Record *sheet.Record
	// Candidate is the incomplete tail row (OutcomeIncomplete).
	Candidate *sheet.Record
	// Missing lists the required fields the candidate lacks (OutcomeIncomplete).
	Missing []string
	// Fetched is the number of rows read this cycle.
	Fetched int
}

// Diff compares current against baseline.
//
//   - empty current: baseline unchanged, no record
//   - no growth: current becomes the baseline, no record
//   - growth, last row complete: current becomes the baseline, last row returned
//   - growth, last row incomplete: baseline unchanged, no record
func Diff(baseline, current sheet.Table, required []string) Result {
	if len(current) == 0 {
		return Result{Outcome: OutcomeEmpty, Baseline: baseline}
	}
	if len(current) <= len(baseline) {
		return Result{Outcome: OutcomeNoChange, Baseline: current, Fetched: len(current)}
	}

	candidate, _ := current.Last()
	if missing := candidate.Missing(required); len(missing) > 0 {
		return Result{Outcome: OutcomeIncomplete, Baseline: baseline, Candidate: &candidate, Missing: missing, Fetched: len(current)}
	}
	return Result{Outcome: OutcomeNewRecord, Baseline: current, Record: &candidate, Fetched: len(current)}
}

// Differ fetches the current table and diffs it against a baseline.
type Differ struct {
	src      sheet.Source
	required []string
	mirror   *sheet.Mirror
	log      logx.Logger
}

func New(src sheet.Source, required []string, mirror *sheet.Mirror, log logx.Logger) *Differ {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Differ{
		src:      src,
		required: append([]string(nil), required...),
		mirror:   mirror,
		log:      log,
	}
}

func (d *Differ) Required() []string { return append([]string(nil), d.required...) }

// Fetch reads the current table and mirrors it. Errors are *sheet.FetchError.
func (d *Differ) Fetch(ctx context.Context) (sheet.Table, error) {
	current, err := d.src.Fetch(ctx)
	if err != nil {
		return nil, sheet.NewFetchError(d.src.Name(), "fetch", err)
	}
	if err := d.mirror.Write(current); err != nil {
		d.log.Warn("snapshot mirror write failed", logx.String("path", d.mirror.Path()), logx.Err(err))
	}
	return current, nil
}

// Detect fetches the current table and compares it against baseline.
// On error the caller keeps its baseline.
func (d *Differ) Detect(ctx context.Context, baseline sheet.Table) (Result, error) {
	current, err := d.Fetch(ctx)
	if err != nil {
		return Result{Baseline: baseline}, err
	}
	return Diff(baseline, current, d.required), nil
}
