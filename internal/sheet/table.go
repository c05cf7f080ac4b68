package sheet

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Table is one full read of the data source, in row order.
type Table []Record

// Last returns the final row. ok is false for an empty table.
func (t Table) Last() (Record, bool) {
	if len(t) == 0 {
		return Record{}, false
	}
	return t[len(t)-1], true
}

func (t Table) Equal(o Table) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if !t[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// FromRows builds a table from raw rows where rows[0] is the header row.
// Fewer than two rows yields an empty table.
func FromRows(rows [][]string) Table {
	if len(rows) < 2 {
		return Table{}
	}
	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(h)
	}
	out := make(Table, 0, len(rows)-1)
	for _, row := range rows[1:] {
		out = append(out, NewRecord(headers, row))
	}
	return out
}

// Source reads the current table.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Table, error)
}

// FetchError reports that the source was unreachable or returned malformed data.
// Callers treat it as transient.
type FetchError struct {
	Source string
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps err unless it already is a *FetchError.
func NewFetchError(source, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Source: source, Op: op, Err: err}
}

// IsFetchError reports whether err is (or wraps) a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
