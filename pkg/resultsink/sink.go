// Package resultsink stores normalized result tables.
//
// DirSink is the primary destination and writes files atomically into a local
// directory. S3Sink mirrors results to an S3 or S3-compatible bucket.
package resultsink

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/3leaps/listwatch/pkg/tabular"
)

// Sink persists a result table under name and returns where it landed.
type Sink interface {
	Write(ctx context.Context, name string, t *tabular.Table) (string, error)
}

// Sentinel errors for sink operations.
var (
	// ErrAccessDenied indicates the destination rejected the credentials.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the target bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrUnavailable indicates the destination is temporarily unavailable.
	ErrUnavailable = errors.New("destination unavailable")
)

// WriteError wraps a sink failure with its destination.
type WriteError struct {
	Op     string
	Target string
	Err    error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *WriteError) Unwrap() error {
	return e.Err
}

// render serializes t in the format implied by name.
func render(name string, t *tabular.Table) ([]byte, tabular.Format, error) {
	format := tabular.FormatFor(name)
	var buf bytes.Buffer
	if err := t.Write(&buf, format); err != nil {
		return nil, format, err
	}
	return buf.Bytes(), format, nil
}

func contentType(f tabular.Format) string {
	if f == tabular.FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}
