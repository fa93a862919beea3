package models

import "fmt"

// FailureKind names the class of a degraded result
type FailureKind string

const (
	FetchFailure      FailureKind = "fetch_failure"      // network, timeout or non-2xx
	ParseFailure      FailureKind = "parse_failure"      // malformed HTML or JSON
	ResolutionFailure FailureKind = "resolution_failure" // no redirect strategy succeeded
)

// Failure is attached to a record that was produced in degraded form
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Detail string      `json:"detail"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// NewFailure builds a Failure of the given kind
func NewFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
