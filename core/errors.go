package core

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch matches every *DimensionMismatchError.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrInsufficientData matches every *InsufficientDataError.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidQueryParameter matches every *InvalidQueryError.
	ErrInvalidQueryParameter = errors.New("invalid query parameter")
	// ErrStorageUnavailable matches every *StorageError.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrNotTrained       = errors.New("not trained")
	ErrUnknownMetric    = errors.New("unknown metric")
	ErrUnknownQuantizer = errors.New("unknown quantizer kind")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// DimensionMismatchError reports a vector whose length disagrees with trained structures.
type DimensionMismatchError struct {
	Expected int
	Actual   int
	Context  string // e.g. "query", "row 42", "partition 3"
}

func (e *DimensionMismatchError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
	}
	return fmt.Sprintf("dimension mismatch (%s): expected %d, got %d", e.Context, e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// CheckDimension returns a *DimensionMismatchError when len(v) != dim.
func CheckDimension(v []float32, dim int, context string) error {
	if len(v) != dim {
		return &DimensionMismatchError{Expected: dim, Actual: len(v), Context: context}
	}
	return nil
}

// InsufficientDataError reports a training sample too small for the requested cluster count.
type InsufficientDataError struct {
	Samples  int
	Required int
	Clusters int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d samples for %d clusters, need at least %d",
		e.Samples, e.Clusters, e.Required)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// InvalidQueryError reports a rejected query parameter.
type InvalidQueryError struct {
	Field  string
	Value  any
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query parameter %s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *InvalidQueryError) Is(target error) bool { return target == ErrInvalidQueryParameter }

// StorageError wraps a failure of the storage collaborator. It is never retried internally.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }
