package db

import (
	"errors"
	"fmt"

	"github.com/wouteroostervld/chaingraph/pkg/embed"
)

var (
	// ErrNotFound is returned when a chunk or anchor id does not exist in
	// the project snapshot
	ErrNotFound = errors.New("not found")

	// ErrSchemaMismatch is returned when stored data or configuration
	// disagrees with the deployment's schema mode
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrDimensionMismatch is the sentinel for vectors of the wrong length
	ErrDimensionMismatch = embed.ErrDimensionMismatch
)

// DimensionMismatchError carries the expected and actual vector lengths
type DimensionMismatchError = embed.DimensionMismatchError

// StorageError reports an unreachable or failing persistent store. It is
// fatal for an ingestion run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
