package embed

import (
	"context"
	"errors"
	"fmt"
)

// Embedder generates vector embeddings from text. Implementations return
// one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the length of every vector the embedder returns
	Dimension() int

	// Name identifies the backend and model, used to namespace caches
	Name() string
}

// ErrDimensionMismatch is returned when a vector length differs from the
// deployment's embedding dimension
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// DimensionMismatchError carries the expected and actual vector lengths
type DimensionMismatchError struct {
	Expected int
	Got      int
	NodeID   string
}

func (e *DimensionMismatchError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("embedding dimension mismatch for %s: expected %d, got %d", e.NodeID, e.Expected, e.Got)
	}
	return fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool {
	return target == ErrDimensionMismatch
}

// CheckDimension returns a DimensionMismatchError when len(vec) != dim
func CheckDimension(vec []float32, dim int, nodeID string) error {
	if len(vec) != dim {
		return &DimensionMismatchError{Expected: dim, Got: len(vec), NodeID: nodeID}
	}
	return nil
}

// BackendError reports a failed call to the embedding backend. It fails the
// affected batch only.
type BackendError struct {
	Backend string
	Batch   int
	Size    int
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("embedding backend %s failed for batch %d (%d texts): %v", e.Backend, e.Batch, e.Size, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }
