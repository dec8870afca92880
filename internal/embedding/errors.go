package embedding

import (
	"errors"
	"fmt"
)

// ErrEmbedderFailure is returned when the embedding call fails or yields malformed output.
var ErrEmbedderFailure = errors.New("embedder failure")

// ContractError describes an embedding batch that violates the output contract.
// Index is the offending input position, or -1 for batch-level violations.
type ContractError struct {
	Index  int
	Reason string
}

func (e *ContractError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("embedder contract violation: %s", e.Reason)
	}
	return fmt.Sprintf("embedder contract violation at %d: %s", e.Index, e.Reason)
}

// Unwrap makes errors.Is(err, ErrEmbedderFailure) hold.
func (e *ContractError) Unwrap() error {
	return ErrEmbedderFailure
}

// Failure wraps a call-level error as an embedder failure.
func Failure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrEmbedderFailure, err)
}
