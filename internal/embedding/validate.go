package embedding

import (
	"fmt"

	"github.com/thebtf/entmatch/pkg/similarity"
)

// ValidateBatch checks that vectors holds one unit vector of dimension dim per input.
func ValidateBatch(vectors [][]float32, n, dim int) error {
	if len(vectors) != n {
		return &ContractError{Index: -1, Reason: fmt.Sprintf("got %d vectors for %d mentions", len(vectors), n)}
	}
	for i, v := range vectors {
		if err := similarity.CheckUnit(v, dim); err != nil {
			return &ContractError{Index: i, Reason: err.Error()}
		}
	}
	return nil
}
