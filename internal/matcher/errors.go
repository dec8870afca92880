package matcher

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest is returned for batches rejected before any work is done.
var ErrInvalidRequest = errors.New("invalid request")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
