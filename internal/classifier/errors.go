package classifier

import (
	"errors"
	"fmt"
)

// ErrNoAsset is returned when a request carries no image.
var ErrNoAsset = errors.New("prediction request has no asset")

// ExhaustedError is returned once every attempt in the budget has failed. Last
// holds the final attempt for diagnostics.
type ExhaustedError struct {
	Attempts int
	Last     AttemptRecord
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("classifier unavailable after %d attempts: %s", e.Attempts, e.Last.describe())
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last.Err
}
