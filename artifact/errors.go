package artifact

import "fmt"

// Returned when a script could not be made fetchable by instances.
type StagingError struct {
	Path string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging %s failed: %v", e.Path, e.Err)
}

func (e *StagingError) Unwrap() error {
	return e.Err
}
