package bootstrap

import (
	"errors"
	"fmt"
)

var (
	ErrMissingValue     = errors.New("value is missing")
	ErrNotRepresentable = errors.New("value can't be formatted as an argument")
	ErrMissingArtifact  = errors.New("artifact reference is missing")
)

// Returned when a bootstrap argument can't be built from the configuration.
type ArgumentAssemblyError struct {
	Project string
	Shape   string
	Field   string
	Value   any
	Err     error
}

func (e *ArgumentAssemblyError) Error() string {
	return fmt.Sprintf("building %s argument for project %s instance %s failed: %v", e.Field, e.Project, e.Shape, e.Err)
}

func (e *ArgumentAssemblyError) Unwrap() error {
	return e.Err
}
