package fleetconfig

import (
	"errors"
	"strings"
)

var (
	ErrUnknownProject      = errors.New("project is not configured")
	ErrUnknownInstance     = errors.New("instance is not configured")
	ErrUnknownInstanceType = errors.New("not a known EC2 instance type")
	ErrDuplicateKey        = errors.New("duplicate key")
)

// Returned when the benchmark config is invalid or does not contain something the caller asked for.
type ConfigurationError struct {
	Project string
	Shape   string
	Err     error
}

func (e *ConfigurationError) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration error")
	if e.Project != "" {
		sb.WriteString(": project ")
		sb.WriteString(e.Project)
	}
	if e.Shape != "" {
		sb.WriteString(": instance ")
		sb.WriteString(e.Shape)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
