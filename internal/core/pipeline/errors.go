package pipeline

import (
	"errors"
	"fmt"

	"github.com/artpar/shipline/internal/core/topology"
)

// ErrorKind classifies why an execution failed.
type ErrorKind string

const (
	ErrorResolutionNotFound       ErrorKind = "resolution_not_found"
	ErrorCapacityProvisionFailure ErrorKind = "capacity_provision_failure"
	ErrorBuildCommandFailure      ErrorKind = "build_command_failure"
	ErrorArtifactMissing          ErrorKind = "artifact_missing"
	ErrorDeployFailure            ErrorKind = "deploy_failure"
)

// IsValid checks if the kind is known.
func (k ErrorKind) IsValid() bool {
	switch k {
	case ErrorResolutionNotFound, ErrorCapacityProvisionFailure, ErrorBuildCommandFailure,
		ErrorArtifactMissing, ErrorDeployFailure:
		return true
	default:
		return false
	}
}

// StageError is a classified failure of one stage or provisioning step.
type StageError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a new StageError.
func NewStageError(kind ErrorKind, stage string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the kind of a StageError anywhere in err's chain. Errors
// that were never classified fall back to the default kind of the stage.
func KindOf(err error, stage string) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch stage {
	case topology.StageBuild:
		return ErrorBuildCommandFailure
	case topology.StageDeploy:
		return ErrorDeployFailure
	default:
		return ErrorResolutionNotFound
	}
}
