package docker

import (
	"errors"
	"fmt"
)

var (
	ErrContainerNotFound       = errors.New("container not found")
	ErrContainerAlreadyExists  = errors.New("container already exists")
	ErrContainerNotRunning     = errors.New("container is not running")
	ErrContainerAlreadyRunning = errors.New("container is already running")
	ErrPortAlreadyAllocated    = errors.New("port is already allocated")

	ErrNetworkNotFound = errors.New("network not found")

	ErrImageNotFound   = errors.New("image not found")
	ErrImagePullFailed = errors.New("image pull failed")

	ErrServiceNotFound = errors.New("service has no replicas")
	ErrInvalidReplica  = errors.New("replica labels are incomplete")

	ErrConnectionFailed = errors.New("docker connection failed")
)

// DockerError records which daemon call failed and on what object.
type DockerError struct {
	Op     string // e.g. "CreateContainer"
	Object string // e.g. "container web-1"; empty for daemon-wide calls
	Err    error
}

func (e *DockerError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("docker %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("docker %s %s: %v", e.Op, e.Object, e.Err)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError wraps err for op on the object of the given kind and name.
func NewDockerError(op, kind, name string, err error) *DockerError {
	object := kind
	if name != "" {
		object = kind + " " + name
	}
	return &DockerError{Op: op, Object: object, Err: err}
}
