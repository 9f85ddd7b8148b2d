// Package engine drives a provisioning backend from a topology definition.
// It resolves handles, reconciles cluster, capacity and service, and runs
// pipeline executions stage by stage. Backends (AWS, local Docker) implement
// the collaborator interfaces declared here.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/shipline/internal/core/topology"
)

// ErrResolutionNotFound is returned by NetworkDirectory and Registry when an
// identifier does not exist.
var ErrResolutionNotFound = errors.New("resource not found")

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// NetworkDirectory resolves pre-existing networks. It never creates them.
type NetworkDirectory interface {
	LookupNetwork(ctx context.Context, id string) (topology.NetworkHandle, error)
}

// Registry resolves image repositories and the images pushed to them.
type Registry interface {
	Reference(ctx context.Context, uri string) (topology.RegistryHandle, error)
	LatestImage(ctx context.Context, repositoryName, tag string) (ImageDetail, error)
}

// Compute reconciles the cluster, its capacity and the service.
type Compute interface {
	EnsureCluster(ctx context.Context, def *topology.Definition) (ClusterRef, error)
	EnsureCapacity(ctx context.Context, def *topology.Definition) ([]HostRef, error)
	EnsureService(ctx context.Context, def *topology.Definition) (ServiceRef, error)
	// Deploy rolls the service to imageURI and returns the new task revision.
	Deploy(ctx context.Context, ref ServiceRef, imageURI string) (string, error)
}

// BuildExecutor runs the Build stage command sequence.
type BuildExecutor interface {
	Run(ctx context.Context, req BuildRequest) (BuildResult, error)
}

// Backend bundles the collaborators of one provisioning engine.
type Backend struct {
	Name     string
	Networks NetworkDirectory
	Registry Registry
	Compute  Compute
	Builder  BuildExecutor
}

// =============================================================================
// References
// =============================================================================

// ClusterRef identifies a reconciled cluster.
type ClusterRef struct {
	Name string `json:"name"`
	ARN  string `json:"arn,omitempty"`
}

// HostRef identifies one capacity host.
type HostRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// ServiceRef identifies a service and the container Deploy replaces.
type ServiceRef struct {
	Cluster       string `json:"cluster"`
	Service       string `json:"service"`
	TaskFamily    string `json:"task_family"`
	ContainerName string `json:"container_name"`
	Endpoint      string `json:"endpoint,omitempty"`
}

// ServiceRefFor returns the reference of the service declared in def.
func ServiceRefFor(def *topology.Definition) ServiceRef {
	return ServiceRef{
		Cluster:       def.Service.Cluster,
		Service:       def.Service.Name,
		TaskFamily:    def.Task.Family,
		ContainerName: def.Task.Container.Name,
	}
}

// ImageDetail is the registry metadata the Source stage emits unchanged as
// imageDetail.json.
type ImageDetail struct {
	RegistryID       string    `json:"RegistryId"`
	RepositoryName   string    `json:"RepositoryName"`
	ImageURI         string    `json:"ImageURI"`
	ImageTags        []string  `json:"ImageTags"`
	ImageDigest      string    `json:"ImageDigest"`
	ImagePushedAt    time.Time `json:"ImagePushedAt"`
	ImageSizeInBytes int64     `json:"ImageSizeInBytes"`
	Version          string    `json:"Version"`
}

// =============================================================================
// Build
// =============================================================================

// BuildRequest is one Build stage run.
type BuildRequest struct {
	ExecutionID string
	Project     string
	Commands    []string
	Env         map[string]string
	// Inputs are the files of the input artifact, keyed by file name.
	Inputs      map[string][]byte
	OutputFiles []string
}

// BuildResult carries the declared output files that the build produced.
type BuildResult struct {
	BuildID string
	Files   map[string][]byte
	Logs    string
}
