// Package docker is the local provisioning engine: a single Docker daemon
// stands in for the cluster, containers labelled with the service stand in
// for its tasks.
package docker

import (
	"context"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name           string
	Image          string
	Env            map[string]string
	Labels         map[string]string
	Ports          []PortBinding
	Networks       []string
	NetworkAliases map[string][]string // network name → aliases
	RestartPolicy  RestartPolicy
	Resources      ResourceLimits
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 exposes the port without publishing it
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// RestartPolicy defines the container restart policy.
type RestartPolicy struct {
	Name              string // "no", "always", "on-failure", "unless-stopped"
	MaximumRetryCount int
}

// ResourceLimits defines resource constraints.
type ResourceLimits struct {
	CPULimit    float64 // CPU cores
	MemoryLimit int64   // Bytes
}

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	CreatedAt time.Time
	Ports     []PortBinding
	Labels    map[string]string
}

// =============================================================================
// Network & Image Types
// =============================================================================

// NetworkInfo describes an existing Docker network.
type NetworkInfo struct {
	ID     string
	Name   string
	Driver string
	Subnet string
}

// ImageInfo describes a local image.
type ImageInfo struct {
	ID          string
	RepoTags    []string
	RepoDigests []string
	CreatedAt   time.Time
	Size        int64
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// ListOptions defines options for listing containers.
type ListOptions struct {
	All    bool     // Include stopped containers
	Labels []string // "key=value" label filters, all must match
}

// PullOptions defines options for pulling images.
type PullOptions struct {
	Platform string // e.g., "linux/amd64"
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker operations the local engine needs.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error)

	// Network operations
	InspectNetwork(ctx context.Context, networkID string) (*NetworkInfo, error)

	// Image operations
	ListImages(ctx context.Context, reference string) ([]ImageInfo, error)
	PullImage(ctx context.Context, image string, opts PullOptions) error
	ImageExists(ctx context.Context, image string) (bool, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

// Labels carry everything needed to recreate a replica with another image.
const (
	LabelManaged       = "dev.shipline.managed"
	LabelCluster       = "dev.shipline.cluster"
	LabelService       = "dev.shipline.service"
	LabelTaskFamily    = "dev.shipline.task-family"
	LabelContainer     = "dev.shipline.container"
	LabelReplica       = "dev.shipline.replica"
	LabelNetwork       = "dev.shipline.network"
	LabelContainerPort = "dev.shipline.container-port"
	LabelHostPort      = "dev.shipline.host-port"
	LabelMemoryMiB     = "dev.shipline.memory-mib"
	LabelCPU           = "dev.shipline.cpu"
)
