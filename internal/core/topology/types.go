package topology

import (
	"github.com/artpar/shipline/internal/core/buildspec"
	"github.com/artpar/shipline/internal/core/manifest"
)

// =============================================================================
// Resolved Handles
// =============================================================================

// NetworkHandle references a pre-existing network boundary. It is resolved,
// never created.
type NetworkHandle struct {
	ID        string   `json:"id"`
	CIDR      string   `json:"cidr,omitempty"`
	SubnetIDs []string `json:"subnet_ids,omitempty"`
}

// RegistryHandle references a pre-existing image repository.
type RegistryHandle struct {
	URI            string `json:"uri"`
	RepositoryName string `json:"repository_name"`
	Host           string `json:"host"`
	ARN            string `json:"arn,omitempty"`
}

// =============================================================================
// Definition
// =============================================================================

// Definition is the complete desired state handed to a provisioning engine.
type Definition struct {
	Inputs   Inputs         `json:"inputs"`
	Network  NetworkHandle  `json:"network"`
	Registry RegistryHandle `json:"registry"`
	Cluster  ClusterSpec    `json:"cluster"`
	Task     TaskSpec       `json:"task"`
	Service  ServiceSpec    `json:"service"`
	Pipeline PipelineSpec   `json:"pipeline"`
}

// =============================================================================
// Cluster & Capacity
// =============================================================================

// ClusterSpec is a named cluster inside the resolved network.
type ClusterSpec struct {
	Name     string           `json:"name"`
	Network  string           `json:"network_id"`
	Capacity CapacityGroup    `json:"capacity"`
	Security SecurityBoundary `json:"security"`
}

// CapacityGroup is a fixed number of identical hosts owned by the cluster.
type CapacityGroup struct {
	Name         string   `json:"name"`
	InstanceType string   `json:"instance_type"`
	DesiredCount int      `json:"desired_count"`
	KeyName      string   `json:"key_name"`
	SubnetIDs    []string `json:"subnet_ids,omitempty"`
}

// HostSpec is one declared capacity host.
type HostSpec struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// Hosts returns exactly DesiredCount host declarations.
func (g CapacityGroup) Hosts() []HostSpec {
	hosts := make([]HostSpec, 0, g.DesiredCount)
	for i := 1; i <= g.DesiredCount; i++ {
		hosts = append(hosts, HostSpec{Name: HostName(g.Name, i), Index: i})
	}
	return hosts
}

// SecurityBoundary controls traffic to capacity hosts. Egress is
// unconditional; ingress is empty until a load balancer opens a port.
type SecurityBoundary struct {
	Name      string        `json:"name"`
	EgressAll bool          `json:"egress_all"`
	Ingress   []IngressRule `json:"ingress"`
}

// IngressRule admits traffic on one port from the named source group.
type IngressRule struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	OpenedBy string `json:"opened_by"`
}

// =============================================================================
// Task & Service
// =============================================================================

// NetworkModeBridge maps container ports onto host ports.
const NetworkModeBridge = "bridge"

// LogDriverAWSLogs ships container output to CloudWatch Logs.
const LogDriverAWSLogs = "awslogs"

// TaskSpec is an immutable task definition with exactly one container.
type TaskSpec struct {
	Family      string        `json:"family"`
	NetworkMode string        `json:"network_mode"`
	Container   ContainerSpec `json:"container"`
}

// ContainerSpec describes the single container of the task.
type ContainerSpec struct {
	Name           string        `json:"name"`
	Image          ImageRef      `json:"image"`
	MemoryLimitMiB int64         `json:"memory_limit_mib"`
	CPU            int           `json:"cpu"`
	Essential      bool          `json:"essential"`
	PortMappings   []PortMapping `json:"port_mappings"`
	Logging        LogSink       `json:"logging"`
}

// ImageRef is a repository and a tag.
type ImageRef struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// String returns the fully qualified image URI.
func (r ImageRef) String() string {
	return manifest.ImageURI(r.Repository, r.Tag)
}

// PortMapping maps a container port to a host port.
type PortMapping struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"`
}

// LogSink is the container log destination.
type LogSink struct {
	Driver       string `json:"driver"`
	Group        string `json:"group"`
	Region       string `json:"region"`
	StreamPrefix string `json:"stream_prefix"`
}

// ServiceSpec keeps DesiredCount copies of the task running behind exactly
// one load balancer.
type ServiceSpec struct {
	Name         string           `json:"name"`
	Cluster      string           `json:"cluster"`
	TaskFamily   string           `json:"task_family"`
	DesiredCount int              `json:"desired_count"`
	LoadBalancer LoadBalancerSpec `json:"load_balancer"`
}

// LoadBalancerSpec is the public entry point of the service.
type LoadBalancerSpec struct {
	Name            string `json:"name"`
	TargetGroup     string `json:"target_group"`
	SecurityGroup   string `json:"security_group"`
	Public          bool   `json:"public"`
	ListenerPort    int    `json:"listener_port"`
	ContainerName   string `json:"container_name"`
	ContainerPort   int    `json:"container_port"`
	HealthCheckPath string `json:"health_check_path"`
}

// =============================================================================
// Pipeline
// =============================================================================

// Stage names in execution order.
const (
	StageSource = "Source"
	StageBuild  = "Build"
	StageDeploy = "Deploy"
)

// StageOrder is the only valid stage order.
var StageOrder = [3]string{StageSource, StageBuild, StageDeploy}

// Action providers.
const (
	ProviderECR       = "ECR"
	ProviderCodeBuild = "CodeBuild"
	ProviderECS       = "ECS"
)

// Artifact names and files handed between stages.
const (
	ArtifactSource  = "SourceOutput"
	ArtifactBuild   = "BuildOutput"
	ImageDetailFile = "imageDetail.json"
)

// PipelineSpec is the linear Source, Build, Deploy pipeline.
type PipelineSpec struct {
	Name          string       `json:"name"`
	ArtifactStore string       `json:"artifact_store"`
	Stages        [3]StageSpec `json:"stages"`
}

// Stage returns the stage with the given name.
func (p PipelineSpec) Stage(name string) (StageSpec, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageSpec{}, false
}

// StageSpec is one pipeline stage.
type StageSpec struct {
	Name    string       `json:"name"`
	Actions []ActionSpec `json:"actions"`
}

// ActionSpec is one action inside a stage. Exactly one of Source, Build or
// Deploy is set, matching the stage.
type ActionSpec struct {
	Name            string        `json:"name"`
	Provider        string        `json:"provider"`
	InputArtifacts  []string      `json:"input_artifacts,omitempty"`
	OutputArtifacts []string      `json:"output_artifacts,omitempty"`
	Source          *SourceAction `json:"source,omitempty"`
	Build           *BuildAction  `json:"build,omitempty"`
	Deploy          *DeployAction `json:"deploy,omitempty"`
}

// SourceAction watches one repository tag and emits the registry's image
// detail file unchanged.
type SourceAction struct {
	RepositoryName string `json:"repository_name"`
	ImageTag       string `json:"image_tag"`
	OutputFile     string `json:"output_file"`
}

// BuildAction runs the fixed command sequence and emits the manifest.
type BuildAction struct {
	Project     string                `json:"project"`
	Commands    []string              `json:"commands"`
	Env         map[string]string     `json:"env"`
	OutputFiles []string              `json:"output_files"`
	Config      buildspec.BuildConfig `json:"-"`
}

// DeployAction rolls the service to the image named in the manifest.
type DeployAction struct {
	Cluster  string `json:"cluster"`
	Service  string `json:"service"`
	FileName string `json:"file_name"`
}
