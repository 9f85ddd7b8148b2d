package topology

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/artpar/shipline/internal/core/buildspec"
	"github.com/artpar/shipline/internal/core/manifest"
	"github.com/artpar/shipline/internal/core/provider"
)

// =============================================================================
// Input Errors
// =============================================================================

var (
	ErrAppNameRequired       = errors.New("app name is required")
	ErrInvalidAppName        = errors.New("app name must be 1-28 lowercase alphanumeric characters or hyphens")
	ErrNetworkIDRequired     = errors.New("network id is required")
	ErrRegistryURIRequired   = errors.New("registry uri is required")
	ErrInvalidRegistryURI    = errors.New("registry uri must look like <account>.dkr.ecr.<region>.amazonaws.com/<repository>")
	ErrContainerNameRequired = errors.New("container name is required")
	ErrInvalidContainerName  = errors.New("container name must be 1-255 letters, digits, hyphens or underscores")
	ErrImageTagRequired      = errors.New("image tag is required")
	ErrInvalidImageTag       = errors.New("image tag must be 1-128 letters, digits, underscores, periods or hyphens and not start with a period or hyphen")
	ErrInvalidCapacity       = errors.New("desired capacity must be at least 1")
	ErrInvalidInstanceType   = errors.New("invalid instance type")
	ErrInvalidPort           = errors.New("container port must be between 1 and 65535")
	ErrInvalidResources      = errors.New("memory and cpu must be positive and fit the instance type")
)

// Defaults for every optional input.
const (
	DefaultAppName         = "my-app"
	DefaultContainerName   = "MyContainer"
	DefaultImageTag        = "latest"
	DefaultInstanceType    = "t3.micro"
	DefaultDesiredCapacity = 2
	DefaultMemoryLimitMiB  = 512
	DefaultCPU             = 256
	DefaultContainerPort   = 80
)

var (
	appNamePattern       = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,26}[a-z0-9])?$`)
	containerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)
	imageTagPattern      = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	registryURIPattern   = regexp.MustCompile(`^(\d+)\.dkr\.ecr\.([a-z0-9-]+)\.amazonaws\.com(\.cn)?/([a-z0-9][a-z0-9._/-]*)$`)
)

// Inputs is the single source of every name shared between components.
type Inputs struct {
	AppName         string `json:"app_name" yaml:"app_name" mapstructure:"app_name"`
	NetworkID       string `json:"network_id" yaml:"network_id" mapstructure:"network_id"`
	RegistryURI     string `json:"registry_uri" yaml:"registry_uri" mapstructure:"registry_uri"`
	ContainerName   string `json:"container_name" yaml:"container_name" mapstructure:"container_name"`
	ImageTag        string `json:"image_tag" yaml:"image_tag" mapstructure:"image_tag"`
	InstanceType    string `json:"instance_type" yaml:"instance_type" mapstructure:"instance_type"`
	DesiredCapacity int    `json:"desired_capacity" yaml:"desired_capacity" mapstructure:"desired_capacity"`
	KeyName         string `json:"key_name" yaml:"key_name" mapstructure:"key_name"`
	MemoryLimitMiB  int64  `json:"memory_limit_mib" yaml:"memory_limit_mib" mapstructure:"memory_limit_mib"`
	CPU             int    `json:"cpu" yaml:"cpu" mapstructure:"cpu"`
	ContainerPort   int    `json:"container_port" yaml:"container_port" mapstructure:"container_port"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty" mapstructure:"region"`
	AccountID       string `json:"account_id,omitempty" yaml:"account_id,omitempty" mapstructure:"account_id"`
}

// DefaultInputs returns inputs with every optional field set. NetworkID and
// RegistryURI stay empty.
func DefaultInputs() Inputs {
	return Inputs{}.WithDefaults()
}

// WithDefaults fills empty fields. Region and AccountID are taken from the
// registry URI when it parses.
func (in Inputs) WithDefaults() Inputs {
	if in.AppName == "" {
		in.AppName = DefaultAppName
	}
	if in.ContainerName == "" {
		in.ContainerName = DefaultContainerName
	}
	if in.ImageTag == "" {
		in.ImageTag = DefaultImageTag
	}
	if in.InstanceType == "" {
		in.InstanceType = DefaultInstanceType
	}
	if in.DesiredCapacity == 0 {
		in.DesiredCapacity = DefaultDesiredCapacity
	}
	if in.KeyName == "" {
		in.KeyName = KeyPairName(in.AppName)
	}
	if in.MemoryLimitMiB == 0 {
		in.MemoryLimitMiB = DefaultMemoryLimitMiB
	}
	if in.CPU == 0 {
		in.CPU = DefaultCPU
	}
	if in.ContainerPort == 0 {
		in.ContainerPort = DefaultContainerPort
	}
	if parts, err := ParseRegistryURI(in.RegistryURI); err == nil {
		if in.Region == "" {
			in.Region = parts.Region
		}
		if in.AccountID == "" {
			in.AccountID = parts.AccountID
		}
	}
	return in
}

// Validate checks the inputs. It does not apply defaults.
func (in Inputs) Validate() error {
	if in.AppName == "" {
		return ErrAppNameRequired
	}
	if !appNamePattern.MatchString(in.AppName) {
		return ErrInvalidAppName
	}
	if strings.TrimSpace(in.NetworkID) == "" {
		return ErrNetworkIDRequired
	}
	if in.RegistryURI == "" {
		return ErrRegistryURIRequired
	}
	if _, err := ParseRegistryURI(in.RegistryURI); err != nil {
		return err
	}
	if in.ContainerName == "" {
		return ErrContainerNameRequired
	}
	if !containerNamePattern.MatchString(in.ContainerName) {
		return ErrInvalidContainerName
	}
	if err := ValidateImageTag(in.ImageTag); err != nil {
		return err
	}
	if in.DesiredCapacity < 1 {
		return ErrInvalidCapacity
	}
	if err := provider.ValidateInstanceType(in.InstanceType); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstanceType, err)
	}
	if in.ContainerPort < 1 || in.ContainerPort > 65535 {
		return ErrInvalidPort
	}
	if in.MemoryLimitMiB <= 0 || in.CPU <= 0 {
		return ErrInvalidResources
	}
	if err := provider.FitsShape(in.InstanceType, in.CPU, in.MemoryLimitMiB); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResources, err)
	}
	return nil
}

// ValidateImageTag checks tag against the registry tag grammar. A tag that
// fails it would yield an image URI the deploy action cannot pull.
func ValidateImageTag(tag string) error {
	if tag == "" {
		return ErrImageTagRequired
	}
	if !imageTagPattern.MatchString(tag) {
		return fmt.Errorf("%w: %q", ErrInvalidImageTag, tag)
	}
	return nil
}

// ImageURI is the fully qualified image the task runs and the build writes.
func (in Inputs) ImageURI() string {
	return manifest.ImageURI(in.RegistryURI, in.ImageTag)
}

// Manifest returns the single-entry imagedefinitions.json content for the
// topology.
func (in Inputs) Manifest() []manifest.ImageDefinition {
	return manifest.Single(in.ContainerName, in.RegistryURI, in.ImageTag)
}

// BuildConfig returns the configuration for the Build stage.
func (in Inputs) BuildConfig() buildspec.BuildConfig {
	return buildspec.BuildConfig{
		Region:    in.Region,
		AccountID: in.AccountID,
		Images:    in.Manifest(),
	}
}

// =============================================================================
// Registry URI
// =============================================================================

// RegistryParts is a parsed ECR repository URI.
type RegistryParts struct {
	Host       string
	AccountID  string
	Region     string
	Repository string
}

// ParseRegistryURI splits an ECR repository URI.
//
// Example:
//
//	ParseRegistryURI("123456789.dkr.ecr.ap-northeast-2.amazonaws.com/my-app")
//	// Host "123456789.dkr.ecr.ap-northeast-2.amazonaws.com", Region "ap-northeast-2", Repository "my-app"
func ParseRegistryURI(uri string) (RegistryParts, error) {
	if uri == "" {
		return RegistryParts{}, ErrRegistryURIRequired
	}
	m := registryURIPattern.FindStringSubmatch(uri)
	if m == nil {
		return RegistryParts{}, fmt.Errorf("%w: %s", ErrInvalidRegistryURI, uri)
	}
	host, _, _ := strings.Cut(uri, "/")
	return RegistryParts{
		Host:       host,
		AccountID:  m[1],
		Region:     m[2],
		Repository: strings.TrimSuffix(m[4], "/"),
	}, nil
}
