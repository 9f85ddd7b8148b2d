package topology

import (
	"errors"
	"fmt"
	"maps"

	"github.com/artpar/shipline/internal/core/buildspec"
	"github.com/artpar/shipline/internal/core/manifest"
)

var (
	ErrNetworkMismatch  = errors.New("resolved network does not match inputs")
	ErrRegistryMismatch = errors.New("resolved registry does not match inputs")
)

// Define builds the full definition from inputs and resolved handles. Inputs
// receive defaults first; the result is validated before it is returned, so
// callers never see a partial definition.
func Define(in Inputs, network NetworkHandle, registry RegistryHandle) (*Definition, error) {
	in = in.WithDefaults()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if network.ID != in.NetworkID {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrNetworkMismatch, network.ID, in.NetworkID)
	}
	if registry.URI != in.RegistryURI {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrRegistryMismatch, registry.URI, in.RegistryURI)
	}

	cluster := defineCluster(in, network)
	task := defineTask(in)
	service := defineService(in, task)
	cluster.Security.Ingress = append(cluster.Security.Ingress, IngressRule{
		Port:     in.ContainerPort,
		Protocol: "tcp",
		OpenedBy: service.LoadBalancer.SecurityGroup,
	})

	pipeline, err := definePipeline(in, registry, service)
	if err != nil {
		return nil, err
	}

	def := &Definition{
		Inputs:   in,
		Network:  network,
		Registry: registry,
		Cluster:  cluster,
		Task:     task,
		Service:  service,
		Pipeline: pipeline,
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

func defineCluster(in Inputs, network NetworkHandle) ClusterSpec {
	return ClusterSpec{
		Name:    ClusterName(in.AppName),
		Network: network.ID,
		Capacity: CapacityGroup{
			Name:         CapacityGroupName(in.AppName),
			InstanceType: in.InstanceType,
			DesiredCount: in.DesiredCapacity,
			KeyName:      in.KeyName,
			SubnetIDs:    append([]string(nil), network.SubnetIDs...),
		},
		Security: SecurityBoundary{
			Name:      SecurityGroupName(in.AppName),
			EgressAll: true,
			Ingress:   []IngressRule{},
		},
	}
}

func defineTask(in Inputs) TaskSpec {
	return TaskSpec{
		Family:      TaskFamily(in.AppName),
		NetworkMode: NetworkModeBridge,
		Container: ContainerSpec{
			Name:           in.ContainerName,
			Image:          ImageRef{Repository: in.RegistryURI, Tag: in.ImageTag},
			MemoryLimitMiB: in.MemoryLimitMiB,
			CPU:            in.CPU,
			Essential:      true,
			PortMappings: []PortMapping{{
				ContainerPort: in.ContainerPort,
				HostPort:      in.ContainerPort,
				Protocol:      "tcp",
			}},
			Logging: LogSink{
				Driver:       LogDriverAWSLogs,
				Group:        LogGroupName(in.AppName),
				Region:       in.Region,
				StreamPrefix: in.AppName,
			},
		},
	}
}

func defineService(in Inputs, task TaskSpec) ServiceSpec {
	return ServiceSpec{
		Name:         ServiceName(in.AppName),
		Cluster:      ClusterName(in.AppName),
		TaskFamily:   task.Family,
		DesiredCount: in.DesiredCapacity,
		LoadBalancer: LoadBalancerSpec{
			Name:            LoadBalancerName(in.AppName),
			TargetGroup:     TargetGroupName(in.AppName),
			SecurityGroup:   LoadBalancerSecurityGroupName(in.AppName),
			Public:          true,
			ListenerPort:    80,
			ContainerName:   task.Container.Name,
			ContainerPort:   in.ContainerPort,
			HealthCheckPath: "/",
		},
	}
}

func definePipeline(in Inputs, registry RegistryHandle, service ServiceSpec) (PipelineSpec, error) {
	cfg := in.BuildConfig()
	commands, err := buildspec.Commands(cfg)
	if err != nil {
		return PipelineSpec{}, fmt.Errorf("build commands: %w", err)
	}

	return PipelineSpec{
		Name:          PipelineName(in.AppName),
		ArtifactStore: ArtifactStoreName(in.AppName),
		Stages: [3]StageSpec{
			{
				Name: StageSource,
				Actions: []ActionSpec{{
					Name:            "ImageSource",
					Provider:        ProviderECR,
					OutputArtifacts: []string{ArtifactSource},
					Source: &SourceAction{
						RepositoryName: registry.RepositoryName,
						ImageTag:       in.ImageTag,
						OutputFile:     ImageDetailFile,
					},
				}},
			},
			{
				Name: StageBuild,
				Actions: []ActionSpec{{
					Name:            "WriteImageDefinitions",
					Provider:        ProviderCodeBuild,
					InputArtifacts:  []string{ArtifactSource},
					OutputArtifacts: []string{ArtifactBuild},
					Build: &BuildAction{
						Project:     BuildProjectName(in.AppName),
						Commands:    commands,
						Env:         maps.Clone(cfg.Env()),
						OutputFiles: []string{manifest.FileName},
						Config:      cfg,
					},
				}},
			},
			{
				Name: StageDeploy,
				Actions: []ActionSpec{{
					Name:           "ServiceDeploy",
					Provider:       ProviderECS,
					InputArtifacts: []string{ArtifactBuild},
					Deploy: &DeployAction{
						Cluster:  service.Cluster,
						Service:  service.Name,
						FileName: manifest.FileName,
					},
				}},
			},
		},
	}, nil
}
