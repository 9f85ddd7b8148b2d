package topology

import (
	"errors"
	"fmt"

	"github.com/artpar/shipline/internal/core/manifest"
)

// =============================================================================
// Definition Errors
// =============================================================================

var (
	ErrNilDefinition          = errors.New("definition is nil")
	ErrStageOrder             = errors.New("pipeline stages must be Source, Build, Deploy in that order")
	ErrEmptyStage             = errors.New("pipeline stage has no actions")
	ErrActionConfig           = errors.New("action configuration does not match its stage")
	ErrArtifactNotProduced    = errors.New("input artifact is not produced by an earlier stage")
	ErrArtifactProducedTwice  = errors.New("artifact is produced by more than one stage")
	ErrArtifactNotConsumed    = errors.New("artifact is not consumed by any downstream stage")
	ErrArtifactConsumedTwice  = errors.New("artifact is consumed by more than one stage")
	ErrContainerNameMismatch  = errors.New("task container name does not match the build manifest")
	ErrImageMismatch          = errors.New("task image does not match the build manifest")
	ErrPortMappings           = errors.New("container must declare exactly one port mapping")
	ErrLoadBalancerTarget     = errors.New("load balancer must target the task container port")
	ErrServiceExceedsCapacity = errors.New("service desired count exceeds capacity hosts")
	ErrDeployTarget           = errors.New("deploy action must target the defined cluster and service")
)

// Validate checks the cross-component invariants of a definition.
func Validate(def *Definition) error {
	if def == nil {
		return ErrNilDefinition
	}
	if err := validatePipeline(def.Pipeline); err != nil {
		return err
	}
	if err := validateTask(def.Task); err != nil {
		return err
	}
	if err := validateNaming(def); err != nil {
		return err
	}
	return validateService(def)
}

func validatePipeline(p PipelineSpec) error {
	for i, stage := range p.Stages {
		if stage.Name != StageOrder[i] {
			return fmt.Errorf("%w: position %d is %q", ErrStageOrder, i+1, stage.Name)
		}
		if len(stage.Actions) == 0 {
			return fmt.Errorf("%w: %s", ErrEmptyStage, stage.Name)
		}
		for _, a := range stage.Actions {
			if !actionMatchesStage(stage.Name, a) {
				return fmt.Errorf("%w: %s/%s", ErrActionConfig, stage.Name, a.Name)
			}
		}
	}
	return validateArtifacts(p)
}

func actionMatchesStage(stage string, a ActionSpec) bool {
	switch stage {
	case StageSource:
		return a.Source != nil && a.Build == nil && a.Deploy == nil
	case StageBuild:
		return a.Build != nil && a.Source == nil && a.Deploy == nil
	case StageDeploy:
		return a.Deploy != nil && a.Source == nil && a.Build == nil
	default:
		return false
	}
}

// validateArtifacts checks that artifacts flow strictly forward: every input
// was produced earlier, every output has one producer and one consumer.
func validateArtifacts(p PipelineSpec) error {
	producer := make(map[string]int)
	consumer := make(map[string]int)

	for i, stage := range p.Stages {
		for _, a := range stage.Actions {
			for _, in := range a.InputArtifacts {
				at, ok := producer[in]
				if !ok || at >= i {
					return fmt.Errorf("%w: %s in %s", ErrArtifactNotProduced, in, stage.Name)
				}
				if _, dup := consumer[in]; dup {
					return fmt.Errorf("%w: %s", ErrArtifactConsumedTwice, in)
				}
				consumer[in] = i
			}
		}
		for _, a := range stage.Actions {
			for _, out := range a.OutputArtifacts {
				if _, dup := producer[out]; dup {
					return fmt.Errorf("%w: %s", ErrArtifactProducedTwice, out)
				}
				producer[out] = i
			}
		}
	}

	for name := range producer {
		if _, ok := consumer[name]; !ok {
			return fmt.Errorf("%w: %s", ErrArtifactNotConsumed, name)
		}
	}
	return nil
}

func validateTask(t TaskSpec) error {
	if len(t.Container.PortMappings) != 1 {
		return fmt.Errorf("%w: got %d", ErrPortMappings, len(t.Container.PortMappings))
	}
	return nil
}

// validateNaming checks that the build manifest names the task container
// and its image.
func validateNaming(def *Definition) error {
	build, _ := def.Pipeline.Stage(StageBuild)
	for _, a := range build.Actions {
		if a.Build == nil {
			continue
		}
		uri, err := manifest.Find(a.Build.Config.Images, def.Task.Container.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrContainerNameMismatch, err)
		}
		if uri != def.Task.Container.Image.String() {
			return fmt.Errorf("%w: manifest %q, task %q", ErrImageMismatch, uri, def.Task.Container.Image.String())
		}
	}
	return nil
}

func validateService(def *Definition) error {
	lb := def.Service.LoadBalancer
	c := def.Task.Container
	if lb.ContainerName != c.Name || lb.ContainerPort != c.PortMappings[0].ContainerPort {
		return fmt.Errorf("%w: %s:%d", ErrLoadBalancerTarget, lb.ContainerName, lb.ContainerPort)
	}
	// Bridge mode with a fixed host port fits one task per host.
	if def.Service.DesiredCount > def.Cluster.Capacity.DesiredCount {
		return fmt.Errorf("%w: %d > %d", ErrServiceExceedsCapacity, def.Service.DesiredCount, def.Cluster.Capacity.DesiredCount)
	}

	deploy, _ := def.Pipeline.Stage(StageDeploy)
	for _, a := range deploy.Actions {
		if a.Deploy.Cluster != def.Cluster.Name || a.Deploy.Service != def.Service.Name {
			return fmt.Errorf("%w: %s/%s", ErrDeployTarget, a.Deploy.Cluster, a.Deploy.Service)
		}
	}
	return nil
}
