package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/shipline/internal/core/pipeline"
	"github.com/artpar/shipline/internal/core/topology"
)

// Synthesize validates inputs, resolves the network and then the registry,
// and defines the topology. When either lookup fails no definition is
// returned, so no pipeline stage exists for a missing network.
func Synthesize(ctx context.Context, networks NetworkDirectory, registry Registry, in topology.Inputs) (*topology.Definition, error) {
	in = in.WithDefaults()
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inputs: %w", err)
	}

	network, err := networks.LookupNetwork(ctx, in.NetworkID)
	if err != nil {
		return nil, resolutionError("network "+in.NetworkID, err)
	}

	repo, err := registry.Reference(ctx, in.RegistryURI)
	if err != nil {
		return nil, resolutionError("registry "+in.RegistryURI, err)
	}

	def, err := topology.Define(in, network, repo)
	if err != nil {
		return nil, fmt.Errorf("define topology: %w", err)
	}
	return def, nil
}

func resolutionError(what string, err error) error {
	if errors.Is(err, ErrResolutionNotFound) {
		return pipeline.NewStageError(pipeline.ErrorResolutionNotFound, "", fmt.Errorf("resolve %s: %w", what, err))
	}
	return fmt.Errorf("resolve %s: %w", what, err)
}

// ApplyResult reports what Apply reconciled.
type ApplyResult struct {
	Cluster ClusterRef `json:"cluster"`
	Hosts   []HostRef  `json:"hosts"`
	Service ServiceRef `json:"service"`
}

// Apply reconciles cluster, capacity and service in dependency order.
func Apply(ctx context.Context, compute Compute, def *topology.Definition, logger *slog.Logger) (*ApplyResult, error) {
	if err := topology.Validate(def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	logger = logger.With("component", "apply", "app", def.Inputs.AppName)

	logger.Info("ensuring cluster", "cluster", def.Cluster.Name)
	cluster, err := compute.EnsureCluster(ctx, def)
	if err != nil {
		return nil, pipeline.NewStageError(pipeline.ErrorCapacityProvisionFailure, "", fmt.Errorf("ensure cluster: %w", err))
	}

	logger.Info("ensuring capacity",
		"group", def.Cluster.Capacity.Name,
		"instance_type", def.Cluster.Capacity.InstanceType,
		"desired", def.Cluster.Capacity.DesiredCount,
	)
	hosts, err := compute.EnsureCapacity(ctx, def)
	if err != nil {
		return nil, pipeline.NewStageError(pipeline.ErrorCapacityProvisionFailure, "", fmt.Errorf("ensure capacity: %w", err))
	}
	if len(hosts) != def.Cluster.Capacity.DesiredCount {
		return nil, pipeline.NewStageError(pipeline.ErrorCapacityProvisionFailure, "",
			fmt.Errorf("capacity has %d hosts, want %d", len(hosts), def.Cluster.Capacity.DesiredCount))
	}

	logger.Info("ensuring service", "service", def.Service.Name, "load_balancer", def.Service.LoadBalancer.Name)
	service, err := compute.EnsureService(ctx, def)
	if err != nil {
		return nil, pipeline.NewStageError(pipeline.ErrorDeployFailure, "", fmt.Errorf("ensure service: %w", err))
	}

	logger.Info("topology applied", "hosts", len(hosts), "endpoint", service.Endpoint)
	return &ApplyResult{Cluster: cluster, Hosts: hosts, Service: service}, nil
}
