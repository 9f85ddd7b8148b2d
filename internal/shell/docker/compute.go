package docker

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/engine"
)

// DefaultStopTimeout is how long a replica gets to exit during a rollout.
const DefaultStopTimeout = 10 * time.Second

// =============================================================================
// Replicas
// =============================================================================

// replica is one container of a service. It round-trips through container
// labels so a deploy can recreate it without the original definition.
type replica struct {
	Cluster       string
	Service       string
	TaskFamily    string
	Container     string
	Network       string
	Index         int
	ContainerPort int
	HostPort      int
	MemoryMiB     int64
	CPU           int
}

func (r replica) name() string {
	return fmt.Sprintf("%s-%d", r.Service, r.Index)
}

func (r replica) labels() map[string]string {
	return map[string]string{
		LabelManaged:       "true",
		LabelCluster:       r.Cluster,
		LabelService:       r.Service,
		LabelTaskFamily:    r.TaskFamily,
		LabelContainer:     r.Container,
		LabelReplica:       strconv.Itoa(r.Index),
		LabelNetwork:       r.Network,
		LabelContainerPort: strconv.Itoa(r.ContainerPort),
		LabelHostPort:      strconv.Itoa(r.HostPort),
		LabelMemoryMiB:     strconv.FormatInt(r.MemoryMiB, 10),
		LabelCPU:           strconv.Itoa(r.CPU),
	}
}

// spec builds the container for image. Only replicas with a host port
// publish one.
func (r replica) spec(image string) ContainerSpec {
	spec := ContainerSpec{
		Name:           r.name(),
		Image:          image,
		Labels:         r.labels(),
		Networks:       []string{r.Network},
		NetworkAliases: map[string][]string{r.Network: {r.Service}},
		RestartPolicy:  RestartPolicy{Name: "unless-stopped"},
		Resources: ResourceLimits{
			CPULimit:    float64(r.CPU) / 1024,
			MemoryLimit: r.MemoryMiB << 20,
		},
	}
	if r.HostPort > 0 {
		spec.Ports = []PortBinding{{ContainerPort: r.ContainerPort, HostPort: r.HostPort, Protocol: "tcp"}}
	}
	return spec
}

// replicaFor derives the index-th replica of the service in def. The first
// replica takes the load balancer's listener port on the host.
func replicaFor(def *topology.Definition, index int) replica {
	ct := def.Task.Container
	r := replica{
		Cluster:       def.Cluster.Name,
		Service:       def.Service.Name,
		TaskFamily:    def.Task.Family,
		Container:     ct.Name,
		Network:       def.Network.ID,
		Index:         index,
		ContainerPort: def.Service.LoadBalancer.ContainerPort,
		MemoryMiB:     ct.MemoryLimitMiB,
		CPU:           ct.CPU,
	}
	if index == 1 {
		r.HostPort = def.Service.LoadBalancer.ListenerPort
	}
	return r
}

func replicaFromLabels(labels map[string]string) (replica, error) {
	r := replica{
		Cluster:    labels[LabelCluster],
		Service:    labels[LabelService],
		TaskFamily: labels[LabelTaskFamily],
		Container:  labels[LabelContainer],
		Network:    labels[LabelNetwork],
	}
	var errs []error
	atoi := func(key string) int {
		v, err := strconv.Atoi(labels[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}
	r.Index = atoi(LabelReplica)
	r.ContainerPort = atoi(LabelContainerPort)
	r.HostPort = atoi(LabelHostPort)
	r.MemoryMiB = int64(atoi(LabelMemoryMiB))
	r.CPU = atoi(LabelCPU)
	if r.Service == "" || r.Container == "" || r.Network == "" {
		errs = append(errs, errors.New("missing service, container or network"))
	}
	if len(errs) > 0 {
		return replica{}, fmt.Errorf("%w: %w", ErrInvalidReplica, errors.Join(errs...))
	}
	return r, nil
}

// =============================================================================
// Compute
// =============================================================================

// Compute runs the service as labelled containers on one daemon. The daemon
// stands in for every capacity host.
type Compute struct {
	docker      Client
	stopTimeout time.Duration
	logger      *slog.Logger
}

// NewCompute creates the compute side of the local engine.
func NewCompute(docker Client, stopTimeout time.Duration, logger *slog.Logger) *Compute {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Compute{docker: docker, stopTimeout: stopTimeout, logger: logger.With("component", "compute")}
}

// EnsureCluster checks that the daemon is reachable.
func (c *Compute) EnsureCluster(ctx context.Context, def *topology.Definition) (engine.ClusterRef, error) {
	if err := c.docker.Ping(ctx); err != nil {
		return engine.ClusterRef{}, err
	}
	return engine.ClusterRef{Name: def.Cluster.Name}, nil
}

// EnsureCapacity reports one host per declared host, all backed by the
// local daemon.
func (c *Compute) EnsureCapacity(ctx context.Context, def *topology.Definition) ([]engine.HostRef, error) {
	declared := def.Cluster.Capacity.Hosts()
	hosts := make([]engine.HostRef, 0, len(declared))
	for _, h := range declared {
		hosts = append(hosts, engine.HostRef{
			ID:    fmt.Sprintf("local-%d", h.Index),
			Name:  h.Name,
			State: string(ContainerStatusRunning),
		})
	}
	return hosts, nil
}

// EnsureService brings the service to DesiredCount replicas of the task
// image. Replicas already on the image are kept, others are replaced and
// replicas beyond the count are removed.
func (c *Compute) EnsureService(ctx context.Context, def *topology.Definition) (engine.ServiceRef, error) {
	image := def.Task.Container.Image.String()
	if err := c.ensureImage(ctx, image); err != nil {
		return engine.ServiceRef{}, err
	}

	existing, err := c.listReplicas(ctx, def.Service.Cluster, def.Service.Name)
	if err != nil {
		return engine.ServiceRef{}, err
	}
	byIndex := make(map[string]ContainerInfo, len(existing))
	for _, info := range existing {
		byIndex[info.Labels[LabelReplica]] = info
	}

	for i := 1; i <= def.Service.DesiredCount; i++ {
		r := replicaFor(def, i)
		key := strconv.Itoa(i)
		if info, ok := byIndex[key]; ok {
			delete(byIndex, key)
			if info.Image == image {
				if err := c.start(ctx, info.ID); err != nil {
					return engine.ServiceRef{}, err
				}
				continue
			}
			if err := c.remove(ctx, info.ID); err != nil {
				return engine.ServiceRef{}, err
			}
		}
		if err := c.run(ctx, r, image); err != nil {
			return engine.ServiceRef{}, err
		}
	}

	for _, info := range byIndex {
		if err := c.remove(ctx, info.ID); err != nil {
			return engine.ServiceRef{}, err
		}
		c.logger.Info("surplus replica removed", "service", def.Service.Name, "container", info.Name)
	}

	ref := engine.ServiceRefFor(def)
	ref.Endpoint = fmt.Sprintf("http://localhost:%d", def.Service.LoadBalancer.ListenerPort)
	return ref, nil
}

// Deploy replaces every replica with one running imageURI, one at a time.
func (c *Compute) Deploy(ctx context.Context, ref engine.ServiceRef, imageURI string) (string, error) {
	existing, err := c.listReplicas(ctx, ref.Cluster, ref.Service)
	if err != nil {
		return "", err
	}
	if len(existing) == 0 {
		return "", NewDockerError("Deploy", "service", ref.Service, ErrServiceNotFound)
	}

	replicas := make([]replica, 0, len(existing))
	for _, info := range existing {
		r, err := replicaFromLabels(info.Labels)
		if err != nil {
			return "", NewDockerError("Deploy", "container", info.Name, err)
		}
		if r.Container != ref.ContainerName {
			return "", NewDockerError("Deploy", "container", ref.ContainerName, fmt.Errorf("%w in service %s", ErrContainerNotFound, ref.Service))
		}
		replicas = append(replicas, r)
	}

	if err := c.ensureImage(ctx, imageURI); err != nil {
		return "", err
	}

	for i, info := range existing {
		if err := c.remove(ctx, info.ID); err != nil {
			return "", err
		}
		if err := c.run(ctx, replicas[i], imageURI); err != nil {
			return "", err
		}
	}

	c.logger.Info("service deployed", "service", ref.Service, "image", imageURI, "replicas", len(replicas))
	return ref.TaskFamily + "@" + imageURI, nil
}

// listReplicas returns the service's containers ordered by replica index.
func (c *Compute) listReplicas(ctx context.Context, cluster, service string) ([]ContainerInfo, error) {
	containers, err := c.docker.ListContainers(ctx, ListOptions{
		All: true,
		Labels: []string{
			LabelCluster + "=" + cluster,
			LabelService + "=" + service,
		},
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(containers, func(a, b ContainerInfo) int {
		ai, _ := strconv.Atoi(a.Labels[LabelReplica])
		bi, _ := strconv.Atoi(b.Labels[LabelReplica])
		return cmp.Compare(ai, bi)
	})
	return containers, nil
}

func (c *Compute) ensureImage(ctx context.Context, image string) error {
	exists, err := c.docker.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	c.logger.Info("pulling image", "image", image)
	return c.docker.PullImage(ctx, image, PullOptions{})
}

func (c *Compute) run(ctx context.Context, r replica, image string) error {
	id, err := c.docker.CreateContainer(ctx, r.spec(image))
	if err != nil {
		return err
	}
	if err := c.start(ctx, id); err != nil {
		return err
	}
	c.logger.Info("replica started", "service", r.Service, "container", r.name(), "image", image)
	return nil
}

func (c *Compute) start(ctx context.Context, id string) error {
	err := c.docker.StartContainer(ctx, id)
	if err != nil && !errors.Is(err, ErrContainerAlreadyRunning) {
		return err
	}
	return nil
}

func (c *Compute) remove(ctx context.Context, id string) error {
	timeout := c.stopTimeout
	err := c.docker.StopContainer(ctx, id, &timeout)
	if err != nil && !errors.Is(err, ErrContainerNotRunning) && !errors.Is(err, ErrContainerNotFound) {
		return err
	}
	err = c.docker.RemoveContainer(ctx, id, RemoveOptions{Force: true})
	if err != nil && !errors.Is(err, ErrContainerNotFound) {
		return err
	}
	return nil
}
