package docker

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerClient implements Client with the Docker SDK.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient connects to host, or to the daemon named by the
// environment when host is empty. Without an explicit host it falls back to
// the Docker Desktop socket when the default one does not answer.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "daemon", host, fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	if host != "" {
		return &DockerClient{cli: cli}, nil
	}

	ctx := context.Background()
	if _, err := cli.Ping(ctx); err == nil {
		return &DockerClient{cli: cli}, nil
	}
	home, _ := os.UserHomeDir()
	desktop, err := client.NewClientWithOpts(
		client.WithHost("unix://"+home+"/.docker/run/docker.sock"),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return &DockerClient{cli: cli}, nil
	}
	if _, err := desktop.Ping(ctx); err != nil {
		desktop.Close()
		return &DockerClient{cli: cli}, nil
	}
	cli.Close()
	return &DockerClient{cli: desktop}, nil
}

// Ping checks that the daemon answers.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return NewDockerError("Ping", "", "", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	return nil
}

// Close releases the connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// classify maps daemon errors onto the package sentinels. notFound is the
// sentinel for the object kind the call addressed.
func classify(op, kind, name string, err error, notFound error) error {
	msg := err.Error()
	switch {
	case cerrdefs.IsNotFound(err):
		err = notFound
	case cerrdefs.IsConflict(err), strings.Contains(msg, "Conflict"):
		err = fmt.Errorf("%w: %v", ErrContainerAlreadyExists, err)
	case strings.Contains(msg, "port is already allocated"):
		err = fmt.Errorf("%w: %v", ErrPortAlreadyAllocated, err)
	case strings.Contains(msg, "is already running"):
		err = ErrContainerAlreadyRunning
	case strings.Contains(msg, "is not running"):
		err = ErrContainerNotRunning
	}
	return NewDockerError(op, kind, name, err)
}

// =============================================================================
// Containers
// =============================================================================

// CreateContainer creates, but does not start, a container.
func (d *DockerClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hostCfg := containerConfig(spec)
	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, networkingConfig(spec), nil, spec.Name)
	if err != nil {
		return "", classify("CreateContainer", "container", spec.Name, err, ErrImageNotFound)
	}
	return resp.ID, nil
}

func containerConfig(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{Image: spec.Image, Labels: spec.Labels}
	for k, v := range spec.Env {
		cfg.Env = append(cfg.Env, k+"="+v)
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPULimit * 1e9),
			Memory:   spec.Resources.MemoryLimit,
		},
	}
	if spec.RestartPolicy.Name != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyMode(spec.RestartPolicy.Name),
			MaximumRetryCount: spec.RestartPolicy.MaximumRetryCount,
		}
	}

	if len(spec.Ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
	}
	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
		cfg.ExposedPorts[port] = struct{}{}
		if p.HostPort > 0 {
			hostCfg.PortBindings[port] = []nat.PortBinding{{HostIP: p.HostIP, HostPort: strconv.Itoa(p.HostPort)}}
		}
	}
	return cfg, hostCfg
}

func networkingConfig(spec ContainerSpec) *network.NetworkingConfig {
	if len(spec.Networks) == 0 {
		return nil
	}
	endpoints := make(map[string]*network.EndpointSettings, len(spec.Networks))
	for _, n := range spec.Networks {
		endpoints[n] = &network.EndpointSettings{Aliases: spec.NetworkAliases[n]}
	}
	return &network.NetworkingConfig{EndpointsConfig: endpoints}
}

// StartContainer starts a created or stopped container.
func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return classify("StartContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// StopContainer stops a container, killing it once timeout elapses.
func (d *DockerClient) StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error {
	var opts container.StopOptions
	if timeout != nil {
		seconds := int(timeout.Seconds())
		opts.Timeout = &seconds
	}
	if err := d.cli.ContainerStop(ctx, containerID, opts); err != nil {
		return classify("StopContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// RemoveContainer deletes a container.
func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         opts.Force,
		RemoveVolumes: opts.RemoveVolumes,
	})
	if err != nil {
		return classify("RemoveContainer", "container", containerID, err, ErrContainerNotFound)
	}
	return nil
}

// ListContainers returns containers carrying every label in opts.Labels.
func (d *DockerClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for _, l := range opts.Labels {
		args.Add("label", l)
	}
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: opts.All, Filters: args})
	if err != nil {
		return nil, NewDockerError("ListContainers", "container", "", err)
	}

	result := make([]ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		info := ContainerInfo{
			ID:        s.ID,
			Image:     s.Image,
			Status:    ContainerStatus(s.State),
			CreatedAt: time.Unix(s.Created, 0),
			Labels:    s.Labels,
		}
		if len(s.Names) > 0 {
			info.Name = strings.TrimPrefix(s.Names[0], "/")
		}
		for _, p := range s.Ports {
			info.Ports = append(info.Ports, PortBinding{
				ContainerPort: int(p.PrivatePort),
				HostPort:      int(p.PublicPort),
				Protocol:      p.Type,
				HostIP:        p.IP,
			})
		}
		result = append(result, info)
	}
	return result, nil
}

// =============================================================================
// Networks
// =============================================================================

// InspectNetwork looks up a network by id or name.
func (d *DockerClient) InspectNetwork(ctx context.Context, networkID string) (*NetworkInfo, error) {
	resp, err := d.cli.NetworkInspect(ctx, networkID, network.InspectOptions{})
	if err != nil {
		return nil, classify("InspectNetwork", "network", networkID, err, ErrNetworkNotFound)
	}
	info := &NetworkInfo{ID: resp.ID, Name: resp.Name, Driver: resp.Driver}
	if len(resp.IPAM.Config) > 0 {
		info.Subnet = resp.IPAM.Config[0].Subnet
	}
	return info, nil
}

// =============================================================================
// Images
// =============================================================================

// ListImages returns local images matching a reference pattern such as
// "repo", "repo:tag" or "*/repo:tag". An empty pattern lists every image.
func (d *DockerClient) ListImages(ctx context.Context, reference string) ([]ImageInfo, error) {
	var opts image.ListOptions
	if reference != "" {
		opts.Filters = filters.NewArgs(filters.Arg("reference", reference))
	}
	summaries, err := d.cli.ImageList(ctx, opts)
	if err != nil {
		return nil, NewDockerError("ListImages", "image", reference, err)
	}

	result := make([]ImageInfo, 0, len(summaries))
	for _, s := range summaries {
		result = append(result, ImageInfo{
			ID:          s.ID,
			RepoTags:    s.RepoTags,
			RepoDigests: s.RepoDigests,
			CreatedAt:   time.Unix(s.Created, 0).UTC(),
			Size:        s.Size,
		})
	}
	return result, nil
}

// PullImage pulls ref and waits for the pull to finish.
func (d *DockerClient) PullImage(ctx context.Context, ref string, opts PullOptions) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{Platform: opts.Platform})
	if err != nil {
		if cerrdefs.IsNotFound(err) || isMissingImage(err.Error()) {
			return NewDockerError("PullImage", "image", ref, ErrImageNotFound)
		}
		return NewDockerError("PullImage", "image", ref, fmt.Errorf("%w: %v", ErrImagePullFailed, err))
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return NewDockerError("PullImage", "image", ref, fmt.Errorf("%w: %v", ErrImagePullFailed, err))
	}
	return nil
}

func isMissingImage(msg string) bool {
	for _, s := range []string{"not found", "manifest unknown", "repository does not exist", "pull access denied"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// ImageExists reports whether ref is present locally.
func (d *DockerClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := d.cli.ImageInspect(ctx, ref); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, NewDockerError("ImageExists", "image", ref, err)
	}
	return true, nil
}
