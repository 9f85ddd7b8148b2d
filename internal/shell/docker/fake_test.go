package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/artpar/shipline/internal/core/topology"
)

// =============================================================================
// Test Helpers
// =============================================================================

const (
	testNetwork  = "shipline-net"
	testRegistry = "123456789.dkr.ecr.ap-northeast-2.amazonaws.com/my-app"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDefinition(t *testing.T, count int) *topology.Definition {
	t.Helper()
	in := topology.DefaultInputs()
	in.NetworkID = testNetwork
	in.RegistryURI = testRegistry
	in.DesiredCapacity = count
	def, err := topology.Define(in,
		topology.NetworkHandle{ID: testNetwork, CIDR: "172.20.0.0/16", SubnetIDs: []string{"net-1"}},
		topology.RegistryHandle{URI: testRegistry, RepositoryName: "my-app", Host: "123456789.dkr.ecr.ap-northeast-2.amazonaws.com"},
	)
	require.NoError(t, err)
	return def
}

// =============================================================================
// Fake Client
// =============================================================================

type fakeContainer struct {
	info    ContainerInfo
	spec    ContainerSpec
	running bool
}

// fakeClient is an in-memory daemon.
type fakeClient struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	networks   map[string]NetworkInfo
	images     []ImageInfo
	pulled     []string
	removed    []string
	pingErr    error
	createErr  error
	nextID     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]NetworkInfo),
	}
}

func (f *fakeClient) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	for _, c := range f.containers {
		if c.info.Name == spec.Name {
			return "", NewDockerError("CreateContainer", "container", spec.Name, ErrContainerAlreadyExists)
		}
	}
	f.nextID++
	id := fmt.Sprintf("c%03d", f.nextID)
	f.containers[id] = &fakeContainer{
		info: ContainerInfo{
			ID:        id,
			Name:      spec.Name,
			Image:     spec.Image,
			Status:    ContainerStatusCreated,
			CreatedAt: time.Now(),
			Ports:     spec.Ports,
			Labels:    spec.Labels,
		},
		spec: spec,
	}
	return id, nil
}

func (f *fakeClient) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ErrContainerNotFound
	}
	if c.running {
		return ErrContainerAlreadyRunning
	}
	c.running = true
	c.info.Status = ContainerStatusRunning
	return nil
}

func (f *fakeClient) StopContainer(_ context.Context, id string, _ *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return ErrContainerNotFound
	}
	if !c.running {
		return ErrContainerNotRunning
	}
	c.running = false
	c.info.Status = ContainerStatusExited
	return nil
}

func (f *fakeClient) RemoveContainer(_ context.Context, id string, _ RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return ErrContainerNotFound
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeClient) ListContainers(_ context.Context, opts ListOptions) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ContainerInfo
	for _, c := range f.containers {
		if !opts.All && !c.running {
			continue
		}
		if matchesLabels(c.info.Labels, opts.Labels) {
			out = append(out, c.info)
		}
	}
	return out, nil
}

func matchesLabels(labels map[string]string, filters []string) bool {
	for _, filter := range filters {
		k, v, _ := strings.Cut(filter, "=")
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (f *fakeClient) InspectNetwork(_ context.Context, id string) (*NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.networks[id]
	if !ok {
		return nil, NewDockerError("InspectNetwork", "network", id, ErrNetworkNotFound)
	}
	return &n, nil
}

// ListImages matches reference the way the daemon's reference filter does
// for the patterns used here: exact or a leading "*" wildcard.
func (f *fakeClient) ListImages(_ context.Context, reference string) ([]ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ImageInfo
	for _, img := range f.images {
		for _, tag := range img.RepoTags {
			if matchesReference(tag, reference) {
				out = append(out, img)
				break
			}
		}
	}
	return out, nil
}

func matchesReference(tag, reference string) bool {
	if suffix, ok := strings.CutPrefix(reference, "*"); ok {
		return strings.HasSuffix(tag, suffix)
	}
	if strings.Contains(reference, ":") {
		return tag == reference
	}
	name, _, _ := strings.Cut(tag, ":")
	return name == reference
}

func (f *fakeClient) PullImage(_ context.Context, image string, _ PullOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	f.images = append(f.images, ImageInfo{ID: "sha256:pulled", RepoTags: []string{image}, CreatedAt: time.Now()})
	return nil
}

func (f *fakeClient) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images {
		for _, tag := range img.RepoTags {
			if tag == image {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeClient) Ping(context.Context) error { return f.pingErr }

func (f *fakeClient) Close() error { return nil }

// byName returns the container named name, or nil.
func (f *fakeClient) byName(name string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.info.Name == name {
			return c
		}
	}
	return nil
}

func (f *fakeClient) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}
