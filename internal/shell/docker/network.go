package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/engine"
)

// Networks resolves existing Docker networks. It never creates one.
type Networks struct {
	docker Client
	logger *slog.Logger
}

// NewNetworks creates a network directory backed by the daemon.
func NewNetworks(docker Client, logger *slog.Logger) *Networks {
	return &Networks{docker: docker, logger: logger.With("component", "networks")}
}

// LookupNetwork returns the network with the given id or name. The Docker
// network id doubles as the only subnet id.
func (n *Networks) LookupNetwork(ctx context.Context, id string) (topology.NetworkHandle, error) {
	info, err := n.docker.InspectNetwork(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNetworkNotFound) {
			return topology.NetworkHandle{}, fmt.Errorf("%w: network %s", engine.ErrResolutionNotFound, id)
		}
		return topology.NetworkHandle{}, err
	}
	n.logger.Debug("network resolved", "network", id, "driver", info.Driver)
	return topology.NetworkHandle{
		ID:        id,
		CIDR:      info.Subnet,
		SubnetIDs: []string{info.ID},
	}, nil
}
