package aws

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/engine"
)

// Networks resolves existing VPCs. It never creates one.
type Networks struct {
	ec2    EC2API
	logger *slog.Logger
}

// NewNetworks creates a VPC directory.
func NewNetworks(client EC2API, logger *slog.Logger) *Networks {
	return &Networks{ec2: client, logger: logger.With("component", "networks")}
}

// LookupNetwork returns the VPC with id and its subnets, ordered by
// availability zone.
func (n *Networks) LookupNetwork(ctx context.Context, id string) (topology.NetworkHandle, error) {
	out, err := n.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id}})
	if err != nil {
		if hasCode(err, codeVpcNotFound) {
			return topology.NetworkHandle{}, fmt.Errorf("%w: vpc %s", engine.ErrResolutionNotFound, id)
		}
		return topology.NetworkHandle{}, fmt.Errorf("describe vpc %s: %w", id, err)
	}
	if len(out.Vpcs) == 0 {
		return topology.NetworkHandle{}, fmt.Errorf("%w: vpc %s", engine.ErrResolutionNotFound, id)
	}
	vpc := out.Vpcs[0]

	subnetOut, err := n.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{id}}},
	})
	if err != nil {
		return topology.NetworkHandle{}, fmt.Errorf("describe subnets of %s: %w", id, err)
	}
	subnets := subnetOut.Subnets
	slices.SortFunc(subnets, func(a, b ec2types.Subnet) int {
		return cmp.Or(
			cmp.Compare(aws.ToString(a.AvailabilityZone), aws.ToString(b.AvailabilityZone)),
			cmp.Compare(aws.ToString(a.SubnetId), aws.ToString(b.SubnetId)),
		)
	})
	ids := make([]string, 0, len(subnets))
	for _, s := range subnets {
		ids = append(ids, aws.ToString(s.SubnetId))
	}

	n.logger.Debug("network resolved", "vpc_id", id, "subnets", len(ids))
	return topology.NetworkHandle{
		ID:        aws.ToString(vpc.VpcId),
		CIDR:      aws.ToString(vpc.CidrBlock),
		SubnetIDs: ids,
	}, nil
}
