package aws

import (
	"cmp"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/artpar/shipline/internal/core/crypto"
	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/engine"
	"github.com/artpar/shipline/internal/shell/store"
)

// Tags written on every host the engine launches.
const (
	tagName     = "Name"
	tagManaged  = "ManagedBy"
	tagCapacity = "shipline:capacity"
	managedBy   = "shipline"
)

// KeyStore keeps the sealed private halves of imported key pairs.
type KeyStore interface {
	SaveAccessKey(ctx context.Context, key *store.AccessKey) error
}

// Compute reconciles an ECS cluster, its EC2 capacity and the service.
type Compute struct {
	ec2             EC2API
	ecs             ECSAPI
	elb             ELBAPI
	keys            KeyStore
	sealKey         []byte
	instanceProfile string
	deployTimeout   time.Duration
	logger          *slog.Logger
}

// NewCompute creates the compute side of the AWS engine.
func NewCompute(ec2Client EC2API, ecsClient ECSAPI, elbClient ELBAPI, opts Options, logger *slog.Logger) *Compute {
	profile := opts.InstanceProfile
	if profile == "" {
		profile = DefaultInstanceProfile
	}
	return &Compute{
		ec2:             ec2Client,
		ecs:             ecsClient,
		elb:             elbClient,
		keys:            opts.Keys,
		sealKey:         opts.SealKey,
		instanceProfile: profile,
		deployTimeout:   opts.DeployTimeout,
		logger:          logger.With("component", "compute"),
	}
}

// =============================================================================
// Cluster
// =============================================================================

// EnsureCluster returns the active cluster named in def, creating it when
// absent.
func (c *Compute) EnsureCluster(ctx context.Context, def *topology.Definition) (engine.ClusterRef, error) {
	name := def.Cluster.Name
	out, err := c.ecs.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{name}})
	if err != nil {
		return engine.ClusterRef{}, fmt.Errorf("describe cluster %s: %w", name, err)
	}
	for _, cl := range out.Clusters {
		if aws.ToString(cl.Status) == "ACTIVE" {
			return engine.ClusterRef{Name: name, ARN: aws.ToString(cl.ClusterArn)}, nil
		}
	}

	created, err := c.ecs.CreateCluster(ctx, &ecs.CreateClusterInput{ClusterName: aws.String(name)})
	if err != nil {
		return engine.ClusterRef{}, fmt.Errorf("create cluster %s: %w", name, err)
	}
	ref := engine.ClusterRef{Name: name}
	if created.Cluster != nil {
		ref.ARN = aws.ToString(created.Cluster.ClusterArn)
	}
	c.logger.Info("cluster created", "cluster", name, "arn", ref.ARN)
	return ref, nil
}

// =============================================================================
// Capacity
// =============================================================================

// EnsureCapacity brings the capacity group to exactly its declared hosts:
// missing hosts are launched, hosts beyond the count are terminated.
func (c *Compute) EnsureCapacity(ctx context.Context, def *topology.Definition) ([]engine.HostRef, error) {
	group := def.Cluster.Capacity
	if len(group.SubnetIDs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSubnets, def.Network.ID)
	}

	hostSG, err := c.ensureHostSecurityGroup(ctx, def)
	if err != nil {
		return nil, err
	}
	if err := c.ensureKeyPair(ctx, group.KeyName); err != nil {
		return nil, err
	}

	existing, err := c.describeHosts(ctx, group.Name)
	if err != nil {
		return nil, err
	}

	var imageID string
	hosts := make([]engine.HostRef, 0, group.DesiredCount)
	for _, h := range group.Hosts() {
		if ref, ok := existing[h.Name]; ok {
			hosts = append(hosts, ref)
			delete(existing, h.Name)
			continue
		}
		if imageID == "" {
			imageID, err = c.latestECSImage(ctx, imageArchitecture(group.InstanceType))
			if err != nil {
				return nil, err
			}
		}
		ref, err := c.launchHost(ctx, def, h, imageID, hostSG)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, ref)
	}

	if len(existing) > 0 {
		ids := make([]string, 0, len(existing))
		for _, ref := range existing {
			ids = append(ids, ref.ID)
		}
		slices.Sort(ids)
		if _, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids}); err != nil {
			return nil, fmt.Errorf("terminate surplus hosts: %w", err)
		}
		c.logger.Info("surplus hosts terminated", "group", group.Name, "instance_ids", ids)
	}

	return hosts, nil
}

func (c *Compute) describeHosts(ctx context.Context, group string) (map[string]engine.HostRef, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + tagCapacity), Values: []string{group}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe hosts of %s: %w", group, err)
	}

	var found []engine.HostRef
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			ref := engine.HostRef{
				ID:   aws.ToString(inst.InstanceId),
				Name: tagValue(inst.Tags, tagName),
			}
			if inst.State != nil {
				ref.State = string(inst.State.Name)
			}
			found = append(found, ref)
		}
	}
	slices.SortFunc(found, func(a, b engine.HostRef) int { return cmp.Compare(a.ID, b.ID) })

	// A name claimed twice keeps the lowest instance id; the rest are surplus.
	hosts := make(map[string]engine.HostRef, len(found))
	for _, ref := range found {
		key := ref.Name
		if _, taken := hosts[key]; taken {
			key = ref.Name + "#" + ref.ID
		}
		hosts[key] = ref
	}
	return hosts, nil
}

func (c *Compute) launchHost(ctx context.Context, def *topology.Definition, h topology.HostSpec, imageID, securityGroupID string) (engine.HostRef, error) {
	group := def.Cluster.Capacity
	subnet := group.SubnetIDs[(h.Index-1)%len(group.SubnetIDs)]

	out, err := c.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:            aws.String(imageID),
		InstanceType:       ec2types.InstanceType(group.InstanceType),
		KeyName:            aws.String(group.KeyName),
		SecurityGroupIds:   []string{securityGroupID},
		SubnetId:           aws.String(subnet),
		MinCount:           aws.Int32(1),
		MaxCount:           aws.Int32(1),
		UserData:           aws.String(clusterUserData(def.Cluster.Name)),
		IamInstanceProfile: &ec2types.IamInstanceProfileSpecification{Name: aws.String(c.instanceProfile)},
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String(tagName), Value: aws.String(h.Name)},
				{Key: aws.String(tagCapacity), Value: aws.String(group.Name)},
				{Key: aws.String(tagManaged), Value: aws.String(managedBy)},
			},
		}},
	})
	if err != nil {
		return engine.HostRef{}, fmt.Errorf("launch host %s: %w", h.Name, err)
	}
	if len(out.Instances) == 0 {
		return engine.HostRef{}, fmt.Errorf("launch host %s: no instance returned", h.Name)
	}

	inst := out.Instances[0]
	ref := engine.HostRef{ID: aws.ToString(inst.InstanceId), Name: h.Name}
	if inst.State != nil {
		ref.State = string(inst.State.Name)
	}
	c.logger.Info("host launched", "host", h.Name, "instance_id", ref.ID, "subnet", subnet)
	return ref, nil
}

func (c *Compute) latestECSImage(ctx context.Context, arch string) (string, error) {
	out, err := c.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"amazon"},
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{"al2023-ami-ecs-hvm-*-" + arch}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("find ECS-optimized image: %w", err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoMachineImage, arch)
	}
	latest := out.Images[0]
	for _, img := range out.Images[1:] {
		if aws.ToString(img.CreationDate) > aws.ToString(latest.CreationDate) {
			latest = img
		}
	}
	return aws.ToString(latest.ImageId), nil
}

// imageArchitecture picks arm64 for Graviton families such as t4g or c7g.
func imageArchitecture(instanceType string) string {
	family, _, _ := strings.Cut(instanceType, ".")
	if len(family) > 1 && strings.Contains(family[1:], "g") {
		return "arm64"
	}
	return "x86_64"
}

// clusterUserData registers the host's container agent with cluster.
func clusterUserData(cluster string) string {
	script := "#!/bin/bash\necho ECS_CLUSTER=" + cluster + " >> /etc/ecs/ecs.config\n"
	return base64.StdEncoding.EncodeToString([]byte(script))
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

// =============================================================================
// Security Groups
// =============================================================================

// ensureHostSecurityGroup creates the host group and admits each ingress
// rule from the group that opened it. Egress stays at the default allow-all.
func (c *Compute) ensureHostSecurityGroup(ctx context.Context, def *topology.Definition) (string, error) {
	vpc := def.Network.ID
	hostSG, err := c.ensureSecurityGroup(ctx, def.Cluster.Security.Name, vpc, "capacity hosts of "+def.Cluster.Name)
	if err != nil {
		return "", err
	}
	for _, rule := range def.Cluster.Security.Ingress {
		sourceSG, err := c.ensureSecurityGroup(ctx, rule.OpenedBy, vpc, "load balancer of "+def.Service.Name)
		if err != nil {
			return "", err
		}
		err = c.authorizeIngress(ctx, hostSG, ec2types.IpPermission{
			IpProtocol:       aws.String(rule.Protocol),
			FromPort:         aws.Int32(int32(rule.Port)),
			ToPort:           aws.Int32(int32(rule.Port)),
			UserIdGroupPairs: []ec2types.UserIdGroupPair{{GroupId: aws.String(sourceSG)}},
		})
		if err != nil {
			return "", err
		}
	}
	return hostSG, nil
}

// ensureLoadBalancerSecurityGroup opens the listener port to the internet.
func (c *Compute) ensureLoadBalancerSecurityGroup(ctx context.Context, def *topology.Definition) (string, error) {
	lb := def.Service.LoadBalancer
	sg, err := c.ensureSecurityGroup(ctx, lb.SecurityGroup, def.Network.ID, "load balancer of "+def.Service.Name)
	if err != nil {
		return "", err
	}
	err = c.authorizeIngress(ctx, sg, ec2types.IpPermission{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(int32(lb.ListenerPort)),
		ToPort:     aws.Int32(int32(lb.ListenerPort)),
		IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0"), Description: aws.String("HTTP")}},
	})
	if err != nil {
		return "", err
	}
	return sg, nil
}

func (c *Compute) ensureSecurityGroup(ctx context.Context, name, vpcID, description string) (string, error) {
	out, err := c.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("group-name"), Values: []string{name}},
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("describe security group %s: %w", name, err)
	}
	if len(out.SecurityGroups) > 0 {
		return aws.ToString(out.SecurityGroups[0].GroupId), nil
	}

	created, err := c.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String(description),
		VpcId:       aws.String(vpcID),
	})
	if err != nil {
		return "", fmt.Errorf("create security group %s: %w", name, err)
	}
	c.logger.Info("security group created", "name", name, "group_id", aws.ToString(created.GroupId))
	return aws.ToString(created.GroupId), nil
}

func (c *Compute) authorizeIngress(ctx context.Context, groupID string, perm ec2types.IpPermission) error {
	_, err := c.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(groupID),
		IpPermissions: []ec2types.IpPermission{perm},
	})
	if err != nil && !hasCode(err, codeDuplicateRule) {
		return fmt.Errorf("authorize ingress on %s: %w", groupID, err)
	}
	return nil
}

// =============================================================================
// Key Pairs
// =============================================================================

// ensureKeyPair imports a fresh key pair when name is unknown to EC2. The
// private half is sealed into the key store when one is configured.
func (c *Compute) ensureKeyPair(ctx context.Context, name string) error {
	_, err := c.ec2.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err == nil {
		return nil
	}
	if !hasCode(err, codeKeyPairNotFound) {
		return fmt.Errorf("describe key pair %s: %w", name, err)
	}

	kp, err := crypto.GenerateKeyPair(name)
	if err != nil {
		return err
	}
	if c.keys != nil {
		sealed, err := crypto.Seal(kp.PrivateKeyPEM, c.sealKey)
		if err != nil {
			return fmt.Errorf("seal private key %s: %w", name, err)
		}
		err = c.keys.SaveAccessKey(ctx, &store.AccessKey{
			Name:                name,
			Fingerprint:         kp.Fingerprint,
			PublicKey:           kp.PublicKey,
			PrivateKeyEncrypted: sealed,
		})
		if err != nil {
			return fmt.Errorf("save key pair %s: %w", name, err)
		}
	} else {
		c.logger.Warn("no key store configured, private key discarded", "key_name", name)
	}

	if _, err := c.ec2.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: []byte(kp.PublicKey),
	}); err != nil {
		return fmt.Errorf("import key pair %s: %w", name, err)
	}
	c.logger.Info("key pair imported", "key_name", name, "fingerprint", kp.Fingerprint)
	return nil
}
