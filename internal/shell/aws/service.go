package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/engine"
)

// =============================================================================
// Service
// =============================================================================

// EnsureService registers the task definition, reconciles the load balancer
// and creates or updates the service to run it.
func (c *Compute) EnsureService(ctx context.Context, def *topology.Definition) (engine.ServiceRef, error) {
	lbSG, err := c.ensureLoadBalancerSecurityGroup(ctx, def)
	if err != nil {
		return engine.ServiceRef{}, err
	}
	lbARN, dnsName, err := c.ensureLoadBalancer(ctx, def, lbSG)
	if err != nil {
		return engine.ServiceRef{}, err
	}
	tgARN, err := c.ensureTargetGroup(ctx, def)
	if err != nil {
		return engine.ServiceRef{}, err
	}
	if err := c.ensureListener(ctx, lbARN, tgARN, def.Service.LoadBalancer.ListenerPort); err != nil {
		return engine.ServiceRef{}, err
	}

	reg, err := c.ecs.RegisterTaskDefinition(ctx, taskDefinitionInput(def.Task))
	if err != nil {
		return engine.ServiceRef{}, fmt.Errorf("register task definition %s: %w", def.Task.Family, err)
	}
	taskARN, err := registeredARN(reg, def.Task.Family)
	if err != nil {
		return engine.ServiceRef{}, err
	}

	svc := def.Service
	existing, err := c.describeService(ctx, svc.Cluster, svc.Name)
	if err != nil {
		return engine.ServiceRef{}, err
	}
	if existing != nil {
		_, err = c.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:        aws.String(svc.Cluster),
			Service:        aws.String(svc.Name),
			TaskDefinition: aws.String(taskARN),
			DesiredCount:   aws.Int32(int32(svc.DesiredCount)),
		})
		if err != nil {
			return engine.ServiceRef{}, fmt.Errorf("update service %s: %w", svc.Name, err)
		}
		c.logger.Info("service updated", "service", svc.Name, "task_definition", taskARN)
	} else {
		_, err = c.ecs.CreateService(ctx, &ecs.CreateServiceInput{
			Cluster:        aws.String(svc.Cluster),
			ServiceName:    aws.String(svc.Name),
			TaskDefinition: aws.String(taskARN),
			DesiredCount:   aws.Int32(int32(svc.DesiredCount)),
			LaunchType:     ecstypes.LaunchTypeEc2,
			LoadBalancers: []ecstypes.LoadBalancer{{
				TargetGroupArn: aws.String(tgARN),
				ContainerName:  aws.String(svc.LoadBalancer.ContainerName),
				ContainerPort:  aws.Int32(int32(svc.LoadBalancer.ContainerPort)),
			}},
		})
		if err != nil {
			return engine.ServiceRef{}, fmt.Errorf("create service %s: %w", svc.Name, err)
		}
		c.logger.Info("service created", "service", svc.Name, "task_definition", taskARN)
	}

	ref := engine.ServiceRefFor(def)
	ref.Endpoint = "http://" + dnsName
	return ref, nil
}

// Deploy registers a revision of the service's current task definition with
// the container's image replaced, then points the service at it.
func (c *Compute) Deploy(ctx context.Context, ref engine.ServiceRef, imageURI string) (string, error) {
	svc, err := c.describeService(ctx, ref.Cluster, ref.Service)
	if err != nil {
		return "", err
	}
	if svc == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrServiceNotFound, ref.Cluster, ref.Service)
	}

	current, err := c.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: svc.TaskDefinition,
	})
	if err != nil {
		return "", fmt.Errorf("describe task definition %s: %w", aws.ToString(svc.TaskDefinition), err)
	}
	in, err := withImage(current.TaskDefinition, ref.ContainerName, imageURI)
	if err != nil {
		return "", err
	}

	reg, err := c.ecs.RegisterTaskDefinition(ctx, in)
	if err != nil {
		return "", fmt.Errorf("register task definition %s: %w", aws.ToString(in.Family), err)
	}
	revision, err := registeredARN(reg, aws.ToString(in.Family))
	if err != nil {
		return "", err
	}

	_, err = c.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:        aws.String(ref.Cluster),
		Service:        aws.String(ref.Service),
		TaskDefinition: aws.String(revision),
	})
	if err != nil {
		return "", fmt.Errorf("update service %s: %w", ref.Service, err)
	}
	c.logger.Info("service deployed", "service", ref.Service, "image", imageURI, "task_definition", revision)

	if c.deployTimeout > 0 {
		waiter := ecs.NewServicesStableWaiter(c.ecs)
		err := waiter.Wait(ctx, &ecs.DescribeServicesInput{
			Cluster:  aws.String(ref.Cluster),
			Services: []string{ref.Service},
		}, c.deployTimeout)
		if err != nil {
			return "", fmt.Errorf("wait for service %s: %w", ref.Service, err)
		}
	}
	return revision, nil
}

func registeredARN(out *ecs.RegisterTaskDefinitionOutput, family string) (string, error) {
	if out == nil || out.TaskDefinition == nil || aws.ToString(out.TaskDefinition.TaskDefinitionArn) == "" {
		return "", fmt.Errorf("%w: %s", ErrNoTaskDefinition, family)
	}
	return aws.ToString(out.TaskDefinition.TaskDefinitionArn), nil
}

// describeService returns nil when the service does not exist or is inactive.
func (c *Compute) describeService(ctx context.Context, cluster, name string) (*ecstypes.Service, error) {
	out, err := c.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("describe service %s: %w", name, err)
	}
	for i := range out.Services {
		if aws.ToString(out.Services[i].Status) != "INACTIVE" {
			return &out.Services[i], nil
		}
	}
	return nil, nil
}

// =============================================================================
// Task Definitions
// =============================================================================

func taskDefinitionInput(task topology.TaskSpec) *ecs.RegisterTaskDefinitionInput {
	ct := task.Container
	mappings := make([]ecstypes.PortMapping, 0, len(ct.PortMappings))
	for _, pm := range ct.PortMappings {
		mappings = append(mappings, ecstypes.PortMapping{
			ContainerPort: aws.Int32(int32(pm.ContainerPort)),
			HostPort:      aws.Int32(int32(pm.HostPort)),
			Protocol:      ecstypes.TransportProtocol(pm.Protocol),
		})
	}

	return &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(task.Family),
		NetworkMode:             ecstypes.NetworkMode(task.NetworkMode),
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityEc2},
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:         aws.String(ct.Name),
			Image:        aws.String(ct.Image.String()),
			Memory:       aws.Int32(int32(ct.MemoryLimitMiB)),
			Cpu:          int32(ct.CPU),
			Essential:    aws.Bool(ct.Essential),
			PortMappings: mappings,
			LogConfiguration: &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriver(ct.Logging.Driver),
				Options: map[string]string{
					"awslogs-group":         ct.Logging.Group,
					"awslogs-region":        ct.Logging.Region,
					"awslogs-stream-prefix": ct.Logging.StreamPrefix,
					"awslogs-create-group":  "true",
				},
			},
		}},
	}
}

// withImage copies td into a registration request with container's image
// replaced. Everything else about the revision is unchanged.
func withImage(td *ecstypes.TaskDefinition, container, imageURI string) (*ecs.RegisterTaskDefinitionInput, error) {
	if td == nil {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, container)
	}
	defs := make([]ecstypes.ContainerDefinition, len(td.ContainerDefinitions))
	copy(defs, td.ContainerDefinitions)

	found := false
	for i := range defs {
		if aws.ToString(defs[i].Name) == container {
			defs[i].Image = aws.String(imageURI)
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s in %s", ErrContainerNotFound, container, aws.ToString(td.Family))
	}

	return &ecs.RegisterTaskDefinitionInput{
		Family:                  td.Family,
		TaskRoleArn:             td.TaskRoleArn,
		ExecutionRoleArn:        td.ExecutionRoleArn,
		NetworkMode:             td.NetworkMode,
		ContainerDefinitions:    defs,
		Volumes:                 td.Volumes,
		PlacementConstraints:    td.PlacementConstraints,
		RequiresCompatibilities: td.RequiresCompatibilities,
		Cpu:                     td.Cpu,
		Memory:                  td.Memory,
	}, nil
}

// =============================================================================
// Load Balancer
// =============================================================================

func (c *Compute) ensureLoadBalancer(ctx context.Context, def *topology.Definition, securityGroupID string) (arn, dnsName string, err error) {
	lb := def.Service.LoadBalancer
	out, err := c.elb.DescribeLoadBalancers(ctx, &elb.DescribeLoadBalancersInput{Names: []string{lb.Name}})
	if err != nil && !hasCode(err, codeLBNotFound) {
		return "", "", fmt.Errorf("describe load balancer %s: %w", lb.Name, err)
	}
	if err == nil && len(out.LoadBalancers) > 0 {
		found := out.LoadBalancers[0]
		return aws.ToString(found.LoadBalancerArn), aws.ToString(found.DNSName), nil
	}

	scheme := elbtypes.LoadBalancerSchemeEnumInternal
	if lb.Public {
		scheme = elbtypes.LoadBalancerSchemeEnumInternetFacing
	}
	created, err := c.elb.CreateLoadBalancer(ctx, &elb.CreateLoadBalancerInput{
		Name:           aws.String(lb.Name),
		Subnets:        def.Network.SubnetIDs,
		SecurityGroups: []string{securityGroupID},
		Scheme:         scheme,
		Type:           elbtypes.LoadBalancerTypeEnumApplication,
	})
	if err != nil {
		return "", "", fmt.Errorf("create load balancer %s: %w", lb.Name, err)
	}
	if len(created.LoadBalancers) == 0 {
		return "", "", fmt.Errorf("create load balancer %s: nothing returned", lb.Name)
	}
	found := created.LoadBalancers[0]
	c.logger.Info("load balancer created", "name", lb.Name, "dns_name", aws.ToString(found.DNSName))
	return aws.ToString(found.LoadBalancerArn), aws.ToString(found.DNSName), nil
}

func (c *Compute) ensureTargetGroup(ctx context.Context, def *topology.Definition) (string, error) {
	lb := def.Service.LoadBalancer
	out, err := c.elb.DescribeTargetGroups(ctx, &elb.DescribeTargetGroupsInput{Names: []string{lb.TargetGroup}})
	if err != nil && !hasCode(err, codeTargetGroupMissing) {
		return "", fmt.Errorf("describe target group %s: %w", lb.TargetGroup, err)
	}
	if err == nil && len(out.TargetGroups) > 0 {
		return aws.ToString(out.TargetGroups[0].TargetGroupArn), nil
	}

	created, err := c.elb.CreateTargetGroup(ctx, &elb.CreateTargetGroupInput{
		Name:            aws.String(lb.TargetGroup),
		VpcId:           aws.String(def.Network.ID),
		Port:            aws.Int32(int32(lb.ContainerPort)),
		Protocol:        elbtypes.ProtocolEnumHttp,
		TargetType:      elbtypes.TargetTypeEnumInstance,
		HealthCheckPath: aws.String(lb.HealthCheckPath),
	})
	if err != nil {
		return "", fmt.Errorf("create target group %s: %w", lb.TargetGroup, err)
	}
	if len(created.TargetGroups) == 0 {
		return "", fmt.Errorf("create target group %s: nothing returned", lb.TargetGroup)
	}
	return aws.ToString(created.TargetGroups[0].TargetGroupArn), nil
}

func (c *Compute) ensureListener(ctx context.Context, lbARN, tgARN string, port int) error {
	out, err := c.elb.DescribeListeners(ctx, &elb.DescribeListenersInput{LoadBalancerArn: aws.String(lbARN)})
	if err != nil {
		return fmt.Errorf("describe listeners: %w", err)
	}
	for _, l := range out.Listeners {
		if aws.ToInt32(l.Port) == int32(port) {
			return nil
		}
	}

	_, err = c.elb.CreateListener(ctx, &elb.CreateListenerInput{
		LoadBalancerArn: aws.String(lbARN),
		Port:            aws.Int32(int32(port)),
		Protocol:        elbtypes.ProtocolEnumHttp,
		DefaultActions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: aws.String(tgARN),
		}},
	})
	if err != nil {
		return fmt.Errorf("create listener on %d: %w", port, err)
	}
	return nil
}
