package aws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

const (
	testVPC      = "vpc-0abc"
	testRegistry = "123456789.dkr.ecr.ap-northeast-2.amazonaws.com/my-app"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func testDefinition(t *testing.T, capacity int) *topology.Definition {
	t.Helper()
	in := topology.DefaultInputs()
	in.NetworkID = testVPC
	in.RegistryURI = testRegistry
	in.DesiredCapacity = capacity
	def, err := topology.Define(in,
		topology.NetworkHandle{ID: testVPC, CIDR: "10.0.0.0/16", SubnetIDs: []string{"subnet-a", "subnet-b"}},
		topology.RegistryHandle{URI: testRegistry, RepositoryName: "my-app", Host: "123456789.dkr.ecr.ap-northeast-2.amazonaws.com"},
	)
	require.NoError(t, err)
	return def
}

// =============================================================================
// EC2
// =============================================================================

type mockEC2 struct {
	vpcs       []ec2types.Vpc
	vpcErr     error
	subnets    []ec2types.Subnet
	groups     map[string]string
	ingress    []*ec2.AuthorizeSecurityGroupIngressInput
	ingressErr error
	keyPairs   map[string]bool
	imported   []*ec2.ImportKeyPairInput
	images     []ec2types.Image
	instances  []ec2types.Instance
	launched   []*ec2.RunInstancesInput
	terminated []string
	nextID     int
}

func newMockEC2() *mockEC2 {
	return &mockEC2{
		groups:   make(map[string]string),
		keyPairs: make(map[string]bool),
		images: []ec2types.Image{
			{ImageId: aws.String("ami-old"), CreationDate: aws.String("2024-01-01T00:00:00.000Z")},
			{ImageId: aws.String("ami-new"), CreationDate: aws.String("2025-06-01T00:00:00.000Z")},
		},
	}
}

func filterValue(filters []ec2types.Filter, name string) string {
	for _, f := range filters {
		if aws.ToString(f.Name) == name && len(f.Values) > 0 {
			return f.Values[0]
		}
	}
	return ""
}

func (m *mockEC2) DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	if m.vpcErr != nil {
		return nil, m.vpcErr
	}
	return &ec2.DescribeVpcsOutput{Vpcs: m.vpcs}, nil
}

func (m *mockEC2) DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return &ec2.DescribeSubnetsOutput{Subnets: m.subnets}, nil
}

func (m *mockEC2) DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	name := filterValue(in.Filters, "group-name")
	id, ok := m.groups[name]
	if !ok {
		return &ec2.DescribeSecurityGroupsOutput{}, nil
	}
	return &ec2.DescribeSecurityGroupsOutput{
		SecurityGroups: []ec2types.SecurityGroup{{GroupId: aws.String(id), GroupName: aws.String(name)}},
	}, nil
}

func (m *mockEC2) CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	id := "sg-" + aws.ToString(in.GroupName)
	m.groups[aws.ToString(in.GroupName)] = id
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (m *mockEC2) AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	m.ingress = append(m.ingress, in)
	if m.ingressErr != nil {
		return nil, m.ingressErr
	}
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (m *mockEC2) DescribeKeyPairs(ctx context.Context, in *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error) {
	for _, name := range in.KeyNames {
		if !m.keyPairs[name] {
			return nil, apiError(codeKeyPairNotFound)
		}
	}
	return &ec2.DescribeKeyPairsOutput{}, nil
}

func (m *mockEC2) ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	m.imported = append(m.imported, in)
	m.keyPairs[aws.ToString(in.KeyName)] = true
	return &ec2.ImportKeyPairOutput{KeyName: in.KeyName}, nil
}

func (m *mockEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: m.images}, nil
}

func (m *mockEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if len(m.instances) == 0 {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: append([]ec2types.Instance(nil), m.instances...)}},
	}, nil
}

func (m *mockEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.launched = append(m.launched, in)
	m.nextID++
	inst := ec2types.Instance{
		InstanceId: aws.String(fmt.Sprintf("i-%03d", m.nextID)),
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
	}
	for _, spec := range in.TagSpecifications {
		inst.Tags = append(inst.Tags, spec.Tags...)
	}
	m.instances = append(m.instances, inst)
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{inst}}, nil
}

func (m *mockEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.terminated = append(m.terminated, in.InstanceIds...)
	kept := m.instances[:0]
	for _, inst := range m.instances {
		if !slices.Contains(in.InstanceIds, aws.ToString(inst.InstanceId)) {
			kept = append(kept, inst)
		}
	}
	m.instances = kept
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEC2) addHost(id, name, group string) {
	m.instances = append(m.instances, ec2types.Instance{
		InstanceId: aws.String(id),
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
		Tags: []ec2types.Tag{
			{Key: aws.String(tagName), Value: aws.String(name)},
			{Key: aws.String(tagCapacity), Value: aws.String(group)},
		},
	})
}

// =============================================================================
// ECS
// =============================================================================

type mockECS struct {
	clusters        map[string]string
	createdClusters []string
	taskDefs        map[string]*ecstypes.TaskDefinition
	revisions       map[string]int32
	registered      []*ecs.RegisterTaskDefinitionInput
	services        map[string]*ecstypes.Service
	createdServices []*ecs.CreateServiceInput
	updates         []*ecs.UpdateServiceInput
	// emptyAfter makes registrations after the first n return no task definition.
	emptyAfter int
}

func newMockECS() *mockECS {
	return &mockECS{
		clusters:   make(map[string]string),
		taskDefs:   make(map[string]*ecstypes.TaskDefinition),
		revisions:  make(map[string]int32),
		services:   make(map[string]*ecstypes.Service),
		emptyAfter: -1,
	}
}

func (m *mockECS) DescribeClusters(ctx context.Context, in *ecs.DescribeClustersInput, optFns ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error) {
	out := &ecs.DescribeClustersOutput{}
	for _, name := range in.Clusters {
		if status, ok := m.clusters[name]; ok {
			out.Clusters = append(out.Clusters, ecstypes.Cluster{
				ClusterName: aws.String(name),
				ClusterArn:  aws.String("arn:aws:ecs:ap-northeast-2:123456789:cluster/" + name),
				Status:      aws.String(status),
			})
		}
	}
	return out, nil
}

func (m *mockECS) CreateCluster(ctx context.Context, in *ecs.CreateClusterInput, optFns ...func(*ecs.Options)) (*ecs.CreateClusterOutput, error) {
	name := aws.ToString(in.ClusterName)
	m.createdClusters = append(m.createdClusters, name)
	m.clusters[name] = "ACTIVE"
	return &ecs.CreateClusterOutput{Cluster: &ecstypes.Cluster{
		ClusterName: aws.String(name),
		ClusterArn:  aws.String("arn:aws:ecs:ap-northeast-2:123456789:cluster/" + name),
	}}, nil
}

func (m *mockECS) RegisterTaskDefinition(ctx context.Context, in *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	m.registered = append(m.registered, in)
	if m.emptyAfter >= 0 && len(m.registered) > m.emptyAfter {
		return &ecs.RegisterTaskDefinitionOutput{}, nil
	}
	family := aws.ToString(in.Family)
	m.revisions[family]++
	rev := m.revisions[family]
	arn := fmt.Sprintf("arn:aws:ecs:ap-northeast-2:123456789:task-definition/%s:%d", family, rev)
	td := &ecstypes.TaskDefinition{
		TaskDefinitionArn:       aws.String(arn),
		Family:                  in.Family,
		Revision:                rev,
		NetworkMode:             in.NetworkMode,
		ContainerDefinitions:    in.ContainerDefinitions,
		RequiresCompatibilities: in.RequiresCompatibilities,
	}
	m.taskDefs[arn] = td
	return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: td}, nil
}

func (m *mockECS) DescribeTaskDefinition(ctx context.Context, in *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error) {
	td, ok := m.taskDefs[aws.ToString(in.TaskDefinition)]
	if !ok {
		return nil, apiError("ClientException")
	}
	return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: td}, nil
}

func (m *mockECS) DescribeServices(ctx context.Context, in *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	out := &ecs.DescribeServicesOutput{}
	for _, name := range in.Services {
		if svc, ok := m.services[name]; ok {
			out.Services = append(out.Services, *svc)
		}
	}
	return out, nil
}

func (m *mockECS) CreateService(ctx context.Context, in *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error) {
	m.createdServices = append(m.createdServices, in)
	svc := &ecstypes.Service{
		ServiceName:    in.ServiceName,
		Status:         aws.String("ACTIVE"),
		TaskDefinition: in.TaskDefinition,
		DesiredCount:   aws.ToInt32(in.DesiredCount),
	}
	m.services[aws.ToString(in.ServiceName)] = svc
	return &ecs.CreateServiceOutput{Service: svc}, nil
}

func (m *mockECS) UpdateService(ctx context.Context, in *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	m.updates = append(m.updates, in)
	svc, ok := m.services[aws.ToString(in.Service)]
	if !ok {
		return nil, apiError("ServiceNotFoundException")
	}
	if in.TaskDefinition != nil {
		svc.TaskDefinition = in.TaskDefinition
	}
	return &ecs.UpdateServiceOutput{Service: svc}, nil
}

// =============================================================================
// ECR
// =============================================================================

type mockECR struct {
	repos  map[string]ecrtypes.Repository
	images map[string]ecrtypes.ImageDetail
}

func newMockECR() *mockECR {
	return &mockECR{
		repos: map[string]ecrtypes.Repository{
			"my-app": {
				RepositoryName: aws.String("my-app"),
				RepositoryArn:  aws.String("arn:aws:ecr:ap-northeast-2:123456789:repository/my-app"),
				RepositoryUri:  aws.String(testRegistry),
				RegistryId:     aws.String("123456789"),
			},
		},
		images: map[string]ecrtypes.ImageDetail{
			"my-app:latest": {
				RegistryId:       aws.String("123456789"),
				RepositoryName:   aws.String("my-app"),
				ImageDigest:      aws.String("sha256:abc"),
				ImageTags:        []string{"latest"},
				ImagePushedAt:    aws.Time(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)),
				ImageSizeInBytes: aws.Int64(1024),
			},
		},
	}
}

func (m *mockECR) DescribeRepositories(ctx context.Context, in *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error) {
	out := &ecr.DescribeRepositoriesOutput{}
	for _, name := range in.RepositoryNames {
		repo, ok := m.repos[name]
		if !ok {
			return nil, apiError(codeRepoNotFound)
		}
		out.Repositories = append(out.Repositories, repo)
	}
	return out, nil
}

func (m *mockECR) DescribeImages(ctx context.Context, in *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error) {
	out := &ecr.DescribeImagesOutput{}
	for _, id := range in.ImageIds {
		img, ok := m.images[aws.ToString(in.RepositoryName)+":"+aws.ToString(id.ImageTag)]
		if !ok {
			return nil, apiError(codeImageNotFound)
		}
		out.ImageDetails = append(out.ImageDetails, img)
	}
	return out, nil
}

// =============================================================================
// Elastic Load Balancing
// =============================================================================

type mockELB struct {
	lbs         map[string]elbtypes.LoadBalancer
	tgs         map[string]elbtypes.TargetGroup
	listeners   map[string][]elbtypes.Listener
	createdLBs  []*elb.CreateLoadBalancerInput
	createdTGs  []*elb.CreateTargetGroupInput
	createdLsts []*elb.CreateListenerInput
}

func newMockELB() *mockELB {
	return &mockELB{
		lbs:       make(map[string]elbtypes.LoadBalancer),
		tgs:       make(map[string]elbtypes.TargetGroup),
		listeners: make(map[string][]elbtypes.Listener),
	}
}

func (m *mockELB) DescribeLoadBalancers(ctx context.Context, in *elb.DescribeLoadBalancersInput, optFns ...func(*elb.Options)) (*elb.DescribeLoadBalancersOutput, error) {
	out := &elb.DescribeLoadBalancersOutput{}
	for _, name := range in.Names {
		lb, ok := m.lbs[name]
		if !ok {
			return nil, apiError(codeLBNotFound)
		}
		out.LoadBalancers = append(out.LoadBalancers, lb)
	}
	return out, nil
}

func (m *mockELB) CreateLoadBalancer(ctx context.Context, in *elb.CreateLoadBalancerInput, optFns ...func(*elb.Options)) (*elb.CreateLoadBalancerOutput, error) {
	m.createdLBs = append(m.createdLBs, in)
	name := aws.ToString(in.Name)
	lb := elbtypes.LoadBalancer{
		LoadBalancerName: in.Name,
		LoadBalancerArn:  aws.String("arn:lb/" + name),
		DNSName:          aws.String(name + ".elb.amazonaws.com"),
	}
	m.lbs[name] = lb
	return &elb.CreateLoadBalancerOutput{LoadBalancers: []elbtypes.LoadBalancer{lb}}, nil
}

func (m *mockELB) DescribeTargetGroups(ctx context.Context, in *elb.DescribeTargetGroupsInput, optFns ...func(*elb.Options)) (*elb.DescribeTargetGroupsOutput, error) {
	out := &elb.DescribeTargetGroupsOutput{}
	for _, name := range in.Names {
		tg, ok := m.tgs[name]
		if !ok {
			return nil, apiError(codeTargetGroupMissing)
		}
		out.TargetGroups = append(out.TargetGroups, tg)
	}
	return out, nil
}

func (m *mockELB) CreateTargetGroup(ctx context.Context, in *elb.CreateTargetGroupInput, optFns ...func(*elb.Options)) (*elb.CreateTargetGroupOutput, error) {
	m.createdTGs = append(m.createdTGs, in)
	name := aws.ToString(in.Name)
	tg := elbtypes.TargetGroup{TargetGroupName: in.Name, TargetGroupArn: aws.String("arn:tg/" + name)}
	m.tgs[name] = tg
	return &elb.CreateTargetGroupOutput{TargetGroups: []elbtypes.TargetGroup{tg}}, nil
}

func (m *mockELB) DescribeListeners(ctx context.Context, in *elb.DescribeListenersInput, optFns ...func(*elb.Options)) (*elb.DescribeListenersOutput, error) {
	return &elb.DescribeListenersOutput{Listeners: m.listeners[aws.ToString(in.LoadBalancerArn)]}, nil
}

func (m *mockELB) CreateListener(ctx context.Context, in *elb.CreateListenerInput, optFns ...func(*elb.Options)) (*elb.CreateListenerOutput, error) {
	m.createdLsts = append(m.createdLsts, in)
	arn := aws.ToString(in.LoadBalancerArn)
	m.listeners[arn] = append(m.listeners[arn], elbtypes.Listener{Port: in.Port, ListenerArn: aws.String(arn + "/listener")})
	return &elb.CreateListenerOutput{}, nil
}

// =============================================================================
// CodeBuild and S3
// =============================================================================

type mockCodeBuild struct {
	projects        map[string]bool
	createdProjects []*codebuild.CreateProjectInput
	started         []*codebuild.StartBuildInput
	// statuses are returned by successive BatchGetBuilds calls; the last
	// one repeats.
	statuses []cbtypes.StatusType
	phases   []cbtypes.BuildPhase
	polls    int
}

func newMockCodeBuild(statuses ...cbtypes.StatusType) *mockCodeBuild {
	return &mockCodeBuild{projects: make(map[string]bool), statuses: statuses}
}

func (m *mockCodeBuild) BatchGetProjects(ctx context.Context, in *codebuild.BatchGetProjectsInput, optFns ...func(*codebuild.Options)) (*codebuild.BatchGetProjectsOutput, error) {
	out := &codebuild.BatchGetProjectsOutput{}
	for _, name := range in.Names {
		if m.projects[name] {
			out.Projects = append(out.Projects, cbtypes.Project{Name: aws.String(name)})
		} else {
			out.ProjectsNotFound = append(out.ProjectsNotFound, name)
		}
	}
	return out, nil
}

func (m *mockCodeBuild) CreateProject(ctx context.Context, in *codebuild.CreateProjectInput, optFns ...func(*codebuild.Options)) (*codebuild.CreateProjectOutput, error) {
	m.createdProjects = append(m.createdProjects, in)
	m.projects[aws.ToString(in.Name)] = true
	return &codebuild.CreateProjectOutput{}, nil
}

func (m *mockCodeBuild) StartBuild(ctx context.Context, in *codebuild.StartBuildInput, optFns ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error) {
	m.started = append(m.started, in)
	return &codebuild.StartBuildOutput{Build: &cbtypes.Build{Id: aws.String(aws.ToString(in.ProjectName) + ":build-1")}}, nil
}

func (m *mockCodeBuild) BatchGetBuilds(ctx context.Context, in *codebuild.BatchGetBuildsInput, optFns ...func(*codebuild.Options)) (*codebuild.BatchGetBuildsOutput, error) {
	i := m.polls
	if i >= len(m.statuses) {
		i = len(m.statuses) - 1
	}
	m.polls++
	return &codebuild.BatchGetBuildsOutput{Builds: []cbtypes.Build{{
		Id:          aws.String(in.Ids[0]),
		BuildStatus: m.statuses[i],
		Phases:      m.phases,
		Logs:        &cbtypes.LogsLocation{DeepLink: aws.String("https://console/logs")},
	}}}, nil
}

type mockS3 struct {
	objects map[string][]byte
}

func (m *mockS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, apiError(codeNoSuchKey)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

// =============================================================================
// Key Store
// =============================================================================

type memoryKeyStore struct {
	keys map[string]*store.AccessKey
}

func (m *memoryKeyStore) SaveAccessKey(ctx context.Context, key *store.AccessKey) error {
	if m.keys == nil {
		m.keys = make(map[string]*store.AccessKey)
	}
	m.keys[key.Name] = key
	return nil
}
