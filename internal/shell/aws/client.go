// Package aws is the AWS provisioning engine. It resolves VPCs and ECR
// repositories, reconciles an ECS cluster on EC2 capacity behind an
// application load balancer, and runs the Build stage on CodeBuild.
package aws

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	coreprovider "github.com/artpar/shipline/internal/core/provider"
	"github.com/artpar/shipline/internal/shell/artifacts"
	"github.com/artpar/shipline/internal/shell/engine"
)

// EngineName identifies this backend in configuration and logs.
const EngineName = "aws"

// DefaultInstanceProfile is the IAM instance profile that lets hosts join
// an ECS cluster.
const DefaultInstanceProfile = "ecsInstanceRole"

// Config selects credentials and account-level settings.
type Config struct {
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	InstanceProfile string `mapstructure:"instance_profile"`
}

// Credentials returns the static credentials of c, if any.
func (c Config) Credentials() coreprovider.AWSCredentials {
	return coreprovider.AWSCredentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}
}

// LoadConfig builds an SDK configuration. Static keys win over the shared
// profile; with neither the default credential chain is used.
func LoadConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	creds := cfg.Credentials()
	if err := coreprovider.ValidateAWSCredentials(creds); err != nil {
		return aws.Config{}, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if creds.IsStatic() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	} else if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// S3Factory returns the constructor the artifact store uses for its S3
// backend, sharing the engine's credentials.
func S3Factory(cfg Config) func(ctx context.Context, region string) (artifacts.S3API, error) {
	return func(ctx context.Context, region string) (artifacts.S3API, error) {
		c := cfg
		if region != "" {
			c.Region = region
		}
		awsCfg, err := LoadConfig(ctx, c)
		if err != nil {
			return nil, err
		}
		return s3.NewFromConfig(awsCfg), nil
	}
}

// =============================================================================
// Client Interfaces
// =============================================================================

// EC2API is the subset of the EC2 client used by the engine.
type EC2API interface {
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DescribeSubnets(ctx context.Context, in *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeSecurityGroups(ctx context.Context, in *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DescribeKeyPairs(ctx context.Context, in *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// ECSAPI is the subset of the ECS client used by the engine.
type ECSAPI interface {
	DescribeClusters(ctx context.Context, in *ecs.DescribeClustersInput, optFns ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error)
	CreateCluster(ctx context.Context, in *ecs.CreateClusterInput, optFns ...func(*ecs.Options)) (*ecs.CreateClusterOutput, error)
	RegisterTaskDefinition(ctx context.Context, in *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	DescribeTaskDefinition(ctx context.Context, in *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error)
	DescribeServices(ctx context.Context, in *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	CreateService(ctx context.Context, in *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error)
	UpdateService(ctx context.Context, in *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// ECRAPI is the subset of the ECR client used by the engine.
type ECRAPI interface {
	DescribeRepositories(ctx context.Context, in *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	DescribeImages(ctx context.Context, in *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

// ELBAPI is the subset of the Elastic Load Balancing v2 client used by the
// engine.
type ELBAPI interface {
	DescribeLoadBalancers(ctx context.Context, in *elb.DescribeLoadBalancersInput, optFns ...func(*elb.Options)) (*elb.DescribeLoadBalancersOutput, error)
	CreateLoadBalancer(ctx context.Context, in *elb.CreateLoadBalancerInput, optFns ...func(*elb.Options)) (*elb.CreateLoadBalancerOutput, error)
	DescribeTargetGroups(ctx context.Context, in *elb.DescribeTargetGroupsInput, optFns ...func(*elb.Options)) (*elb.DescribeTargetGroupsOutput, error)
	CreateTargetGroup(ctx context.Context, in *elb.CreateTargetGroupInput, optFns ...func(*elb.Options)) (*elb.CreateTargetGroupOutput, error)
	DescribeListeners(ctx context.Context, in *elb.DescribeListenersInput, optFns ...func(*elb.Options)) (*elb.DescribeListenersOutput, error)
	CreateListener(ctx context.Context, in *elb.CreateListenerInput, optFns ...func(*elb.Options)) (*elb.CreateListenerOutput, error)
}

// CodeBuildAPI is the subset of the CodeBuild client used by the engine.
type CodeBuildAPI interface {
	BatchGetProjects(ctx context.Context, in *codebuild.BatchGetProjectsInput, optFns ...func(*codebuild.Options)) (*codebuild.BatchGetProjectsOutput, error)
	CreateProject(ctx context.Context, in *codebuild.CreateProjectInput, optFns ...func(*codebuild.Options)) (*codebuild.CreateProjectOutput, error)
	StartBuild(ctx context.Context, in *codebuild.StartBuildInput, optFns ...func(*codebuild.Options)) (*codebuild.StartBuildOutput, error)
	BatchGetBuilds(ctx context.Context, in *codebuild.BatchGetBuildsInput, optFns ...func(*codebuild.Options)) (*codebuild.BatchGetBuildsOutput, error)
}

// ObjectGetter reads build outputs back from the artifact bucket.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Clients groups the service clients of one account and region.
type Clients struct {
	EC2       EC2API
	ECS       ECSAPI
	ECR       ECRAPI
	ELB       ELBAPI
	CodeBuild CodeBuildAPI
	S3        ObjectGetter
}

// NewClients creates SDK clients from awsCfg.
func NewClients(awsCfg aws.Config) Clients {
	return Clients{
		EC2:       ec2.NewFromConfig(awsCfg),
		ECS:       ecs.NewFromConfig(awsCfg),
		ECR:       ecr.NewFromConfig(awsCfg),
		ELB:       elb.NewFromConfig(awsCfg),
		CodeBuild: codebuild.NewFromConfig(awsCfg),
		S3:        s3.NewFromConfig(awsCfg),
	}
}

// =============================================================================
// Backend
// =============================================================================

// Options configures the AWS backend.
type Options struct {
	InstanceProfile string
	// DeployTimeout bounds the wait for a service to become stable after a
	// deploy. Zero returns as soon as the service is updated.
	DeployTimeout time.Duration
	Keys          KeyStore
	SealKey       []byte
	Build         BuildConfig
}

// NewBackend wires the AWS collaborators into an engine backend.
func NewBackend(clients Clients, opts Options, logger *slog.Logger) engine.Backend {
	logger = logger.With("provider", EngineName)
	return engine.Backend{
		Name:     EngineName,
		Networks: NewNetworks(clients.EC2, logger),
		Registry: NewRegistry(clients.ECR, logger),
		Compute:  NewCompute(clients.EC2, clients.ECS, clients.ELB, opts, logger),
		Builder:  NewBuilder(clients.CodeBuild, clients.S3, opts.Build, logger),
	}
}
