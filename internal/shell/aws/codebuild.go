package aws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/artpar/shipline/internal/core/buildspec"
	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/engine"
)

// Build environment defaults.
const (
	DefaultBuildImage        = "aws/codebuild/standard:7.0"
	DefaultBuildComputeType  = "BUILD_GENERAL1_SMALL"
	DefaultBuildPollInterval = 10 * time.Second
)

// BuildConfig configures the CodeBuild executor. Build outputs are uploaded
// to Bucket under Prefix/<execution>/BuildOutput.
type BuildConfig struct {
	Image        string        `mapstructure:"image"`
	ComputeType  string        `mapstructure:"compute_type"`
	ServiceRole  string        `mapstructure:"service_role"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Bucket       string        `mapstructure:"bucket"`
	Prefix       string        `mapstructure:"prefix"`
}

func (c BuildConfig) withDefaults() BuildConfig {
	if c.Image == "" {
		c.Image = DefaultBuildImage
	}
	if c.ComputeType == "" {
		c.ComputeType = DefaultBuildComputeType
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultBuildPollInterval
	}
	return c
}

// Builder runs the Build stage as a CodeBuild build with no source. The
// command sequence is passed as a buildspec override, so one project serves
// every run.
type Builder struct {
	cb      CodeBuildAPI
	objects ObjectGetter
	cfg     BuildConfig
	logger  *slog.Logger
}

// NewBuilder creates a CodeBuild executor.
func NewBuilder(cb CodeBuildAPI, objects ObjectGetter, cfg BuildConfig, logger *slog.Logger) *Builder {
	return &Builder{
		cb:      cb,
		objects: objects,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "codebuild"),
	}
}

// Run starts a build, waits for it to finish and downloads the declared
// output files. Files the build did not upload are left out of the result.
func (b *Builder) Run(ctx context.Context, req engine.BuildRequest) (engine.BuildResult, error) {
	if b.cfg.Bucket == "" {
		return engine.BuildResult{}, ErrArtifactBucketRequired
	}
	spec, err := buildspec.RenderCommands(req.Commands, req.Env, req.OutputFiles)
	if err != nil {
		return engine.BuildResult{}, err
	}
	if err := b.ensureProject(ctx, req.Project, spec); err != nil {
		return engine.BuildResult{}, err
	}

	outputPath := path.Join(strings.Trim(b.cfg.Prefix, "/"), req.ExecutionID)
	started, err := b.cb.StartBuild(ctx, &codebuild.StartBuildInput{
		ProjectName:       aws.String(req.Project),
		BuildspecOverride: aws.String(string(spec)),
		ArtifactsOverride: &cbtypes.ProjectArtifacts{
			Type:          cbtypes.ArtifactsTypeS3,
			Location:      aws.String(b.cfg.Bucket),
			Path:          aws.String(outputPath),
			Name:          aws.String(topology.ArtifactBuild),
			Packaging:     cbtypes.ArtifactPackagingNone,
			NamespaceType: cbtypes.ArtifactNamespaceNone,
		},
	})
	if err != nil {
		return engine.BuildResult{}, fmt.Errorf("start build %s: %w", req.Project, err)
	}
	if started.Build == nil {
		return engine.BuildResult{}, fmt.Errorf("start build %s: no build returned", req.Project)
	}
	buildID := aws.ToString(started.Build.Id)
	b.logger.Info("build started", "project", req.Project, "build_id", buildID, "execution_id", req.ExecutionID)

	build, err := b.wait(ctx, buildID)
	if err != nil {
		return engine.BuildResult{BuildID: buildID}, err
	}
	result := engine.BuildResult{BuildID: buildID, Files: make(map[string][]byte)}
	if build.Logs != nil {
		result.Logs = aws.ToString(build.Logs.DeepLink)
	}
	if build.BuildStatus != cbtypes.StatusTypeSucceeded {
		return result, fmt.Errorf("%w: %s %s: %s", ErrBuildFailed, buildID, build.BuildStatus, failedPhase(build))
	}

	for _, name := range req.OutputFiles {
		key := path.Join(outputPath, topology.ArtifactBuild, name)
		data, err := b.download(ctx, key)
		if err != nil {
			if hasCode(err, codeNoSuchKey) {
				b.logger.Warn("declared output not uploaded", "build_id", buildID, "file", name)
				continue
			}
			return result, fmt.Errorf("download %s: %w", name, err)
		}
		result.Files[name] = data
	}
	return result, nil
}

func (b *Builder) ensureProject(ctx context.Context, name string, spec []byte) error {
	out, err := b.cb.BatchGetProjects(ctx, &codebuild.BatchGetProjectsInput{Names: []string{name}})
	if err != nil {
		return fmt.Errorf("get build project %s: %w", name, err)
	}
	if len(out.Projects) > 0 {
		return nil
	}
	if b.cfg.ServiceRole == "" {
		return fmt.Errorf("%w: cannot create project %s", ErrServiceRoleRequired, name)
	}

	_, err = b.cb.CreateProject(ctx, &codebuild.CreateProjectInput{
		Name:        aws.String(name),
		ServiceRole: aws.String(b.cfg.ServiceRole),
		Source: &cbtypes.ProjectSource{
			Type:      cbtypes.SourceTypeNoSource,
			Buildspec: aws.String(string(spec)),
		},
		Artifacts: &cbtypes.ProjectArtifacts{Type: cbtypes.ArtifactsTypeNoArtifacts},
		Environment: &cbtypes.ProjectEnvironment{
			Type:           cbtypes.EnvironmentTypeLinuxContainer,
			Image:          aws.String(b.cfg.Image),
			ComputeType:    cbtypes.ComputeType(b.cfg.ComputeType),
			PrivilegedMode: aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("create build project %s: %w", name, err)
	}
	b.logger.Info("build project created", "project", name)
	return nil
}

func (b *Builder) wait(ctx context.Context, buildID string) (cbtypes.Build, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		out, err := b.cb.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{Ids: []string{buildID}})
		if err != nil {
			return cbtypes.Build{}, fmt.Errorf("get build %s: %w", buildID, err)
		}
		if len(out.Builds) == 0 {
			return cbtypes.Build{}, fmt.Errorf("get build %s: not found", buildID)
		}
		build := out.Builds[0]
		if build.BuildStatus != cbtypes.StatusTypeInProgress {
			b.logger.Info("build finished", "build_id", buildID, "status", build.BuildStatus)
			return build, nil
		}
		b.logger.Debug("build in progress", "build_id", buildID, "phase", aws.ToString(build.CurrentPhase))

		select {
		case <-ctx.Done():
			return cbtypes.Build{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Builder) download(ctx context.Context, key string) ([]byte, error) {
	out, err := b.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// failedPhase describes the first phase that did not succeed.
func failedPhase(build cbtypes.Build) string {
	for _, p := range build.Phases {
		if p.PhaseStatus == "" || p.PhaseStatus == cbtypes.StatusTypeSucceeded {
			continue
		}
		msgs := make([]string, 0, len(p.Contexts))
		for _, c := range p.Contexts {
			if m := aws.ToString(c.Message); m != "" {
				msgs = append(msgs, m)
			}
		}
		return fmt.Sprintf("phase %s %s %s", p.PhaseType, p.PhaseStatus, strings.Join(msgs, "; "))
	}
	return "no failed phase reported"
}
