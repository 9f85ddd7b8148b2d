package aws

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/engine"
)

// Registry resolves ECR repositories and their images.
type Registry struct {
	ecr    ECRAPI
	logger *slog.Logger
}

// NewRegistry creates an ECR registry client.
func NewRegistry(client ECRAPI, logger *slog.Logger) *Registry {
	return &Registry{ecr: client, logger: logger.With("component", "registry")}
}

// Reference resolves the repository named by uri.
func (r *Registry) Reference(ctx context.Context, uri string) (topology.RegistryHandle, error) {
	parts, err := topology.ParseRegistryURI(uri)
	if err != nil {
		return topology.RegistryHandle{}, err
	}
	repo, err := r.describeRepository(ctx, parts.AccountID, parts.Repository)
	if err != nil {
		return topology.RegistryHandle{}, err
	}
	return topology.RegistryHandle{
		URI:            uri,
		RepositoryName: parts.Repository,
		Host:           parts.Host,
		ARN:            aws.ToString(repo.RepositoryArn),
	}, nil
}

// LatestImage returns the image currently tagged tag in repositoryName.
// ImageURI is pinned by digest.
func (r *Registry) LatestImage(ctx context.Context, repositoryName, tag string) (engine.ImageDetail, error) {
	repo, err := r.describeRepository(ctx, "", repositoryName)
	if err != nil {
		return engine.ImageDetail{}, err
	}

	out, err := r.ecr.DescribeImages(ctx, &ecr.DescribeImagesInput{
		RepositoryName: aws.String(repositoryName),
		RegistryId:     repo.RegistryId,
		ImageIds:       []ecrtypes.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		if hasCode(err, codeImageNotFound, codeRepoNotFound) {
			return engine.ImageDetail{}, fmt.Errorf("%w: image %s:%s", engine.ErrResolutionNotFound, repositoryName, tag)
		}
		return engine.ImageDetail{}, fmt.Errorf("describe image %s:%s: %w", repositoryName, tag, err)
	}
	if len(out.ImageDetails) == 0 {
		return engine.ImageDetail{}, fmt.Errorf("%w: image %s:%s", engine.ErrResolutionNotFound, repositoryName, tag)
	}

	img := out.ImageDetails[0]
	digest := aws.ToString(img.ImageDigest)
	detail := engine.ImageDetail{
		RegistryID:       aws.ToString(img.RegistryId),
		RepositoryName:   aws.ToString(img.RepositoryName),
		ImageURI:         aws.ToString(repo.RepositoryUri) + "@" + digest,
		ImageTags:        img.ImageTags,
		ImageDigest:      digest,
		ImageSizeInBytes: aws.ToInt64(img.ImageSizeInBytes),
		Version:          digest,
	}
	if img.ImagePushedAt != nil {
		detail.ImagePushedAt = img.ImagePushedAt.UTC()
	}
	r.logger.Debug("image resolved", "repository", repositoryName, "tag", tag, "digest", digest)
	return detail, nil
}

func (r *Registry) describeRepository(ctx context.Context, registryID, name string) (ecrtypes.Repository, error) {
	in := &ecr.DescribeRepositoriesInput{RepositoryNames: []string{name}}
	if registryID != "" {
		in.RegistryId = aws.String(registryID)
	}
	out, err := r.ecr.DescribeRepositories(ctx, in)
	if err != nil {
		if hasCode(err, codeRepoNotFound) {
			return ecrtypes.Repository{}, fmt.Errorf("%w: repository %s", engine.ErrResolutionNotFound, name)
		}
		return ecrtypes.Repository{}, fmt.Errorf("describe repository %s: %w", name, err)
	}
	if len(out.Repositories) == 0 {
		return ecrtypes.Repository{}, fmt.Errorf("%w: repository %s", engine.ErrResolutionNotFound, name)
	}
	return out.Repositories[0], nil
}
