package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/engine"
)

// Registry resolves repositories against the images present on the daemon,
// tagged with their registry URIs.
type Registry struct {
	docker Client
	logger *slog.Logger
}

// NewRegistry creates a registry backed by local images.
func NewRegistry(docker Client, logger *slog.Logger) *Registry {
	return &Registry{docker: docker, logger: logger.With("component", "registry")}
}

// Reference resolves uri when at least one local image is tagged with it.
func (r *Registry) Reference(ctx context.Context, uri string) (topology.RegistryHandle, error) {
	parts, err := topology.ParseRegistryURI(uri)
	if err != nil {
		return topology.RegistryHandle{}, err
	}
	images, err := r.docker.ListImages(ctx, uri)
	if err != nil {
		return topology.RegistryHandle{}, err
	}
	if len(images) == 0 {
		return topology.RegistryHandle{}, fmt.Errorf("%w: no local image tagged %s", engine.ErrResolutionNotFound, uri)
	}
	return topology.RegistryHandle{
		URI:            uri,
		RepositoryName: parts.Repository,
		Host:           parts.Host,
	}, nil
}

// LatestImage returns the newest local image tagged <host>/repositoryName:tag.
func (r *Registry) LatestImage(ctx context.Context, repositoryName, tag string) (engine.ImageDetail, error) {
	suffix := "/" + repositoryName + ":" + tag
	images, err := r.docker.ListImages(ctx, "*"+suffix)
	if err != nil {
		return engine.ImageDetail{}, err
	}

	var latest *ImageInfo
	var repoTag string
	for i := range images {
		for _, t := range images[i].RepoTags {
			if !strings.HasSuffix(t, suffix) {
				continue
			}
			if latest == nil || images[i].CreatedAt.After(latest.CreatedAt) {
				latest, repoTag = &images[i], t
			}
		}
	}
	if latest == nil {
		return engine.ImageDetail{}, fmt.Errorf("%w: image %s:%s", engine.ErrResolutionNotFound, repositoryName, tag)
	}

	uri := strings.TrimSuffix(repoTag, ":"+tag)
	digest := latest.ID
	for _, d := range latest.RepoDigests {
		if name, dg, ok := strings.Cut(d, "@"); ok && name == uri {
			digest = dg
			break
		}
	}

	detail := engine.ImageDetail{
		RepositoryName:   repositoryName,
		ImageURI:         uri + "@" + digest,
		ImageTags:        []string{tag},
		ImageDigest:      digest,
		ImagePushedAt:    latest.CreatedAt,
		ImageSizeInBytes: latest.Size,
		Version:          digest,
	}
	if parts, err := topology.ParseRegistryURI(uri); err == nil {
		detail.RegistryID = parts.AccountID
	}
	r.logger.Debug("image resolved", "repository", repositoryName, "tag", tag, "digest", digest)
	return detail, nil
}
