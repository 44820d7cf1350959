// Package docker implements the Builder contract with the Docker SDK:
// checkout, image build, registry push.
package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"

	"github.com/cygni/cloudexpress/internal/builder"
	"github.com/cygni/cloudexpress/internal/builder/git"
	"github.com/cygni/cloudexpress/internal/builder/workspace"
	"github.com/cygni/cloudexpress/internal/domain"
)

// Config carries the registry and auth settings for the builder.
type Config struct {
	Host             string
	Registry         string
	RegistryUsername string
	RegistryPassword string
	CloneTimeout     time.Duration
}

// Builder builds and pushes images via a Docker daemon.
type Builder struct {
	inner      *client.Client
	workspaces *workspace.Manager
	cfg        Config
	logger     *slog.Logger
}

var _ builder.Builder = (*Builder)(nil)

// New connects to the Docker daemon and prepares the workspace root.
func New(cfg Config, workspaceRoot string, logger *slog.Logger) (*Builder, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	workspaces, err := workspace.New(workspaceRoot)
	if err != nil {
		return nil, err
	}
	return &Builder{inner: inner, workspaces: workspaces, cfg: cfg, logger: logger}, nil
}

// Ping validates connectivity to the Docker daemon.
func (b *Builder) Ping(ctx context.Context) error {
	if b == nil || b.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := b.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (b *Builder) Close() error {
	if b.inner == nil {
		return nil
	}
	return b.inner.Close()
}

// Build checks out the job's pinned commit, builds the image and pushes
// it to the registry. Checkout and build failures are the user's; daemon
// and push failures are infrastructure.
func (b *Builder) Build(ctx context.Context, job *domain.BuildJob, sink builder.LogSink) (*builder.Artifact, error) {
	dir, err := b.workspaces.Prepare(job.ID)
	if err != nil {
		return nil, builder.Infra(err)
	}
	defer func() {
		if err := b.workspaces.Cleanup(dir); err != nil {
			b.logger.Warn("workspace cleanup failed", "job_id", job.ID, "error", err)
		}
	}()

	sink(fmt.Sprintf("cloning %s at %s", job.RepoURL, job.CommitSHA))
	cloneCtx := ctx
	if b.cfg.CloneTimeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, b.cfg.CloneTimeout)
		defer cancel()
	}
	if err := git.CloneAtCommit(cloneCtx, job.RepoURL, job.Branch, job.CommitSHA, dir); err != nil {
		return nil, err
	}

	tag := b.imageTag(job)
	sink(fmt.Sprintf("building image %s", tag))
	if err := b.buildImage(ctx, dir, tag, job, sink); err != nil {
		return nil, err
	}

	sink(fmt.Sprintf("pushing image %s", tag))
	digest, err := b.pushImage(ctx, tag, sink)
	if err != nil {
		return nil, builder.Infra(err)
	}

	return &builder.Artifact{
		ImageURL: tag,
		Digest:   digest,
		Metadata: map[string]string{
			"digest":   digest,
			"registry": b.cfg.Registry,
		},
	}, nil
}

// imageTag derives the registry reference for a job's image. The commit
// pin makes tags immutable per source revision.
func (b *Builder) imageTag(job *domain.BuildJob) string {
	short := job.CommitSHA
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s/%s:%s", b.cfg.Registry, job.ProjectID, short)
}

func (b *Builder) buildImage(ctx context.Context, dir, tag string, job *domain.BuildJob, sink builder.LogSink) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return builder.Infraf("create build context: %w", err)
	}
	defer buildCtx.Close()

	buildArgs := make(map[string]*string, len(job.BuildArgs))
	for k, v := range job.BuildArgs {
		value := v
		buildArgs[k] = &value
	}
	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  job.DockerfilePath,
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	}
	if job.CacheKey != "" {
		opts.Labels = map[string]string{"cloudexpress.cache-key": job.CacheKey}
	}
	resp, err := b.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return builder.Infraf("docker image build: %w", err)
	}
	defer resp.Body.Close()
	if _, err := drainStream(resp.Body, sink); err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	return nil
}

func (b *Builder) pushImage(ctx context.Context, tag string, sink builder.LogSink) (string, error) {
	auth, err := b.registryAuth()
	if err != nil {
		return "", err
	}
	resp, err := b.inner.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", fmt.Errorf("docker image push: %w", err)
	}
	defer resp.Close()
	digest, err := drainStream(resp, sink)
	if err != nil {
		return "", fmt.Errorf("docker image push: %w", err)
	}
	return digest, nil
}

func (b *Builder) registryAuth() (string, error) {
	auth := registry.AuthConfig{
		Username:      b.cfg.RegistryUsername,
		Password:      b.cfg.RegistryPassword,
		ServerAddress: b.cfg.Registry,
	}
	payload, err := json.Marshal(auth)
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}
