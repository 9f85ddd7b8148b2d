package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/artpar/shipline/internal/core/manifest"
	"github.com/artpar/shipline/internal/core/pipeline"
	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/artifacts"
)

// ExecutionUpdater persists execution progress.
type ExecutionUpdater interface {
	UpdateExecution(ctx context.Context, exec *pipeline.Execution) error
}

// Runner executes pipeline runs against a backend.
type Runner struct {
	backend   Backend
	artifacts artifacts.Store
	store     ExecutionUpdater
	logger    *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(backend Backend, store artifacts.Store, executions ExecutionUpdater, logger *slog.Logger) *Runner {
	return &Runner{
		backend:   backend,
		artifacts: store,
		store:     executions,
		logger:    logger.With("component", "runner", "engine", backend.Name),
	}
}

// Execute runs the remaining stages of exec strictly in order, persisting
// every transition. A stage that was running when a previous run stopped is
// run again. The first failing stage fails the execution and every later
// stage is skipped; the returned error is a *pipeline.StageError. An expired
// deadline counts as a stage failure. Cancellation does not: the execution
// keeps its running stage.
func (r *Runner) Execute(ctx context.Context, def *topology.Definition, exec *pipeline.Execution) error {
	if err := topology.Validate(def); err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}
	logger := r.logger.With("execution_id", exec.ID, "pipeline", exec.PipelineName)

	for !exec.Status.IsTerminal() {
		stage, running := exec.CurrentStage()
		if rec, err := exec.Stage(stage); !running || err != nil || rec.State != pipeline.StageStateRunning {
			next, ok := pipeline.PlanNext(exec.Status)
			if !ok {
				return fmt.Errorf("execution %s stuck in %s", exec.ID, exec.Status)
			}
			if err := exec.StartStage(next); err != nil {
				return err
			}
			if err := r.persist(ctx, exec); err != nil {
				return err
			}
			stage = next
		}

		logger.Info("stage started", "stage", stage)
		msg, err := r.runStage(ctx, def, exec, stage)
		if err != nil {
			// A cancelled run leaves the stage running so the next run resumes it.
			if errors.Is(ctx.Err(), context.Canceled) {
				logger.Info("stage interrupted", "stage", stage)
				return fmt.Errorf("stage %s interrupted: %w", stage, ctx.Err())
			}
			kind := pipeline.KindOf(err, stage)
			logger.Error("stage failed", "stage", stage, "kind", kind, "error", err)
			if ferr := exec.Fail(kind, err.Error()); ferr != nil {
				return ferr
			}
			// ctx may have hit its deadline; the failure must still be recorded.
			if perr := r.persist(context.WithoutCancel(ctx), exec); perr != nil {
				return perr
			}
			return pipeline.NewStageError(kind, stage, err)
		}

		if err := exec.CompleteStage(stage, msg); err != nil {
			return err
		}
		if err := r.persist(ctx, exec); err != nil {
			return err
		}
		logger.Info("stage succeeded", "stage", stage, "message", msg)
	}

	logger.Info("execution finished", "status", exec.Status)
	return nil
}

func (r *Runner) persist(ctx context.Context, exec *pipeline.Execution) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("persist execution %s: %w", exec.ID, err)
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, def *topology.Definition, exec *pipeline.Execution, stage string) (string, error) {
	spec, ok := def.Pipeline.Stage(stage)
	if !ok {
		return "", pipeline.ErrUnknownStage
	}

	var msg string
	for _, action := range spec.Actions {
		var err error
		switch {
		case action.Source != nil:
			msg, err = r.runSource(ctx, exec, action)
		case action.Build != nil:
			msg, err = r.runBuild(ctx, exec, action)
		case action.Deploy != nil:
			msg, err = r.runDeploy(ctx, def, exec, action)
		default:
			err = fmt.Errorf("action %s has no configuration", action.Name)
		}
		if err != nil {
			return "", err
		}
	}
	return msg, nil
}

// =============================================================================
// Source
// =============================================================================

func (r *Runner) runSource(ctx context.Context, exec *pipeline.Execution, action topology.ActionSpec) (string, error) {
	src := action.Source
	detail, err := r.backend.Registry.LatestImage(ctx, src.RepositoryName, src.ImageTag)
	if err != nil {
		return "", pipeline.NewStageError(pipeline.ErrorResolutionNotFound, topology.StageSource,
			fmt.Errorf("image %s:%s: %w", src.RepositoryName, src.ImageTag, err))
	}

	data, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("encode image detail: %w", err)
	}
	for _, out := range action.OutputArtifacts {
		if err := r.putArtifact(ctx, exec, topology.StageSource, out, map[string][]byte{src.OutputFile: data}); err != nil {
			return "", err
		}
	}

	if exec.Trigger.ImageDigest == "" {
		exec.Trigger.ImageDigest = detail.ImageDigest
	}
	return detail.ImageDigest, nil
}

// =============================================================================
// Build
// =============================================================================

func (r *Runner) runBuild(ctx context.Context, exec *pipeline.Execution, action topology.ActionSpec) (string, error) {
	inputs := make(map[string][]byte)
	for _, name := range action.InputArtifacts {
		files, err := r.getArtifact(ctx, exec, name)
		if err != nil {
			return "", err
		}
		for f, data := range files {
			inputs[f] = data
		}
	}

	b := action.Build
	result, err := r.backend.Builder.Run(ctx, BuildRequest{
		ExecutionID: exec.ID,
		Project:     b.Project,
		Commands:    b.Commands,
		Env:         b.Env,
		Inputs:      inputs,
		OutputFiles: b.OutputFiles,
	})
	if err != nil {
		var se *pipeline.StageError
		if errors.As(err, &se) {
			return "", err
		}
		return "", pipeline.NewStageError(pipeline.ErrorBuildCommandFailure, topology.StageBuild, err)
	}

	files := make(map[string][]byte, len(b.OutputFiles))
	for _, f := range b.OutputFiles {
		data, ok := result.Files[f]
		if !ok {
			return "", pipeline.NewStageError(pipeline.ErrorArtifactMissing, topology.StageBuild,
				fmt.Errorf("build %s did not produce %s", result.BuildID, f))
		}
		files[f] = data
	}
	for _, out := range action.OutputArtifacts {
		if err := r.putArtifact(ctx, exec, topology.StageBuild, out, files); err != nil {
			return "", err
		}
	}
	return result.BuildID, nil
}

// =============================================================================
// Deploy
// =============================================================================

func (r *Runner) runDeploy(ctx context.Context, def *topology.Definition, exec *pipeline.Execution, action topology.ActionSpec) (string, error) {
	d := action.Deploy
	var content []byte
	for _, name := range action.InputArtifacts {
		files, err := r.getArtifact(ctx, exec, name)
		if err != nil {
			return "", err
		}
		if data, ok := files[d.FileName]; ok {
			content = data
		}
	}
	if content == nil {
		return "", pipeline.NewStageError(pipeline.ErrorArtifactMissing, topology.StageDeploy,
			fmt.Errorf("%s not found in input artifacts", d.FileName))
	}

	defs, err := manifest.Parse(content)
	if err != nil {
		return "", pipeline.NewStageError(pipeline.ErrorDeployFailure, topology.StageDeploy, err)
	}
	ref := ServiceRefFor(def)
	imageURI, err := manifest.Find(defs, ref.ContainerName)
	if err != nil {
		return "", pipeline.NewStageError(pipeline.ErrorDeployFailure, topology.StageDeploy, err)
	}

	revision, err := r.backend.Compute.Deploy(ctx, ref, imageURI)
	if err != nil {
		return "", pipeline.NewStageError(pipeline.ErrorDeployFailure, topology.StageDeploy, err)
	}
	return revision, nil
}

// =============================================================================
// Artifact hand-off
// =============================================================================

func (r *Runner) putArtifact(ctx context.Context, exec *pipeline.Execution, stage, name string, files map[string][]byte) error {
	ref := pipeline.ArtifactRef{Name: name, Stage: stage}
	for _, file := range slices.Sorted(maps.Keys(files)) {
		key := pipeline.ArtifactKey(exec.ID, name, file)
		if err := r.artifacts.Put(ctx, key, files[file], artifacts.ContentTypeFor(file)); err != nil {
			return fmt.Errorf("store artifact %s: %w", key, err)
		}
		ref.Files = append(ref.Files, file)
	}
	exec.RecordArtifact(ref)
	return nil
}

func (r *Runner) getArtifact(ctx context.Context, exec *pipeline.Execution, name string) (map[string][]byte, error) {
	ref, ok := exec.Artifacts[name]
	if !ok {
		return nil, pipeline.NewStageError(pipeline.ErrorArtifactMissing, "",
			fmt.Errorf("artifact %s was not recorded", name))
	}
	files := make(map[string][]byte, len(ref.Files))
	for _, file := range ref.Files {
		key := pipeline.ArtifactKey(exec.ID, name, file)
		data, err := r.artifacts.Get(ctx, key)
		if err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				return nil, pipeline.NewStageError(pipeline.ErrorArtifactMissing, "", err)
			}
			return nil, fmt.Errorf("load artifact %s: %w", key, err)
		}
		files[file] = data
	}
	return files, nil
}
