package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/shipline/internal/core/pipeline"
	"github.com/artpar/shipline/internal/core/topology"
)

// ExecutionSource lists executions that have not reached a terminal status,
// oldest first.
type ExecutionSource interface {
	ListActiveExecutions(ctx context.Context) ([]pipeline.Execution, error)
}

// Executor runs an execution to completion. engine.Runner implements it.
type Executor interface {
	Execute(ctx context.Context, def *topology.Definition, exec *pipeline.Execution) error
}

// PipelineWorkerConfig configures the pipeline worker.
type PipelineWorkerConfig struct {
	Interval         time.Duration
	ExecutionTimeout time.Duration
}

// DefaultPipelineWorkerConfig returns default configuration.
func DefaultPipelineWorkerConfig() PipelineWorkerConfig {
	return PipelineWorkerConfig{
		Interval:         5 * time.Second,
		ExecutionTimeout: time.Hour,
	}
}

// PipelineWorker polls for active executions of one pipeline and runs them
// one at a time, oldest first. Executions of other pipelines are left alone.
type PipelineWorker struct {
	executions ExecutionSource
	runner     Executor
	def        *topology.Definition
	config     PipelineWorkerConfig
	logger     *slog.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipelineWorker creates a worker for the pipeline declared in def.
func NewPipelineWorker(executions ExecutionSource, runner Executor, def *topology.Definition, config PipelineWorkerConfig, logger *slog.Logger) *PipelineWorker {
	defaults := DefaultPipelineWorkerConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.ExecutionTimeout == 0 {
		config.ExecutionTimeout = defaults.ExecutionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PipelineWorker{
		executions: executions,
		runner:     runner,
		def:        def,
		config:     config,
		logger:     logger.With("component", "pipeline_worker", "pipeline", def.Pipeline.Name),
		wake:       make(chan struct{}, 1),
	}
}

// Start begins the worker background goroutine.
func (w *PipelineWorker) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.run()
	w.logger.Info("pipeline worker started", "interval", w.config.Interval)
}

// Stop cancels the running execution, if any, and waits for the worker to
// exit. The interrupted stage is run again on the next start.
func (w *PipelineWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("pipeline worker stopped")
}

// Notify asks the worker to poll now instead of waiting for the next tick.
func (w *PipelineWorker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *PipelineWorker) run() {
	defer w.wg.Done()

	// Run immediately on start
	w.runCycle(w.ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.runCycle(w.ctx)
		case <-w.wake:
			w.runCycle(w.ctx)
		}
	}
}

// runCycle runs every active execution of the pipeline in creation order.
func (w *PipelineWorker) runCycle(ctx context.Context) {
	active, err := w.executions.ListActiveExecutions(ctx)
	if err != nil {
		w.logger.Error("failed to list active executions", "error", err)
		return
	}

	for i := range active {
		exec := &active[i]
		if exec.PipelineName != w.def.Pipeline.Name {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		w.execute(ctx, exec)
	}
}

func (w *PipelineWorker) execute(ctx context.Context, exec *pipeline.Execution) {
	ctx, cancel := context.WithTimeout(ctx, w.config.ExecutionTimeout)
	defer cancel()

	logger := w.logger.With("execution_id", exec.ID, "status", exec.Status)
	logger.Info("running execution")

	err := w.runner.Execute(ctx, w.def, exec)
	var stageErr *pipeline.StageError
	switch {
	case err == nil:
		logger.Info("execution succeeded")
	case errors.As(err, &stageErr):
		logger.Warn("execution failed", "stage", stageErr.Stage, "kind", stageErr.Kind, "error", stageErr.Err)
	case errors.Is(err, context.Canceled):
		logger.Info("execution interrupted")
	default:
		logger.Error("execution errored", "error", err)
	}
}
