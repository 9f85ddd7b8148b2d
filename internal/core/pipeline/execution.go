// Package pipeline contains the execution state machine for the Source,
// Build, Deploy pipeline.
// This is part of the Functional Core - all functions are pure with no I/O.
package pipeline

import (
	"errors"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/shipline/internal/core/topology"
)

// =============================================================================
// Execution Errors
// =============================================================================

var (
	ErrPipelineNameRequired = errors.New("pipeline name is required")
	ErrInvalidTransition    = errors.New("invalid execution status transition")
	ErrUnknownStage         = errors.New("unknown pipeline stage")
	ErrStageNotRunning      = errors.New("stage is not running")
)

// =============================================================================
// Execution Status
// =============================================================================

// Status is the lifecycle state of one pipeline execution.
type Status string

const (
	StatusPending       Status = "pending"
	StatusSourceRunning Status = "source_running"
	StatusBuildRunning  Status = "build_running"
	StatusDeployRunning Status = "deploy_running"
	StatusSucceeded     Status = "succeeded"
	StatusFailed        Status = "failed"
)

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSourceRunning, StatusBuildRunning,
		StatusDeployRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsActive returns true while the execution still has work to do.
func (s Status) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// No retry and no rollback: failed and succeeded are terminal.
var validTransitions = map[Status][]Status{
	StatusPending:       {StatusSourceRunning, StatusFailed},
	StatusSourceRunning: {StatusBuildRunning, StatusFailed},
	StatusBuildRunning:  {StatusDeployRunning, StatusFailed},
	StatusDeployRunning: {StatusSucceeded, StatusFailed},
	StatusSucceeded:     {},
	StatusFailed:        {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to Status) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// RunningStatus returns the status while the named stage runs.
func RunningStatus(stage string) (Status, bool) {
	switch stage {
	case topology.StageSource:
		return StatusSourceRunning, true
	case topology.StageBuild:
		return StatusBuildRunning, true
	case topology.StageDeploy:
		return StatusDeployRunning, true
	default:
		return "", false
	}
}

// StageOf returns the stage running in status s, if any.
func StageOf(s Status) (string, bool) {
	switch s {
	case StatusSourceRunning:
		return topology.StageSource, true
	case StatusBuildRunning:
		return topology.StageBuild, true
	case StatusDeployRunning:
		return topology.StageDeploy, true
	default:
		return "", false
	}
}

// PlanNext returns the stage to start once the work of status s is done.
// It returns false when the execution should finish instead.
func PlanNext(s Status) (string, bool) {
	switch s {
	case StatusPending:
		return topology.StageSource, true
	case StatusSourceRunning:
		return topology.StageBuild, true
	case StatusBuildRunning:
		return topology.StageDeploy, true
	default:
		return "", false
	}
}

// =============================================================================
// Stage Records
// =============================================================================

// StageState is the outcome of one stage within an execution.
type StageState string

const (
	StageStatePending   StageState = "pending"
	StageStateRunning   StageState = "running"
	StageStateSucceeded StageState = "succeeded"
	StageStateFailed    StageState = "failed"
	StageStateSkipped   StageState = "skipped"
)

// StageRecord tracks one stage of an execution.
type StageRecord struct {
	Name        string     `json:"name"`
	State       StageState `json:"state"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ArtifactRef points at a stored artifact produced by a stage.
type ArtifactRef struct {
	Name  string   `json:"name"`
	Stage string   `json:"stage"`
	Files []string `json:"files"`
}

// ArtifactKey returns the storage key of one artifact file:
// <execution>/<artifact>/<file>.
func ArtifactKey(executionID, artifact, file string) string {
	return path.Join(executionID, artifact, file)
}

// =============================================================================
// Execution
// =============================================================================

// Trigger sources.
const (
	TriggerManual        = "manual"
	TriggerRegistryEvent = "registry_event"
	TriggerCLI           = "cli"
)

// Trigger describes what started an execution.
type Trigger struct {
	Source         string `json:"source"`
	RepositoryName string `json:"repository_name"`
	ImageTag       string `json:"image_tag"`
	ImageDigest    string `json:"image_digest,omitempty"`
}

// Execution is one run of the pipeline.
type Execution struct {
	ID           string                 `json:"id"`
	PipelineName string                 `json:"pipeline_name"`
	Trigger      Trigger                `json:"trigger"`
	Status       Status                 `json:"status"`
	Stages       [3]StageRecord         `json:"stages"`
	Artifacts    map[string]ArtifactRef `json:"artifacts"`
	ErrorKind    ErrorKind              `json:"error_kind,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// GenerateExecutionID generates a new execution ID.
func GenerateExecutionID() string {
	return "exec_" + uuid.New().String()[:8]
}

// NewExecution creates a pending execution with every stage pending.
func NewExecution(pipelineName string, trigger Trigger) (*Execution, error) {
	if pipelineName == "" {
		return nil, ErrPipelineNameRequired
	}
	if trigger.Source == "" {
		trigger.Source = TriggerManual
	}

	now := time.Now()
	e := &Execution{
		ID:           GenerateExecutionID(),
		PipelineName: pipelineName,
		Trigger:      trigger,
		Status:       StatusPending,
		Artifacts:    map[string]ArtifactRef{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, name := range topology.StageOrder {
		e.Stages[i] = StageRecord{Name: name, State: StageStatePending}
	}
	return e, nil
}

// Transition moves the execution to a new status.
func (e *Execution) Transition(to Status) error {
	if err := ValidateTransition(e.Status, to); err != nil {
		return err
	}
	e.Status = to
	e.UpdatedAt = time.Now()
	if to.IsTerminal() {
		now := e.UpdatedAt
		e.CompletedAt = &now
	}
	return nil
}

// Stage returns the record of the named stage.
func (e *Execution) Stage(name string) (*StageRecord, error) {
	for i := range e.Stages {
		if e.Stages[i].Name == name {
			return &e.Stages[i], nil
		}
	}
	return nil, ErrUnknownStage
}

// StartStage transitions into the named stage and marks it running.
func (e *Execution) StartStage(name string) error {
	to, ok := RunningStatus(name)
	if !ok {
		return ErrUnknownStage
	}
	rec, err := e.Stage(name)
	if err != nil {
		return err
	}
	if err := e.Transition(to); err != nil {
		return err
	}
	now := e.UpdatedAt
	rec.State = StageStateRunning
	rec.StartedAt = &now
	return nil
}

// CompleteStage marks the running stage succeeded. Completing Deploy
// finishes the execution.
func (e *Execution) CompleteStage(name, message string) error {
	rec, err := e.Stage(name)
	if err != nil {
		return err
	}
	if rec.State != StageStateRunning {
		return ErrStageNotRunning
	}
	now := time.Now()
	rec.State = StageStateSucceeded
	rec.Message = message
	rec.CompletedAt = &now
	e.UpdatedAt = now

	if name == topology.StageDeploy {
		return e.Transition(StatusSucceeded)
	}
	return nil
}

// Fail moves the execution to failed. The running stage is marked failed
// and every stage that has not started is marked skipped.
func (e *Execution) Fail(kind ErrorKind, message string) error {
	if err := e.Transition(StatusFailed); err != nil {
		return err
	}
	e.ErrorKind = kind
	e.ErrorMessage = message

	now := e.UpdatedAt
	for i := range e.Stages {
		switch e.Stages[i].State {
		case StageStateRunning:
			e.Stages[i].State = StageStateFailed
			e.Stages[i].Message = message
			e.Stages[i].CompletedAt = &now
		case StageStatePending:
			e.Stages[i].State = StageStateSkipped
		}
	}
	return nil
}

// RecordArtifact registers an artifact produced by a stage.
func (e *Execution) RecordArtifact(ref ArtifactRef) {
	if e.Artifacts == nil {
		e.Artifacts = map[string]ArtifactRef{}
	}
	e.Artifacts[ref.Name] = ref
	e.UpdatedAt = time.Now()
}

// CurrentStage returns the running stage, if any.
func (e *Execution) CurrentStage() (string, bool) {
	return StageOf(e.Status)
}
