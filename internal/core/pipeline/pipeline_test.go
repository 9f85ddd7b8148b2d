package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipline/internal/core/topology"
)

func newTestExecution(t *testing.T) *Execution {
	t.Helper()
	e, err := NewExecution("my-app-pipeline", Trigger{RepositoryName: "my-app", ImageTag: "latest"})
	require.NoError(t, err)
	return e
}

// =============================================================================
// Status Tests
// =============================================================================

func TestValidateTransition(t *testing.T) {
	valid := [][2]Status{
		{StatusPending, StatusSourceRunning},
		{StatusSourceRunning, StatusBuildRunning},
		{StatusBuildRunning, StatusDeployRunning},
		{StatusDeployRunning, StatusSucceeded},
		{StatusPending, StatusFailed},
		{StatusBuildRunning, StatusFailed},
	}
	for _, tr := range valid {
		assert.NoError(t, ValidateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	invalid := [][2]Status{
		{StatusPending, StatusBuildRunning},
		{StatusSourceRunning, StatusDeployRunning},
		{StatusFailed, StatusPending},
		{StatusSucceeded, StatusFailed},
		{StatusDeployRunning, StatusSourceRunning},
		{Status("bogus"), StatusFailed},
	}
	for _, tr := range invalid {
		assert.ErrorIs(t, ValidateTransition(tr[0], tr[1]), ErrInvalidTransition, "%s -> %s", tr[0], tr[1])
	}
}

func TestStatus_Predicates(t *testing.T) {
	assert.True(t, StatusPending.IsActive())
	assert.True(t, StatusBuildRunning.IsActive())
	assert.False(t, StatusSucceeded.IsActive())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, Status("nope").IsValid())
}

func TestPlanNext(t *testing.T) {
	stage, ok := PlanNext(StatusPending)
	assert.True(t, ok)
	assert.Equal(t, topology.StageSource, stage)

	stage, ok = PlanNext(StatusSourceRunning)
	assert.True(t, ok)
	assert.Equal(t, topology.StageBuild, stage)

	stage, ok = PlanNext(StatusBuildRunning)
	assert.True(t, ok)
	assert.Equal(t, topology.StageDeploy, stage)

	for _, s := range []Status{StatusDeployRunning, StatusSucceeded, StatusFailed} {
		_, ok = PlanNext(s)
		assert.False(t, ok)
	}
}

// =============================================================================
// Execution Tests
// =============================================================================

func TestNewExecution(t *testing.T) {
	e := newTestExecution(t)

	assert.True(t, strings.HasPrefix(e.ID, "exec_"))
	assert.Len(t, e.ID, len("exec_")+8)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, TriggerManual, e.Trigger.Source)
	for i, rec := range e.Stages {
		assert.Equal(t, topology.StageOrder[i], rec.Name)
		assert.Equal(t, StageStatePending, rec.State)
	}
}

func TestNewExecution_RequiresPipeline(t *testing.T) {
	_, err := NewExecution("", Trigger{})
	assert.ErrorIs(t, err, ErrPipelineNameRequired)
}

func TestExecution_HappyPath(t *testing.T) {
	e := newTestExecution(t)

	for {
		stage, ok := PlanNext(e.Status)
		if !ok {
			break
		}
		require.NoError(t, e.StartStage(stage))
		current, _ := e.CurrentStage()
		assert.Equal(t, stage, current)
		require.NoError(t, e.CompleteStage(stage, "ok"))
	}

	assert.Equal(t, StatusSucceeded, e.Status)
	require.NotNil(t, e.CompletedAt)
	for _, rec := range e.Stages {
		assert.Equal(t, StageStateSucceeded, rec.State)
		assert.NotNil(t, rec.StartedAt)
		assert.NotNil(t, rec.CompletedAt)
	}
}

func TestExecution_StagesCannotBeSkipped(t *testing.T) {
	e := newTestExecution(t)
	assert.ErrorIs(t, e.StartStage(topology.StageBuild), ErrInvalidTransition)
	assert.ErrorIs(t, e.StartStage(topology.StageDeploy), ErrInvalidTransition)
	assert.ErrorIs(t, e.StartStage("Test"), ErrUnknownStage)
}

func TestExecution_CompleteRequiresRunning(t *testing.T) {
	e := newTestExecution(t)
	assert.ErrorIs(t, e.CompleteStage(topology.StageSource, ""), ErrStageNotRunning)
}

func TestExecution_FailSkipsLaterStages(t *testing.T) {
	e := newTestExecution(t)
	require.NoError(t, e.StartStage(topology.StageSource))
	require.NoError(t, e.CompleteStage(topology.StageSource, ""))
	require.NoError(t, e.StartStage(topology.StageBuild))

	require.NoError(t, e.Fail(ErrorBuildCommandFailure, "exit status 1"))

	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, ErrorBuildCommandFailure, e.ErrorKind)
	assert.Equal(t, StageStateSucceeded, e.Stages[0].State)
	assert.Equal(t, StageStateFailed, e.Stages[1].State)
	assert.Equal(t, "exit status 1", e.Stages[1].Message)
	assert.Equal(t, StageStateSkipped, e.Stages[2].State)
	assert.NotNil(t, e.CompletedAt)
}

func TestExecution_FailIsTerminal(t *testing.T) {
	e := newTestExecution(t)
	require.NoError(t, e.Fail(ErrorResolutionNotFound, "no repo"))
	assert.ErrorIs(t, e.Fail(ErrorDeployFailure, "again"), ErrInvalidTransition)
	assert.ErrorIs(t, e.StartStage(topology.StageSource), ErrInvalidTransition)
	for _, rec := range e.Stages {
		assert.Equal(t, StageStateSkipped, rec.State)
	}
}

func TestExecution_RecordArtifact(t *testing.T) {
	e := newTestExecution(t)
	e.Artifacts = nil
	e.RecordArtifact(ArtifactRef{Name: topology.ArtifactBuild, Stage: topology.StageBuild, Files: []string{"imagedefinitions.json"}})
	assert.Equal(t, topology.StageBuild, e.Artifacts[topology.ArtifactBuild].Stage)
}

func TestArtifactKey(t *testing.T) {
	assert.Equal(t, "exec_1/BuildOutput/imagedefinitions.json",
		ArtifactKey("exec_1", "BuildOutput", "imagedefinitions.json"))
}

// =============================================================================
// Error Tests
// =============================================================================

func TestStageError(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", NewStageError(ErrorArtifactMissing, topology.StageBuild, base))

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrorArtifactMissing, se.Kind)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "Build: artifact_missing: boom", se.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorArtifactMissing, KindOf(NewStageError(ErrorArtifactMissing, "", errors.New("x")), topology.StageDeploy))
	assert.Equal(t, ErrorBuildCommandFailure, KindOf(errors.New("x"), topology.StageBuild))
	assert.Equal(t, ErrorDeployFailure, KindOf(errors.New("x"), topology.StageDeploy))
	assert.Equal(t, ErrorResolutionNotFound, KindOf(errors.New("x"), topology.StageSource))
	assert.True(t, ErrorCapacityProvisionFailure.IsValid())
}
