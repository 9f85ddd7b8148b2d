package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipline/internal/core/pipeline"
	"github.com/artpar/shipline/internal/core/topology"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestExecution(t *testing.T, store Store, pipelineName string) *pipeline.Execution {
	t.Helper()
	exec, err := pipeline.NewExecution(pipelineName, pipeline.Trigger{
		Source:         pipeline.TriggerRegistryEvent,
		RepositoryName: "my-app",
		ImageTag:       "latest",
		ImageDigest:    "sha256:abc",
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateExecution(context.Background(), exec))
	return exec
}

// =============================================================================
// Execution CRUD Tests
// =============================================================================

func TestCreateExecution(t *testing.T) {
	store := setupTestStore(t)
	exec := createTestExecution(t, store, "my-app-pipeline")

	got, err := store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, "my-app-pipeline", got.PipelineName)
	assert.Equal(t, pipeline.StatusPending, got.Status)
	assert.Equal(t, exec.Trigger, got.Trigger)
	assert.Equal(t, topology.StageSource, got.Stages[0].Name)
	assert.Equal(t, pipeline.StageStatePending, got.Stages[2].State)
	assert.NotNil(t, got.Artifacts)
	assert.WithinDuration(t, exec.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.Nil(t, got.CompletedAt)
}

func TestCreateExecution_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	exec := createTestExecution(t, store, "p")

	err := store.CreateExecution(context.Background(), exec)
	assert.True(t, errors.Is(err, ErrDuplicateID))
}

func TestGetExecution_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetExecution(context.Background(), "exec_missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetExecution", storeErr.Op)
}

func TestUpdateExecution(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, store, "p")

	require.NoError(t, exec.StartStage(topology.StageSource))
	exec.RecordArtifact(pipeline.ArtifactRef{Name: topology.ArtifactSource, Stage: topology.StageSource, Files: []string{topology.ImageDetailFile}})
	require.NoError(t, exec.CompleteStage(topology.StageSource, "sha256:abc"))
	require.NoError(t, exec.StartStage(topology.StageBuild))
	require.NoError(t, exec.Fail(pipeline.ErrorBuildCommandFailure, "exit status 2"))
	require.NoError(t, store.UpdateExecution(ctx, exec))

	got, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, got.Status)
	assert.Equal(t, pipeline.ErrorBuildCommandFailure, got.ErrorKind)
	assert.Equal(t, "exit status 2", got.ErrorMessage)
	assert.Equal(t, pipeline.StageStateSucceeded, got.Stages[0].State)
	assert.Equal(t, pipeline.StageStateFailed, got.Stages[1].State)
	assert.Equal(t, pipeline.StageStateSkipped, got.Stages[2].State)
	assert.Equal(t, []string{topology.ImageDetailFile}, got.Artifacts[topology.ArtifactSource].Files)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateExecution_NotFound(t *testing.T) {
	store := setupTestStore(t)
	exec, err := pipeline.NewExecution("p", pipeline.Trigger{})
	require.NoError(t, err)

	err = store.UpdateExecution(context.Background(), exec)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListExecutions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := createTestExecution(t, store, "a")
	time.Sleep(2 * time.Millisecond)
	second := createTestExecution(t, store, "a")
	createTestExecution(t, store, "b")

	all, err := store.ListExecutions(ctx, "", DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := store.ListExecutions(ctx, "a", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, second.ID, onlyA[0].ID)
	assert.Equal(t, first.ID, onlyA[1].ID)

	page, err := store.ListExecutions(ctx, "", ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestListActiveExecutions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	active := createTestExecution(t, store, "p")
	time.Sleep(2 * time.Millisecond)
	running := createTestExecution(t, store, "p")
	require.NoError(t, running.StartStage(topology.StageSource))
	require.NoError(t, store.UpdateExecution(ctx, running))

	done := createTestExecution(t, store, "p")
	require.NoError(t, done.Fail(pipeline.ErrorResolutionNotFound, "gone"))
	require.NoError(t, store.UpdateExecution(ctx, done))

	list, err := store.ListActiveExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, active.ID, list[0].ID)
	assert.Equal(t, running.ID, list[1].ID)
}

// =============================================================================
// Access Key Tests
// =============================================================================

func TestSaveAccessKey(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	key := &AccessKey{
		Name:                "my-app-key",
		Fingerprint:         "SHA256:abc",
		PublicKey:           "ssh-ed25519 AAAA",
		PrivateKeyEncrypted: []byte{1, 2, 3},
	}
	require.NoError(t, store.SaveAccessKey(ctx, key))
	assert.True(t, len(key.ID) > 4 && key.ID[:4] == "key_")

	got, err := store.GetAccessKey(ctx, "my-app-key")
	require.NoError(t, err)
	assert.Equal(t, key.Fingerprint, got.Fingerprint)
	assert.Equal(t, []byte{1, 2, 3}, got.PrivateKeyEncrypted)
}

func TestSaveAccessKey_ReplacesByName(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAccessKey(ctx, &AccessKey{Name: "k", Fingerprint: "one", PublicKey: "p1", PrivateKeyEncrypted: []byte{1}}))
	require.NoError(t, store.SaveAccessKey(ctx, &AccessKey{Name: "k", Fingerprint: "two", PublicKey: "p2", PrivateKeyEncrypted: []byte{2}}))

	got, err := store.GetAccessKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", got.Fingerprint)
	assert.Equal(t, []byte{2}, got.PrivateKeyEncrypted)
}

func TestGetAccessKey_NotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetAccessKey(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// =============================================================================
// ListOptions Tests
// =============================================================================

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, ListOptions{Limit: 100}, ListOptions{}.Normalize())
	assert.Equal(t, ListOptions{Limit: 1000}, ListOptions{Limit: 5000, Offset: -1}.Normalize())
}

func TestPing(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))

	require.NoError(t, store.Close())
	err = store.Ping(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionFailed))
}
