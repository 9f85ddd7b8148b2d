package localbuild

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipline/internal/core/buildspec"
	"github.com/artpar/shipline/internal/core/manifest"
	"github.com/artpar/shipline/internal/shell/engine"
)

func newTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	e, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_WritesManifest(t *testing.T) {
	e := newTestExecutor(t, Config{SkipRegistryLogin: true})
	cfg := buildspec.BuildConfig{
		Region:    "ap-northeast-2",
		AccountID: "123456789",
		Images:    manifest.Single("MyContainer", "123456789.dkr.ecr.ap-northeast-2.amazonaws.com/my-app", "latest"),
	}
	commands, err := buildspec.Commands(cfg)
	require.NoError(t, err)

	result, err := e.Run(context.Background(), engine.BuildRequest{
		ExecutionID: "exec_1",
		Commands:    commands,
		Env:         cfg.Env(),
		OutputFiles: []string{manifest.FileName},
	})
	require.NoError(t, err)
	assert.Equal(t, "local-exec_1", result.BuildID)
	assert.Equal(t,
		`[{"name":"MyContainer","imageUri":"123456789.dkr.ecr.ap-northeast-2.amazonaws.com/my-app:latest"}]`,
		string(result.Files[manifest.FileName]))
}

func TestRun_EnvAndInputsVisible(t *testing.T) {
	e := newTestExecutor(t, Config{})

	result, err := e.Run(context.Background(), engine.BuildRequest{
		ExecutionID: "exec_2",
		Commands:    []string{`printf '%s-' "$GREETING" > out.txt && cat in.txt >> out.txt`},
		Env:         map[string]string{"GREETING": "hello"},
		Inputs:      map[string][]byte{"in.txt": []byte("world")},
		OutputFiles: []string{"out.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello-world", string(result.Files["out.txt"]))
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	e := newTestExecutor(t, Config{})

	result, err := e.Run(context.Background(), engine.BuildRequest{
		ExecutionID: "exec_3",
		Commands:    []string{"echo first", "echo broken >&2; exit 3", "touch never.txt"},
		OutputFiles: []string{"never.txt"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandFailed))
	assert.Contains(t, err.Error(), "step 2")
	assert.Contains(t, result.Logs, "first")
	assert.Contains(t, result.Logs, "broken")
	assert.Empty(t, result.Files)
}

func TestRun_MissingOutputLeftOut(t *testing.T) {
	e := newTestExecutor(t, Config{})

	result, err := e.Run(context.Background(), engine.BuildRequest{
		ExecutionID: "exec_4",
		Commands:    []string{"true"},
		OutputFiles: []string{manifest.FileName},
	})
	require.NoError(t, err)
	_, ok := result.Files[manifest.FileName]
	assert.False(t, ok)
}

func TestRun_RejectsPathsInFileNames(t *testing.T) {
	e := newTestExecutor(t, Config{})

	_, err := e.Run(context.Background(), engine.BuildRequest{
		Commands:    []string{"true"},
		OutputFiles: []string{"../escape.txt"},
	})
	assert.True(t, errors.Is(err, ErrInvalidFileName))

	_, err = e.Run(context.Background(), engine.BuildRequest{
		Commands: []string{"true"},
		Inputs:   map[string][]byte{"a/b": nil},
	})
	assert.True(t, errors.Is(err, ErrInvalidFileName))
}

func TestRun_RemovesWorkDir(t *testing.T) {
	parent := t.TempDir()
	e := newTestExecutor(t, Config{WorkDir: parent})

	_, err := e.Run(context.Background(), engine.BuildRequest{Commands: []string{"touch x"}})
	require.NoError(t, err)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_KeepWorkDir(t *testing.T) {
	parent := t.TempDir()
	e := newTestExecutor(t, Config{WorkDir: parent, KeepWorkDir: true})

	_, err := e.Run(context.Background(), engine.BuildRequest{Commands: []string{"touch x"}})
	require.NoError(t, err)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRun_ContextCancelled(t *testing.T) {
	e := newTestExecutor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, engine.BuildRequest{Commands: []string{"sleep 5"}})
	assert.Error(t, err)
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNew_UnknownShell(t *testing.T) {
	_, err := New(Config{Shell: "definitely-not-a-shell-binary"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestBuildEnv_SortedAfterBase(t *testing.T) {
	env := buildEnv([]string{"PATH=/bin"}, map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"PATH=/bin", "A=1", "B=2"}, env)
}
