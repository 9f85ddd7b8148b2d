// Package localbuild runs the Build stage command sequence on this machine,
// one `sh -c` per command inside a scratch directory.
package localbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/artpar/shipline/internal/core/buildspec"
	"github.com/artpar/shipline/internal/shell/engine"
)

var (
	ErrCommandFailed   = errors.New("build command failed")
	ErrInvalidFileName = errors.New("build file names must be plain file names")
)

// maxLogBytes caps the build log kept in the result.
const maxLogBytes = 64 << 10

// Config configures the local executor.
type Config struct {
	// Shell is the POSIX shell binary; "sh" when empty.
	Shell string `mapstructure:"shell"`
	// WorkDir is the parent of the per-build scratch directories; the
	// system temp directory when empty.
	WorkDir string `mapstructure:"work_dir"`
	// SkipRegistryLogin drops the registry login command, for machines
	// without registry credentials.
	SkipRegistryLogin bool `mapstructure:"skip_registry_login"`
	// KeepWorkDir leaves scratch directories behind for inspection.
	KeepWorkDir bool `mapstructure:"keep_work_dir"`
}

// Executor implements engine.BuildExecutor with os/exec.
type Executor struct {
	shell  string
	cfg    Config
	logger *slog.Logger
}

// New creates an executor, failing when the shell cannot be found.
func New(cfg Config, logger *slog.Logger) (*Executor, error) {
	shell := strings.TrimSpace(cfg.Shell)
	if shell == "" {
		shell = "sh"
	}
	path, err := exec.LookPath(shell)
	if err != nil {
		return nil, fmt.Errorf("shell not found: %w", err)
	}
	return &Executor{
		shell:  path,
		cfg:    cfg,
		logger: logger.With("component", "localbuild"),
	}, nil
}

// Run writes the input files into a fresh directory, runs each command in
// order with the build environment, and reads back the declared outputs.
// The first failing command stops the build.
func (e *Executor) Run(ctx context.Context, req engine.BuildRequest) (engine.BuildResult, error) {
	for name := range req.Inputs {
		if err := checkFileName(name); err != nil {
			return engine.BuildResult{}, err
		}
	}
	for _, name := range req.OutputFiles {
		if err := checkFileName(name); err != nil {
			return engine.BuildResult{}, err
		}
	}

	dir, err := os.MkdirTemp(e.cfg.WorkDir, "shipline-build-")
	if err != nil {
		return engine.BuildResult{}, fmt.Errorf("create build directory: %w", err)
	}
	if !e.cfg.KeepWorkDir {
		defer os.RemoveAll(dir)
	}

	for name, data := range req.Inputs {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return engine.BuildResult{}, fmt.Errorf("write input %s: %w", name, err)
		}
	}

	result := engine.BuildResult{
		BuildID: "local-" + req.ExecutionID,
		Files:   make(map[string][]byte),
	}
	env := buildEnv(os.Environ(), req.Env)
	var logs strings.Builder

	for i, command := range req.Commands {
		if e.cfg.SkipRegistryLogin && command == buildspec.LoginCommand {
			e.logger.Info("registry login skipped", "execution_id", req.ExecutionID)
			continue
		}
		cmd := exec.CommandContext(ctx, e.shell, "-c", command)
		cmd.Dir = dir
		cmd.Env = env
		out, err := cmd.CombinedOutput()
		appendLog(&logs, out)
		if err != nil {
			result.Logs = logs.String()
			return result, fmt.Errorf("%w: step %d: %w: %s", ErrCommandFailed, i+1, err, strings.TrimSpace(string(out)))
		}
		e.logger.Debug("build step finished", "execution_id", req.ExecutionID, "step", i+1)
	}
	result.Logs = logs.String()

	for _, name := range req.OutputFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return result, fmt.Errorf("read output %s: %w", name, err)
		}
		result.Files[name] = data
	}

	e.logger.Info("build finished", "execution_id", req.ExecutionID, "outputs", len(result.Files))
	return result, nil
}

func checkFileName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}

// buildEnv appends vars to base in key order. Later entries win in exec.
func buildEnv(base []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	env := slices.Clone(base)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func appendLog(b *strings.Builder, out []byte) {
	if room := maxLogBytes - b.Len(); room > 0 {
		if len(out) > room {
			out = out[:room]
		}
		b.Write(out)
	}
}
