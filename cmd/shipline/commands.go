package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"

	"github.com/artpar/shipline/internal/core/buildspec"
	"github.com/artpar/shipline/internal/core/crypto"
	"github.com/artpar/shipline/internal/core/manifest"
	"github.com/artpar/shipline/internal/core/pipeline"
	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/engine"
	"github.com/artpar/shipline/internal/shell/store"
)

var (
	// ErrExecutionFailed is returned by run when the execution ends failed.
	ErrExecutionFailed = errors.New("pipeline execution failed")
	ErrNoEncryptionKey = errors.New("secrets.encryption_key is not set")
	ErrKeyMismatch     = errors.New("private key does not match the stored public key")
)

// commands holds the command actions.
type commands struct {
	stdout io.Writer
	stderr io.Writer
}

// =============================================================================
// Offline Commands
// =============================================================================

func (c *commands) manifest(ctx context.Context, cmd *cli.Command) error {
	e, err := c.loadEnv(cmd)
	if err != nil {
		return err
	}
	if _, err := topology.ParseRegistryURI(e.inputs.RegistryURI); err != nil {
		return &ExitError{Op: "Manifest", Err: err, ExitCode: ExitConfigError}
	}
	if err := topology.ValidateImageTag(e.inputs.ImageTag); err != nil {
		return &ExitError{Op: "Manifest", Err: err, ExitCode: ExitConfigError}
	}
	data, err := manifest.Render(e.inputs.Manifest())
	if err != nil {
		return &ExitError{Op: "Manifest", Err: err, ExitCode: ExitConfigError}
	}
	return c.write(data)
}

func (c *commands) buildspec(ctx context.Context, cmd *cli.Command) error {
	e, err := c.loadEnv(cmd)
	if err != nil {
		return err
	}
	if _, err := topology.ParseRegistryURI(e.inputs.RegistryURI); err != nil {
		return &ExitError{Op: "Buildspec", Err: err, ExitCode: ExitConfigError}
	}
	if err := topology.ValidateImageTag(e.inputs.ImageTag); err != nil {
		return &ExitError{Op: "Buildspec", Err: err, ExitCode: ExitConfigError}
	}
	data, err := buildspec.Render(e.inputs.BuildConfig())
	if err != nil {
		return &ExitError{Op: "Buildspec", Err: err, ExitCode: ExitConfigError}
	}
	return c.write(data)
}

// =============================================================================
// Topology Commands
// =============================================================================

func (c *commands) synth(ctx context.Context, cmd *cli.Command) error {
	e, err := c.loadEnv(cmd)
	if err != nil {
		return err
	}
	backend, err := newBackend(ctx, e.cfg, nil, e.logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	def, err := synthesize(ctx, backend.Backend, e.inputs)
	if err != nil {
		return err
	}
	return c.writeJSON(def)
}

func (c *commands) diff(ctx context.Context, cmd *cli.Command) error {
	e, err := c.loadEnv(cmd)
	if err != nil {
		return err
	}
	previous, err := os.ReadFile(cmd.String("against"))
	if err != nil {
		return &ExitError{Op: "Diff", Err: err, ExitCode: ExitConfigError}
	}

	backend, err := newBackend(ctx, e.cfg, nil, e.logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	def, err := synthesize(ctx, backend.Backend, e.inputs)
	if err != nil {
		return err
	}
	current, err := json.Marshal(def)
	if err != nil {
		return err
	}

	out, changed, err := diffDefinitions(previous, current)
	if err != nil {
		return &ExitError{Op: "Diff", Err: err, ExitCode: ExitConfigError}
	}
	if !changed {
		fmt.Fprintln(c.stdout, "no changes")
		return nil
	}
	_, err = io.WriteString(c.stdout, out)
	return err
}

// diffDefinitions compares two definition documents and renders the
// differences against previous.
func diffDefinitions(previous, current []byte) (string, bool, error) {
	d, err := gojsondiff.New().Compare(previous, current)
	if err != nil {
		return "", false, fmt.Errorf("compare definitions: %w", err)
	}
	if !d.Modified() {
		return "", false, nil
	}

	var left map[string]any
	if err := json.Unmarshal(previous, &left); err != nil {
		return "", false, fmt.Errorf("decode previous definition: %w", err)
	}
	out, err := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(d)
	if err != nil {
		return "", false, fmt.Errorf("format diff: %w", err)
	}
	return out, true, nil
}

func (c *commands) apply(ctx context.Context, cmd *cli.Command) error {
	e, err := c.loadEnv(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(e.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	backend, err := newBackend(ctx, e.cfg, s, e.logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	def, err := synthesize(ctx, backend.Backend, e.inputs)
	if err != nil {
		return err
	}
	result, err := engine.Apply(ctx, backend.Compute, def, e.logger)
	if err != nil {
		return &ExitError{Op: "Apply", Err: err, ExitCode: ExitEngineError}
	}
	return c.writeJSON(result)
}

// =============================================================================
// Pipeline Commands
// =============================================================================

func (c *commands) run(ctx context.Context, cmd *cli.Command) error {
	e, err := c.loadEnv(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(e.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	objects, err := newArtifactStore(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	backend, err := newBackend(ctx, e.cfg, s, e.logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	def, err := synthesize(ctx, backend.Backend, e.inputs)
	if err != nil {
		return err
	}

	repo, err := topology.ParseRegistryURI(def.Inputs.RegistryURI)
	if err != nil {
		return &ExitError{Op: "Run", Err: err, ExitCode: ExitConfigError}
	}
	exec, err := pipeline.NewExecution(def.Pipeline.Name, pipeline.Trigger{
		Source:         pipeline.TriggerCLI,
		RepositoryName: repo.Repository,
		ImageTag:       def.Inputs.ImageTag,
		ImageDigest:    cmd.String("digest"),
	})
	if err != nil {
		return &ExitError{Op: "Run", Err: err, ExitCode: ExitConfigError}
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		return &ExitError{Op: "Run", Err: err, ExitCode: ExitDatabaseError}
	}
	e.logger.Info("execution started", "execution_id", exec.ID, "pipeline", exec.PipelineName)

	runner := engine.NewRunner(backend.Backend, objects, s, e.logger)
	runErr := runner.Execute(ctx, def, exec)

	if err := c.writeJSON(exec); err != nil {
		return err
	}
	if runErr != nil {
		var stageErr *pipeline.StageError
		if errors.As(runErr, &stageErr) {
			return &ExitError{Op: "Run", Err: fmt.Errorf("%w: %w", ErrExecutionFailed, runErr), ExitCode: ExitPipelineFailed}
		}
		return &ExitError{Op: "Run", Err: runErr, ExitCode: ExitEngineError}
	}
	return nil
}

func (c *commands) executions(ctx context.Context, cmd *cli.Command) error {
	e, err := c.loadEnv(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(e.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if id := cmd.Args().First(); id != "" {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			return &ExitError{Op: "GetExecution", Err: err, ExitCode: ExitDatabaseError}
		}
		return c.writeJSON(exec)
	}

	opts := store.ListOptions{Limit: int(cmd.Int("limit"))}.Normalize()
	list, err := s.ListExecutions(ctx, topology.PipelineName(e.inputs.AppName), opts)
	if err != nil {
		return &ExitError{Op: "ListExecutions", Err: err, ExitCode: ExitDatabaseError}
	}
	return writeExecutionTable(c.stdout, list)
}

// writeExecutionTable prints one line per execution, newest first.
func writeExecutionTable(w io.Writer, list []pipeline.Execution) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTRIGGER\tTAG\tCREATED\tERROR")
	for _, exec := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			exec.ID,
			exec.Status,
			exec.Trigger.Source,
			exec.Trigger.ImageTag,
			humanize.Time(exec.CreatedAt),
			exec.ErrorKind,
		)
	}
	return tw.Flush()
}

// =============================================================================
// Access Keys
// =============================================================================

// accessKey prints the private half of a capacity key pair, decrypted with
// secrets.encryption_key. The name defaults to the key pair of the app.
func (c *commands) accessKey(ctx context.Context, cmd *cli.Command) error {
	e, err := c.loadEnv(cmd)
	if err != nil {
		return err
	}
	if e.cfg.Secrets.EncryptionKey == "" {
		return &ExitError{Op: "AccessKey", Err: ErrNoEncryptionKey, ExitCode: ExitConfigError}
	}
	name := cmd.Args().First()
	if name == "" {
		name = topology.KeyPairName(e.inputs.AppName)
	}

	s, err := openStore(e.cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	key, err := s.GetAccessKey(ctx, name)
	if err != nil {
		return &ExitError{Op: "GetAccessKey", Err: err, ExitCode: ExitDatabaseError}
	}
	pem, err := crypto.Open(key.PrivateKeyEncrypted, crypto.DeriveKey(e.cfg.Secrets.EncryptionKey))
	if err != nil {
		return &ExitError{Op: "AccessKey", Err: fmt.Errorf("open %s: %w", name, err), ExitCode: ExitConfigError}
	}
	pub, err := crypto.PublicKeyFromPrivate(pem)
	if err != nil || strings.TrimSpace(pub) != strings.TrimSpace(key.PublicKey) {
		return &ExitError{Op: "AccessKey", Err: fmt.Errorf("%s: %w", name, ErrKeyMismatch), ExitCode: ExitDatabaseError}
	}
	return c.write(pem)
}

// =============================================================================
// Output
// =============================================================================

func (c *commands) write(data []byte) error {
	if _, err := c.stdout.Write(data); err != nil {
		return err
	}
	if len(data) > 0 && data[len(data)-1] != '\n' {
		_, err := io.WriteString(c.stdout, "\n")
		return err
	}
	return nil
}

func (c *commands) writeJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return c.write(data)
}
