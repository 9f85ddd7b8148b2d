package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitEngineError     = 3
	ExitHTTPServerError = 4
	ExitPipelineFailed  = 5
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ExitError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return ExitConfigError
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	if err := app.Run(ctx, args); err != nil {
		fmt.Fprintf(stderr, "shipline: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}

// newApp builds the command tree. Every command reads configuration through
// the global flags.
func newApp(stdout, stderr io.Writer) *cli.Command {
	c := &commands{stdout: stdout, stderr: stderr}
	return &cli.Command{
		Name:      "shipline",
		Usage:     "provision an ECS service and run its Source, Build, Deploy pipeline",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
				Sources: cli.EnvVars("SHIPLINE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "topology",
				Aliases: []string{"t"},
				Usage:   "topology inputs file (.yaml, .json or .hcl)",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "provisioning engine, aws or local",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "synth",
				Usage:  "resolve the network and registry and print the topology definition",
				Action: c.synth,
			},
			{
				Name:  "diff",
				Usage: "compare the topology definition with a previously synthesized one",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "against",
						Usage:    "definition JSON file written by synth",
						Required: true,
					},
				},
				Action: c.diff,
			},
			{
				Name:   "manifest",
				Usage:  "print the image definitions manifest the Build stage writes",
				Action: c.manifest,
			},
			{
				Name:   "buildspec",
				Usage:  "print the Build stage command sequence as a buildspec",
				Action: c.buildspec,
			},
			{
				Name:   "apply",
				Usage:  "reconcile the cluster, its capacity and the service",
				Action: c.apply,
			},
			{
				Name:  "run",
				Usage: "run one pipeline execution in the foreground",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "digest",
						Usage: "image digest that triggered the execution",
					},
				},
				Action: c.run,
			},
			{
				Name:   "serve",
				Usage:  "serve the trigger API and run queued executions",
				Action: c.serve,
			},
			{
				Name:      "executions",
				Usage:     "list pipeline executions, or show one",
				ArgsUsage: "[id]",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "maximum executions listed",
						Value: 20,
					},
				},
				Action: c.executions,
			},
			{
				Name:      "access-key",
				Usage:     "print the decrypted private key capacity hosts are launched with",
				ArgsUsage: "[name]",
				Action:    c.accessKey,
			},
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Fprintf(stdout, "shipline %s (built %s)\n", Version, BuildTime)
					return nil
				},
			},
		},
	}
}
