package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/artpar/shipline/internal/core/crypto"
	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/artifacts"
	shipaws "github.com/artpar/shipline/internal/shell/aws"
	"github.com/artpar/shipline/internal/shell/docker"
	"github.com/artpar/shipline/internal/shell/engine"
	"github.com/artpar/shipline/internal/shell/localbuild"
	"github.com/artpar/shipline/internal/shell/store"
	"github.com/artpar/shipline/internal/shell/topofile"
)

// ErrUnknownEngine is returned for engine names other than aws and local.
var ErrUnknownEngine = errors.New("unknown engine")

// env is what a command works with once configuration is loaded.
type env struct {
	cfg    *Config
	logger *slog.Logger
	inputs topology.Inputs
}

// loadEnv reads configuration, applies the global flags and resolves the
// topology inputs.
func (c *commands) loadEnv(cmd *cli.Command) (*env, error) {
	cfg, err := LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, &ExitError{Op: "LoadConfig", Err: err, ExitCode: ExitConfigError}
	}
	if path := cmd.String("topology"); path != "" {
		cfg.Topology.File = path
	}
	if name := cmd.String("engine"); name != "" {
		cfg.Engine.Name = name
	}

	inputs, err := loadInputs(cfg.Topology)
	if err != nil {
		return nil, &ExitError{Op: "LoadTopology", Err: err, ExitCode: ExitConfigError}
	}
	return &env{
		cfg:    cfg,
		logger: SetupLogger(cfg, c.stderr),
		inputs: inputs,
	}, nil
}

// loadInputs overlays the topology file, if any, on the configured inputs
// and fills defaults.
func loadInputs(cfg TopologyConfig) (topology.Inputs, error) {
	inputs := cfg.Inputs
	if cfg.File != "" {
		fromFile, err := topofile.Load(cfg.File)
		if err != nil {
			return topology.Inputs{}, err
		}
		inputs = topofile.Overlay(inputs, fromFile)
	}
	return inputs.WithDefaults(), nil
}

func openStore(cfg *Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ExitError{Op: "OpenStore", Err: err, ExitCode: ExitDatabaseError}
	}
	return s, nil
}

func newArtifactStore(ctx context.Context, cfg *Config, logger *slog.Logger) (artifacts.Store, error) {
	s, err := artifacts.New(ctx, cfg.Artifacts, shipaws.S3Factory(cfg.AWS), logger)
	if err != nil {
		return nil, &ExitError{Op: "OpenArtifacts", Err: err, ExitCode: ExitConfigError}
	}
	return s, nil
}

// engineHandle is a backend plus whatever must be released with it.
type engineHandle struct {
	engine.Backend
	close func() error
}

func (h engineHandle) Close() error {
	if h.close == nil {
		return nil
	}
	return h.close()
}

// newBackend builds the configured engine. keys may be nil; capacity key
// pairs are then created without keeping their private halves.
func newBackend(ctx context.Context, cfg *Config, keys shipaws.KeyStore, logger *slog.Logger) (engineHandle, error) {
	switch cfg.Engine.Name {
	case shipaws.EngineName:
		awsCfg, err := shipaws.LoadConfig(ctx, cfg.AWS)
		if err != nil {
			return engineHandle{}, &ExitError{Op: "NewBackend", Err: err, ExitCode: ExitEngineError}
		}
		opts := shipaws.Options{
			InstanceProfile: cfg.AWS.InstanceProfile,
			DeployTimeout:   cfg.Engine.DeployTimeout,
			Build:           cfg.Build,
		}
		if keys != nil && cfg.Secrets.EncryptionKey != "" {
			opts.Keys = keys
			opts.SealKey = crypto.DeriveKey(cfg.Secrets.EncryptionKey)
		}
		return engineHandle{Backend: shipaws.NewBackend(shipaws.NewClients(awsCfg), opts, logger)}, nil

	case docker.EngineName:
		builder, err := localbuild.New(cfg.LocalBuild, logger)
		if err != nil {
			return engineHandle{}, &ExitError{Op: "NewBackend", Err: err, ExitCode: ExitEngineError}
		}
		client, err := docker.NewDockerClient(cfg.Engine.DockerHost)
		if err != nil {
			return engineHandle{}, &ExitError{Op: "NewBackend", Err: err, ExitCode: ExitEngineError}
		}
		return engineHandle{
			Backend: docker.NewBackend(client, builder, cfg.Engine.StopTimeout, logger),
			close:   client.Close,
		}, nil

	default:
		return engineHandle{}, &ExitError{
			Op:       "NewBackend",
			Err:      fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine.Name),
			ExitCode: ExitConfigError,
		}
	}
}

// synthesize resolves the definition, mapping failures to the engine exit
// code.
func synthesize(ctx context.Context, backend engine.Backend, inputs topology.Inputs) (*topology.Definition, error) {
	def, err := engine.Synthesize(ctx, backend.Networks, backend.Registry, inputs)
	if err != nil {
		return nil, &ExitError{Op: "Synthesize", Err: err, ExitCode: ExitEngineError}
	}
	return def, nil
}
