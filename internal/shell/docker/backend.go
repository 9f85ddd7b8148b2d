package docker

import (
	"log/slog"
	"time"

	"github.com/artpar/shipline/internal/shell/engine"
)

// EngineName identifies this backend in configuration and logs.
const EngineName = "local"

// NewBackend wires the local collaborators into an engine backend. Builds
// run through builder.
func NewBackend(docker Client, builder engine.BuildExecutor, stopTimeout time.Duration, logger *slog.Logger) engine.Backend {
	logger = logger.With("provider", EngineName)
	return engine.Backend{
		Name:     EngineName,
		Networks: NewNetworks(docker, logger),
		Registry: NewRegistry(docker, logger),
		Compute:  NewCompute(docker, stopTimeout, logger),
		Builder:  builder,
	}
}
