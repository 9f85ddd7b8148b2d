package api

import (
	"net/http"

	"github.com/artpar/shipline/internal/core/pipeline"
	"github.com/artpar/shipline/internal/shell/api/openapi"
)

const executionsPath = "/api/v1/executions"

// newDocs describes every route served by Routes.
func newDocs() *openapi.Generator {
	g := openapi.NewGenerator(
		openapi.WithTitle("shipline API"),
		openapi.WithVersion("1.0.0"),
		openapi.WithDescription("Pipeline triggers, registry push hooks and execution history"),
		openapi.WithServer("/"),
	)

	g.Register(openapi.Operation{
		Method:    http.MethodGet,
		Path:      "/health",
		ID:        "getHealth",
		Summary:   "Liveness check",
		Tag:       "Health",
		Responses: map[int]any{http.StatusOK: HealthResponse{}},
	})
	g.Register(openapi.Operation{
		Method:  http.MethodGet,
		Path:    "/ready",
		ID:      "getReady",
		Summary: "Readiness of the store and the registry",
		Tag:     "Health",
		Responses: map[int]any{
			http.StatusOK:                 ReadyResponse{},
			http.StatusServiceUnavailable: ReadyResponse{},
		},
	})
	g.Register(openapi.Operation{
		Method:  http.MethodPost,
		Path:    "/api/v1/hooks/registry",
		ID:      "postRegistryHook",
		Summary: "Accept an ECR image action event",
		Tag:     "Hooks",
		Request: map[string]any{},
		Responses: map[int]any{
			http.StatusOK:         HookResponse{},
			http.StatusAccepted:   pipeline.Execution{},
			http.StatusBadRequest: ErrorResponse{},
		},
	})
	g.Register(openapi.Operation{
		Method:     http.MethodPost,
		Path:       executionsPath,
		ID:         "createExecution",
		Summary:    "Queue a manual execution",
		Tag:        "Executions",
		Request:    CreateExecutionRequest{},
		StrictBody: true,
		Responses: map[int]any{
			http.StatusAccepted:   pipeline.Execution{},
			http.StatusBadRequest: ErrorResponse{},
		},
	})
	g.Register(openapi.Operation{
		Method:  http.MethodGet,
		Path:    executionsPath,
		ID:      "listExecutions",
		Summary: "List executions of the pipeline, newest first",
		Tag:     "Executions",
		Query:   []string{"limit", "offset"},
		Responses: map[int]any{
			http.StatusOK: ListExecutionsResponse{},
		},
	})
	g.Register(openapi.Operation{
		Method:  http.MethodGet,
		Path:    executionsPath + "/{id}",
		ID:      "getExecution",
		Summary: "Get one execution",
		Tag:     "Executions",
		Responses: map[int]any{
			http.StatusOK:       pipeline.Execution{},
			http.StatusNotFound: ErrorResponse{},
		},
	})
	return g
}
