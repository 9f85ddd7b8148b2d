package api

import "github.com/artpar/shipline/internal/core/pipeline"

// =============================================================================
// Request Types
// =============================================================================

// CreateExecutionRequest is the optional body of a manual trigger. Empty
// fields fall back to the Source stage's repository and tag.
type CreateExecutionRequest struct {
	ImageTag    string `json:"image_tag,omitempty" pattern:"^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$"`
	ImageDigest string `json:"image_digest,omitempty" pattern:"^sha256:[0-9a-f]+$"`
}

// =============================================================================
// Response Types
// =============================================================================

// ListExecutionsResponse is the response for listing executions.
type ListExecutionsResponse struct {
	Executions []pipeline.Execution `json:"executions"`
	Limit      int                  `json:"limit"`
	Offset     int                  `json:"offset"`
}

// HookResponse is returned for registry events that start no execution.
type HookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
