package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/shipline/internal/core/pipeline"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for shipline state.
type Store interface {
	// Execution operations
	CreateExecution(ctx context.Context, exec *pipeline.Execution) error
	GetExecution(ctx context.Context, id string) (*pipeline.Execution, error)
	UpdateExecution(ctx context.Context, exec *pipeline.Execution) error
	ListExecutions(ctx context.Context, pipelineName string, opts ListOptions) ([]pipeline.Execution, error)
	ListActiveExecutions(ctx context.Context) ([]pipeline.Execution, error)

	// Access key operations
	SaveAccessKey(ctx context.Context, key *AccessKey) error
	GetAccessKey(ctx context.Context, name string) (*AccessKey, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Access Keys
// =============================================================================

// AccessKey is the key pair capacity hosts are launched with. The private
// half is stored encrypted.
type AccessKey struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Fingerprint         string    `json:"fingerprint"`
	PublicKey           string    `json:"public_key"`
	PrivateKeyEncrypted []byte    `json:"-"` // Never serialize
	CreatedAt           time.Time `json:"created_at"`
}

// GenerateAccessKeyID generates a new access key ID with "key_" prefix.
func GenerateAccessKeyID() string {
	return "key_" + uuid.New().String()[:8]
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
