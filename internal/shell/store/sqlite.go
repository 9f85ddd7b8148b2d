package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/shipline/internal/core/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fixed-width UTC timestamps keep lexical and chronological order equal.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timestampLayout, s)
	return t
}

// executor is the subset of *sqlx.DB the row helpers use.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// :memory: databases are per connection.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStoreError("Ping", "", "", "failed to ping database", ErrConnectionFailed)
	}
	return nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *pipeline.Execution) error {
	return createExecution(ctx, s.db, exec)
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*pipeline.Execution, error) {
	return getExecution(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *pipeline.Execution) error {
	return updateExecution(ctx, s.db, exec)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, pipelineName string, opts ListOptions) ([]pipeline.Execution, error) {
	return listExecutions(ctx, s.db, pipelineName, opts)
}

func (s *SQLiteStore) ListActiveExecutions(ctx context.Context) ([]pipeline.Execution, error) {
	return listActiveExecutions(ctx, s.db)
}

func (s *SQLiteStore) SaveAccessKey(ctx context.Context, key *AccessKey) error {
	return saveAccessKey(ctx, s.db, key)
}

func (s *SQLiteStore) GetAccessKey(ctx context.Context, name string) (*AccessKey, error) {
	return getAccessKey(ctx, s.db, name)
}

// =============================================================================
// Execution Operations
// =============================================================================

// executionRow represents an execution row in the database.
type executionRow struct {
	ID             string  `db:"id"`
	PipelineName   string  `db:"pipeline_name"`
	Status         string  `db:"status"`
	TriggerSource  string  `db:"trigger_source"`
	RepositoryName string  `db:"repository_name"`
	ImageTag       string  `db:"image_tag"`
	ImageDigest    string  `db:"image_digest"`
	Stages         string  `db:"stages"`
	Artifacts      string  `db:"artifacts"`
	ErrorKind      string  `db:"error_kind"`
	ErrorMessage   string  `db:"error_message"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
	CompletedAt    *string `db:"completed_at"`
}

func executionToRow(op string, exec *pipeline.Execution) (map[string]any, error) {
	stagesJSON, err := json.Marshal(exec.Stages)
	if err != nil {
		return nil, NewStoreError(op, "execution", exec.ID, "failed to serialize stages", ErrInvalidData)
	}
	artifacts := exec.Artifacts
	if artifacts == nil {
		artifacts = map[string]pipeline.ArtifactRef{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return nil, NewStoreError(op, "execution", exec.ID, "failed to serialize artifacts", ErrInvalidData)
	}

	var completedAt *string
	if exec.CompletedAt != nil {
		s := formatTime(*exec.CompletedAt)
		completedAt = &s
	}

	return map[string]any{
		"id":              exec.ID,
		"pipeline_name":   exec.PipelineName,
		"status":          string(exec.Status),
		"trigger_source":  exec.Trigger.Source,
		"repository_name": exec.Trigger.RepositoryName,
		"image_tag":       exec.Trigger.ImageTag,
		"image_digest":    exec.Trigger.ImageDigest,
		"stages":          string(stagesJSON),
		"artifacts":       string(artifactsJSON),
		"error_kind":      string(exec.ErrorKind),
		"error_message":   exec.ErrorMessage,
		"created_at":      formatTime(exec.CreatedAt),
		"updated_at":      formatTime(exec.UpdatedAt),
		"completed_at":    completedAt,
	}, nil
}

func createExecution(ctx context.Context, exec executor, e *pipeline.Execution) error {
	row, err := executionToRow("CreateExecution", e)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO executions (
			id, pipeline_name, status, trigger_source, repository_name, image_tag,
			image_digest, stages, artifacts, error_kind, error_message,
			created_at, updated_at, completed_at
		) VALUES (
			:id, :pipeline_name, :status, :trigger_source, :repository_name, :image_tag,
			:image_digest, :stages, :artifacts, :error_kind, :error_message,
			:created_at, :updated_at, :completed_at
		)`

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: executions.id") {
			return NewStoreError("CreateExecution", "execution", e.ID, "execution with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateExecution", "execution", e.ID, err.Error(), err)
	}

	return nil
}

func getExecution(ctx context.Context, exec executor, id string) (*pipeline.Execution, error) {
	var row executionRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM executions WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetExecution", "execution", id, "execution not found", ErrNotFound)
		}
		return nil, NewStoreError("GetExecution", "execution", id, err.Error(), err)
	}
	return rowToExecution(&row)
}

func updateExecution(ctx context.Context, exec executor, e *pipeline.Execution) error {
	row, err := executionToRow("UpdateExecution", e)
	if err != nil {
		return err
	}

	query := `
		UPDATE executions SET
			status = :status,
			image_digest = :image_digest,
			stages = :stages,
			artifacts = :artifacts,
			error_kind = :error_kind,
			error_message = :error_message,
			updated_at = :updated_at,
			completed_at = :completed_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateExecution", "execution", e.ID, err.Error(), err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return NewStoreError("UpdateExecution", "execution", e.ID, "execution not found", ErrNotFound)
	}

	return nil
}

func listExecutions(ctx context.Context, exec executor, pipelineName string, opts ListOptions) ([]pipeline.Execution, error) {
	opts = opts.Normalize()

	var rows []executionRow
	var err error
	if pipelineName == "" {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM executions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			opts.Limit, opts.Offset)
	} else {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM executions WHERE pipeline_name = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			pipelineName, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, NewStoreError("ListExecutions", "execution", "", err.Error(), err)
	}

	return rowsToExecutions("ListExecutions", rows)
}

// listActiveExecutions returns every non-terminal execution, oldest first.
func listActiveExecutions(ctx context.Context, exec executor) ([]pipeline.Execution, error) {
	var rows []executionRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM executions WHERE status NOT IN (?, ?) ORDER BY created_at ASC, id ASC`,
		string(pipeline.StatusSucceeded), string(pipeline.StatusFailed))
	if err != nil {
		return nil, NewStoreError("ListActiveExecutions", "execution", "", err.Error(), err)
	}

	return rowsToExecutions("ListActiveExecutions", rows)
}

func rowsToExecutions(op string, rows []executionRow) ([]pipeline.Execution, error) {
	executions := make([]pipeline.Execution, 0, len(rows))
	for i := range rows {
		e, err := rowToExecution(&rows[i])
		if err != nil {
			return nil, NewStoreError(op, "execution", rows[i].ID, err.Error(), ErrInvalidData)
		}
		executions = append(executions, *e)
	}
	return executions, nil
}

func rowToExecution(row *executionRow) (*pipeline.Execution, error) {
	e := &pipeline.Execution{
		ID:           row.ID,
		PipelineName: row.PipelineName,
		Status:       pipeline.Status(row.Status),
		Trigger: pipeline.Trigger{
			Source:         row.TriggerSource,
			RepositoryName: row.RepositoryName,
			ImageTag:       row.ImageTag,
			ImageDigest:    row.ImageDigest,
		},
		ErrorKind:    pipeline.ErrorKind(row.ErrorKind),
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    parseTime(row.CreatedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
	}

	if err := json.Unmarshal([]byte(row.Stages), &e.Stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Artifacts), &e.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if e.Artifacts == nil {
		e.Artifacts = map[string]pipeline.ArtifactRef{}
	}
	if row.CompletedAt != nil {
		t := parseTime(*row.CompletedAt)
		e.CompletedAt = &t
	}

	return e, nil
}

// =============================================================================
// Access Key Operations
// =============================================================================

// accessKeyRow represents an access key row in the database.
type accessKeyRow struct {
	ID                  string `db:"id"`
	Name                string `db:"name"`
	Fingerprint         string `db:"fingerprint"`
	PublicKey           string `db:"public_key"`
	PrivateKeyEncrypted []byte `db:"private_key_encrypted"`
	CreatedAt           string `db:"created_at"`
}

// saveAccessKey inserts the key or replaces the key stored under the same
// name.
func saveAccessKey(ctx context.Context, exec executor, key *AccessKey) error {
	if key.ID == "" {
		key.ID = GenerateAccessKeyID()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO access_keys (id, name, fingerprint, public_key, private_key_encrypted, created_at)
		VALUES (:id, :name, :fingerprint, :public_key, :private_key_encrypted, :created_at)
		ON CONFLICT(name) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			public_key = excluded.public_key,
			private_key_encrypted = excluded.private_key_encrypted`

	row := map[string]any{
		"id":                    key.ID,
		"name":                  key.Name,
		"fingerprint":           key.Fingerprint,
		"public_key":            key.PublicKey,
		"private_key_encrypted": key.PrivateKeyEncrypted,
		"created_at":            formatTime(key.CreatedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveAccessKey", "access_key", key.Name, err.Error(), err)
	}
	return nil
}

func getAccessKey(ctx context.Context, exec executor, name string) (*AccessKey, error) {
	var row accessKeyRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM access_keys WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetAccessKey", "access_key", name, "access key not found", ErrNotFound)
		}
		return nil, NewStoreError("GetAccessKey", "access_key", name, err.Error(), err)
	}

	return &AccessKey{
		ID:                  row.ID,
		Name:                row.Name,
		Fingerprint:         row.Fingerprint,
		PublicKey:           row.PublicKey,
		PrivateKeyEncrypted: row.PrivateKeyEncrypted,
		CreatedAt:           parseTime(row.CreatedAt),
	}, nil
}
