package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/shipline/internal/core/topology"
	"github.com/artpar/shipline/internal/shell/artifacts"
	shipaws "github.com/artpar/shipline/internal/shell/aws"
	"github.com/artpar/shipline/internal/shell/localbuild"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log        LogConfig           `mapstructure:"log"`
	AWS        shipaws.Config      `mapstructure:"aws"`
	Topology   TopologyConfig      `mapstructure:"topology"`
	Engine     EngineConfig        `mapstructure:"engine"`
	Artifacts  artifacts.Config    `mapstructure:"artifacts"`
	Database   DatabaseConfig      `mapstructure:"database"`
	Server     ServerConfig        `mapstructure:"server"`
	Worker     WorkerConfig        `mapstructure:"worker"`
	Secrets    SecretsConfig       `mapstructure:"secrets"`
	Build      shipaws.BuildConfig `mapstructure:"build"`
	LocalBuild localbuild.Config   `mapstructure:"localbuild"`
}

// TopologyConfig holds the topology inputs. Values from File, when set,
// win over the inline ones.
type TopologyConfig struct {
	topology.Inputs `mapstructure:",squash"`
	File            string `mapstructure:"file"`
}

// EngineConfig selects the provisioning engine.
type EngineConfig struct {
	// Name is "aws" or "local".
	Name string `mapstructure:"name"`
	// DockerHost is the daemon the local engine talks to; empty uses the
	// environment.
	DockerHost    string        `mapstructure:"docker_host"`
	DeployTimeout time.Duration `mapstructure:"deploy_timeout"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// SharedSecret is checked against the X-Shipline-Secret header on
	// /api/v1. If empty, secret validation is skipped.
	SharedSecret string `mapstructure:"shared_secret"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerConfig holds pipeline worker configuration.
type WorkerConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
}

// SecretsConfig holds key material settings.
type SecretsConfig struct {
	// EncryptionKey is the passphrase the private halves of capacity key
	// pairs are sealed with. When empty they are not stored.
	// Set via SHIPLINE_SECRETS_ENCRYPTION_KEY environment variable.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.session_token", "")
	v.SetDefault("aws.instance_profile", shipaws.DefaultInstanceProfile)

	// Topology inputs; empty values are filled by topology defaults
	v.SetDefault("topology.file", "")
	v.SetDefault("topology.app_name", topology.DefaultAppName)
	v.SetDefault("topology.network_id", "")
	v.SetDefault("topology.registry_uri", "")
	v.SetDefault("topology.container_name", topology.DefaultContainerName)
	v.SetDefault("topology.image_tag", topology.DefaultImageTag)
	v.SetDefault("topology.instance_type", topology.DefaultInstanceType)
	v.SetDefault("topology.desired_capacity", topology.DefaultDesiredCapacity)
	v.SetDefault("topology.key_name", "")
	v.SetDefault("topology.memory_limit_mib", topology.DefaultMemoryLimitMiB)
	v.SetDefault("topology.cpu", topology.DefaultCPU)
	v.SetDefault("topology.container_port", topology.DefaultContainerPort)
	v.SetDefault("topology.region", "")
	v.SetDefault("topology.account_id", "")

	v.SetDefault("engine.name", shipaws.EngineName)
	v.SetDefault("engine.docker_host", "")
	v.SetDefault("engine.deploy_timeout", "10m")
	v.SetDefault("engine.stop_timeout", "10s")

	v.SetDefault("artifacts.backend", artifacts.BackendLocal)
	v.SetDefault("artifacts.local_dir", "./data/artifacts")
	v.SetDefault("artifacts.bucket", "")
	v.SetDefault("artifacts.prefix", "")
	v.SetDefault("artifacts.region", "")
	v.SetDefault("artifacts.minio_endpoint", "")
	v.SetDefault("artifacts.minio_access_key", "")
	v.SetDefault("artifacts.minio_secret_key", "")
	v.SetDefault("artifacts.minio_use_ssl", false)

	v.SetDefault("database.dsn", "./data/shipline.db")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.shared_secret", "")

	v.SetDefault("worker.interval", "5s")
	v.SetDefault("worker.execution_timeout", "1h")

	v.SetDefault("secrets.encryption_key", "")

	v.SetDefault("build.image", "")
	v.SetDefault("build.compute_type", "")
	v.SetDefault("build.service_role", "")
	v.SetDefault("build.poll_interval", "10s")
	v.SetDefault("build.bucket", "")
	v.SetDefault("build.prefix", "")

	v.SetDefault("localbuild.shell", "sh")
	v.SetDefault("localbuild.work_dir", "")
	v.SetDefault("localbuild.skip_registry_login", false)
	v.SetDefault("localbuild.keep_work_dir", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only a file that exists and fails to parse is an error
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SHIPLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to w; stdout is reserved for command output.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
