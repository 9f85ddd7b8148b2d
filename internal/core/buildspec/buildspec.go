// Package buildspec produces the fixed command sequence run by the Build
// stage and its CodeBuild buildspec rendering.
package buildspec

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/artpar/shipline/internal/core/manifest"
)

// Environment variable names exported to every build.
const (
	EnvRegion    = "AWS_DEFAULT_REGION"
	EnvAccountID = "AWS_ACCOUNT_ID"
)

// Version is the buildspec format version understood by CodeBuild.
const Version = "0.2"

var (
	ErrRegionRequired    = errors.New("build region is required")
	ErrAccountIDRequired = errors.New("build account id is required")
	ErrNoCommands        = errors.New("build has no commands")
)

// LoginCommand authenticates the build's container runtime against the
// account's registry. It only references environment variables so the same
// line works for every topology.
const LoginCommand = "aws ecr get-login-password --region $" + EnvRegion +
	" | docker login --username AWS --password-stdin $" + EnvAccountID +
	".dkr.ecr.$" + EnvRegion + ".amazonaws.com"

// BuildConfig is everything the Build stage needs to write its output.
type BuildConfig struct {
	Region    string
	AccountID string
	Images    []manifest.ImageDefinition
}

// Validate checks that the build can run.
func (c BuildConfig) Validate() error {
	if c.Region == "" {
		return ErrRegionRequired
	}
	if c.AccountID == "" {
		return ErrAccountIDRequired
	}
	return manifest.Validate(c.Images)
}

// Env returns the environment variables for the build.
func (c BuildConfig) Env() map[string]string {
	return map[string]string{
		EnvRegion:    c.Region,
		EnvAccountID: c.AccountID,
	}
}

// Commands returns the ordered command sequence: registry login, then write
// imagedefinitions.json into the working directory.
func Commands(c BuildConfig) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := manifest.Render(c.Images)
	if err != nil {
		return nil, err
	}
	return []string{
		LoginCommand,
		WriteFileCommand(manifest.FileName, string(data)),
	}, nil
}

// WriteFileCommand returns a POSIX shell line that writes content verbatim
// to name.
func WriteFileCommand(name, content string) string {
	return fmt.Sprintf("printf '%%s' %s > %s", shellQuote(content), name)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type document struct {
	Version   string           `yaml:"version"`
	Env       envSection       `yaml:"env"`
	Phases    map[string]phase `yaml:"phases"`
	Artifacts artifactsSection `yaml:"artifacts"`
}

type envSection struct {
	Variables map[string]string `yaml:"variables"`
}

type phase struct {
	Commands []string `yaml:"commands"`
}

type artifactsSection struct {
	Files []string `yaml:"files"`
}

// Render returns the CodeBuild buildspec YAML for c.
func Render(c BuildConfig) ([]byte, error) {
	cmds, err := Commands(c)
	if err != nil {
		return nil, err
	}
	return RenderCommands(cmds, c.Env(), []string{manifest.FileName})
}

// RenderCommands returns a buildspec running commands with env and
// collecting files. A leading registry login runs in the pre_build phase.
func RenderCommands(commands []string, env map[string]string, files []string) ([]byte, error) {
	if len(commands) == 0 {
		return nil, ErrNoCommands
	}
	phases := map[string]phase{}
	rest := commands
	if commands[0] == LoginCommand {
		phases["pre_build"] = phase{Commands: commands[:1]}
		rest = commands[1:]
	}
	if len(rest) > 0 {
		phases["build"] = phase{Commands: rest}
	}
	doc := document{
		Version:   Version,
		Env:       envSection{Variables: env},
		Phases:    phases,
		Artifacts: artifactsSection{Files: files},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal buildspec: %w", err)
	}
	return out, nil
}
