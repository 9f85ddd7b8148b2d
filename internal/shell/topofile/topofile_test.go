package topofile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipline/internal/core/topology"
)

// =============================================================================
// Test Helpers
// =============================================================================

const testRegistry = "123456789.dkr.ecr.ap-northeast-2.amazonaws.com/my-app"

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func expectedInputs() topology.Inputs {
	return topology.Inputs{
		AppName:         "shop",
		NetworkID:       "vpc-0abc",
		RegistryURI:     testRegistry,
		DesiredCapacity: 3,
		MemoryLimitMiB:  1024,
	}
}

// =============================================================================
// Load Tests
// =============================================================================

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "topology.yaml", `
app_name: shop
network_id: vpc-0abc
registry_uri: `+testRegistry+`
desired_capacity: 3
memory_limit_mib: 1024
`)

	in, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, expectedInputs(), in)
}

func TestLoad_YAMLUnknownField(t *testing.T) {
	path := writeFile(t, "topology.yml", "app_name: shop\nvpc: vpc-0abc\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "topology.json", `{
  "app_name": "shop",
  "network_id": "vpc-0abc",
  "registry_uri": "`+testRegistry+`",
  "desired_capacity": 3,
  "memory_limit_mib": 1024
}`)

	in, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, expectedInputs(), in)
}

func TestLoad_JSONUnknownField(t *testing.T) {
	path := writeFile(t, "topology.json", `{"app": "shop"}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_HCL(t *testing.T) {
	path := writeFile(t, "topology.hcl", `
app_name         = "shop"
network_id       = "vpc-0abc"
registry_uri     = "`+testRegistry+`"
desired_capacity = 3
memory_limit_mib = 1024
`)

	in, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, expectedInputs(), in)
}

func TestLoad_HCLEnvironment(t *testing.T) {
	t.Setenv("SHIPLINE_TEST_VPC", "vpc-from-env")
	path := writeFile(t, "topology.hcl", `
app_name   = "shop"
network_id = env.SHIPLINE_TEST_VPC
`)

	in, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "vpc-from-env", in.NetworkID)
}

func TestLoad_HCLSyntaxError(t *testing.T) {
	path := writeFile(t, "topology.hcl", `app_name = `)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_HCLUnknownAttribute(t *testing.T) {
	path := writeFile(t, "topology.hcl", `vpc = "vpc-0abc"`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	path := writeFile(t, "topology.toml", `app_name = "shop"`)

	_, err := Load(path)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

// =============================================================================
// Overlay Tests
// =============================================================================

func TestOverlay(t *testing.T) {
	base := topology.DefaultInputs()
	base.NetworkID = "vpc-config"

	got := Overlay(base, expectedInputs())

	assert.Equal(t, "shop", got.AppName)
	assert.Equal(t, "vpc-0abc", got.NetworkID)
	assert.Equal(t, 3, got.DesiredCapacity)
	assert.Equal(t, int64(1024), got.MemoryLimitMiB)
	assert.Equal(t, base.ContainerName, got.ContainerName)
	assert.Equal(t, base.ImageTag, got.ImageTag)
	assert.Equal(t, base.CPU, got.CPU)
}

func TestOverlay_EmptyFileKeepsBase(t *testing.T) {
	base := topology.DefaultInputs()
	assert.Equal(t, base, Overlay(base, topology.Inputs{}))
}
