// Package topofile loads topology inputs from YAML, HCL or JSON files.
package topofile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/artpar/shipline/internal/core/topology"
)

// ErrUnsupportedFormat is returned for file extensions other than .yaml,
// .yml, .hcl and .json.
var ErrUnsupportedFormat = errors.New("unsupported topology file format")

// Load reads the inputs declared in path. Fields the file leaves out stay
// zero; combine with Overlay to apply them over configured values.
func Load(path string) (topology.Inputs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return topology.Inputs{}, fmt.Errorf("read topology file: %w", err)
	}

	var in topology.Inputs
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		in, err = decodeYAML(data)
	case ".json":
		in, err = decodeJSON(data)
	case ".hcl":
		in, err = decodeHCL(data, path)
	default:
		return topology.Inputs{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return topology.Inputs{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return in, nil
}

// Overlay returns base with every non-zero field of file applied over it.
func Overlay(base, file topology.Inputs) topology.Inputs {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&base.AppName, file.AppName)
	set(&base.NetworkID, file.NetworkID)
	set(&base.RegistryURI, file.RegistryURI)
	set(&base.ContainerName, file.ContainerName)
	set(&base.ImageTag, file.ImageTag)
	set(&base.InstanceType, file.InstanceType)
	set(&base.KeyName, file.KeyName)
	set(&base.Region, file.Region)
	set(&base.AccountID, file.AccountID)
	if file.DesiredCapacity != 0 {
		base.DesiredCapacity = file.DesiredCapacity
	}
	if file.MemoryLimitMiB != 0 {
		base.MemoryLimitMiB = file.MemoryLimitMiB
	}
	if file.CPU != 0 {
		base.CPU = file.CPU
	}
	if file.ContainerPort != 0 {
		base.ContainerPort = file.ContainerPort
	}
	return base
}

func decodeYAML(data []byte) (topology.Inputs, error) {
	var in topology.Inputs
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&in); err != nil {
		return topology.Inputs{}, err
	}
	return in, nil
}

func decodeJSON(data []byte) (topology.Inputs, error) {
	var in topology.Inputs
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return topology.Inputs{}, err
	}
	return in, nil
}

// =============================================================================
// HCL
// =============================================================================

// hclInputs mirrors topology.Inputs as optional HCL attributes.
type hclInputs struct {
	AppName         *string `hcl:"app_name,optional"`
	NetworkID       *string `hcl:"network_id,optional"`
	RegistryURI     *string `hcl:"registry_uri,optional"`
	ContainerName   *string `hcl:"container_name,optional"`
	ImageTag        *string `hcl:"image_tag,optional"`
	InstanceType    *string `hcl:"instance_type,optional"`
	DesiredCapacity *int    `hcl:"desired_capacity,optional"`
	KeyName         *string `hcl:"key_name,optional"`
	MemoryLimitMiB  *int64  `hcl:"memory_limit_mib,optional"`
	CPU             *int    `hcl:"cpu,optional"`
	ContainerPort   *int    `hcl:"container_port,optional"`
	Region          *string `hcl:"region,optional"`
	AccountID       *string `hcl:"account_id,optional"`
}

func decodeHCL(data []byte, filename string) (topology.Inputs, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return topology.Inputs{}, diags
	}

	var raw hclInputs
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &raw); diags.HasErrors() {
		return topology.Inputs{}, diags
	}

	var in topology.Inputs
	str := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	num := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	str(&in.AppName, raw.AppName)
	str(&in.NetworkID, raw.NetworkID)
	str(&in.RegistryURI, raw.RegistryURI)
	str(&in.ContainerName, raw.ContainerName)
	str(&in.ImageTag, raw.ImageTag)
	str(&in.InstanceType, raw.InstanceType)
	str(&in.KeyName, raw.KeyName)
	str(&in.Region, raw.Region)
	str(&in.AccountID, raw.AccountID)
	num(&in.DesiredCapacity, raw.DesiredCapacity)
	num(&in.CPU, raw.CPU)
	num(&in.ContainerPort, raw.ContainerPort)
	if raw.MemoryLimitMiB != nil {
		in.MemoryLimitMiB = *raw.MemoryLimitMiB
	}
	return in, nil
}

// evalContext exposes the process environment as env.<NAME>.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok && name != "" {
			vars[name] = cty.StringVal(value)
		}
	}
	env := cty.MapValEmpty(cty.String)
	if len(vars) > 0 {
		env = cty.MapVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}
