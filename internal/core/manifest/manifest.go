// Package manifest encodes and decodes imagedefinitions.json, the file the
// Build stage hands to the Deploy stage. Field names and shape are fixed by
// the ECS deploy action that consumes the file.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FileName is the artifact file name the Deploy stage looks for.
const FileName = "imagedefinitions.json"

var (
	ErrEmptyManifest          = errors.New("manifest must contain at least one image definition")
	ErrMissingName            = errors.New("image definition is missing name")
	ErrMissingImageURI        = errors.New("image definition is missing imageUri")
	ErrDuplicateContainer     = errors.New("container appears more than once in manifest")
	ErrContainerNotInManifest = errors.New("container not found in manifest")
	ErrMalformed              = errors.New("malformed manifest")
)

// ImageDefinition maps one container name to a fully qualified image URI.
type ImageDefinition struct {
	Name     string `json:"name"`
	ImageURI string `json:"imageUri"`
}

// ImageURI joins a repository URI and a tag.
//
//	ImageURI("123.dkr.ecr.us-east-1.amazonaws.com/app", "latest")
//	// "123.dkr.ecr.us-east-1.amazonaws.com/app:latest"
func ImageURI(repositoryURI, tag string) string {
	return fmt.Sprintf("%s:%s", strings.TrimRight(repositoryURI, "/"), tag)
}

// Single returns the one-entry manifest for a container.
func Single(containerName, repositoryURI, tag string) []ImageDefinition {
	return []ImageDefinition{{Name: containerName, ImageURI: ImageURI(repositoryURI, tag)}}
}

// Validate checks the structural rules the deploy action relies on.
func Validate(defs []ImageDefinition) error {
	if len(defs) == 0 {
		return ErrEmptyManifest
	}
	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		if d.Name == "" {
			return fmt.Errorf("entry %d: %w", i, ErrMissingName)
		}
		if d.ImageURI == "" {
			return fmt.Errorf("entry %d (%s): %w", i, d.Name, ErrMissingImageURI)
		}
		if seen[d.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateContainer, d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// Render produces the compact JSON array written to imagedefinitions.json.
func Render(defs []ImageDefinition) ([]byte, error) {
	if err := Validate(defs); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(defs); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Parse decodes and validates manifest content.
func Parse(data []byte) ([]ImageDefinition, error) {
	var defs []ImageDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// Find returns the image URI recorded for a container.
func Find(defs []ImageDefinition, containerName string) (string, error) {
	for _, d := range defs {
		if d.Name == containerName {
			return d.ImageURI, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrContainerNotInManifest, containerName)
}
