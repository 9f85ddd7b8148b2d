// Package provider contains pure functions for cloud capacity shapes and credentials.
// This is part of the Functional Core - all functions are pure with no I/O.
package provider

import (
	"errors"
	"regexp"
	"strings"
)

// Region represents an AWS region.
type Region struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// InstanceShape describes an EC2 instance type that can back an ECS capacity group.
type InstanceShape struct {
	ID       string  `json:"id"`
	CPUUnits int     `json:"cpu_units"` // ECS CPU units (1024 per vCPU)
	MemoryMB int64   `json:"memory_mb"`
	Hourly   float64 `json:"price_hourly"`
}

var (
	ErrInstanceTypeRequired = errors.New("instance type is required")
	ErrInvalidInstanceType  = errors.New("instance type must look like family.size (e.g. t3.micro)")
	ErrShapeTooSmall        = errors.New("container resources exceed instance shape")
)

var instanceTypePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*\.[a-z0-9]+$`)

// =============================================================================
// AWS Catalog
// =============================================================================

// AWSRegions returns the commonly used AWS regions.
func AWSRegions() []Region {
	return []Region{
		{ID: "us-east-1", Name: "US East (N. Virginia)", Available: true},
		{ID: "us-east-2", Name: "US East (Ohio)", Available: true},
		{ID: "us-west-2", Name: "US West (Oregon)", Available: true},
		{ID: "eu-west-1", Name: "EU (Ireland)", Available: true},
		{ID: "eu-central-1", Name: "EU (Frankfurt)", Available: true},
		{ID: "ap-northeast-1", Name: "Asia Pacific (Tokyo)", Available: true},
		{ID: "ap-northeast-2", Name: "Asia Pacific (Seoul)", Available: true},
		{ID: "ap-southeast-1", Name: "Asia Pacific (Singapore)", Available: true},
	}
}

// AWSShapes returns the instance types commonly used for small ECS clusters.
func AWSShapes() []InstanceShape {
	return []InstanceShape{
		{ID: "t3.micro", CPUUnits: 2048, MemoryMB: 1024, Hourly: 0.0104},
		{ID: "t3.small", CPUUnits: 2048, MemoryMB: 2048, Hourly: 0.0208},
		{ID: "t3.medium", CPUUnits: 2048, MemoryMB: 4096, Hourly: 0.0416},
		{ID: "t3.large", CPUUnits: 2048, MemoryMB: 8192, Hourly: 0.0832},
		{ID: "m5.large", CPUUnits: 2048, MemoryMB: 8192, Hourly: 0.096},
		{ID: "c5.large", CPUUnits: 2048, MemoryMB: 4096, Hourly: 0.085},
	}
}

// LookupShape returns the catalog entry for an instance type, or nil if it is not catalogued.
func LookupShape(instanceType string) *InstanceShape {
	for _, s := range AWSShapes() {
		if s.ID == instanceType {
			return &s
		}
	}
	return nil
}

// IsKnownRegion reports whether the region is part of the static catalog.
func IsKnownRegion(region string) bool {
	for _, r := range AWSRegions() {
		if r.ID == region {
			return true
		}
	}
	return false
}

// =============================================================================
// Validation
// =============================================================================

// ValidateInstanceType checks the syntactic shape of an EC2 instance type.
// Types outside the catalog are accepted; the provider rejects unknown ones.
func ValidateInstanceType(instanceType string) error {
	instanceType = strings.TrimSpace(instanceType)
	if instanceType == "" {
		return ErrInstanceTypeRequired
	}
	if !instanceTypePattern.MatchString(instanceType) {
		return ErrInvalidInstanceType
	}
	return nil
}

// FitsShape checks that one container's hard limits fit on a single host of the shape.
// Unknown shapes always fit.
func FitsShape(instanceType string, cpuUnits int, memoryMiB int64) error {
	shape := LookupShape(instanceType)
	if shape == nil {
		return nil
	}
	if cpuUnits > shape.CPUUnits || memoryMiB > shape.MemoryMB {
		return ErrShapeTooSmall
	}
	return nil
}
