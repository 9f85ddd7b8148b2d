package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Instance Type Tests
// =============================================================================

func TestValidateInstanceType_Valid(t *testing.T) {
	for _, it := range []string{"t3.micro", "m5.large", "c6gn.16xlarge", "u-6tb1.metal"} {
		assert.NoError(t, ValidateInstanceType(it), it)
	}
}

func TestValidateInstanceType_Empty(t *testing.T) {
	assert.ErrorIs(t, ValidateInstanceType("  "), ErrInstanceTypeRequired)
}

func TestValidateInstanceType_Malformed(t *testing.T) {
	for _, it := range []string{"t3", "T3.micro", "t3.", ".micro", "t3 micro"} {
		assert.ErrorIs(t, ValidateInstanceType(it), ErrInvalidInstanceType, it)
	}
}

func TestLookupShape(t *testing.T) {
	shape := LookupShape("t3.micro")
	require.NotNil(t, shape)
	assert.Equal(t, int64(1024), shape.MemoryMB)

	assert.Nil(t, LookupShape("x9.huge"))
}

func TestFitsShape(t *testing.T) {
	assert.NoError(t, FitsShape("t3.micro", 256, 512))
	assert.ErrorIs(t, FitsShape("t3.micro", 256, 4096), ErrShapeTooSmall)
	assert.ErrorIs(t, FitsShape("t3.micro", 4096, 512), ErrShapeTooSmall)
	assert.NoError(t, FitsShape("x9.huge", 99999, 99999))
}

func TestIsKnownRegion(t *testing.T) {
	assert.True(t, IsKnownRegion("ap-northeast-2"))
	assert.False(t, IsKnownRegion("mars-north-1"))
}

// =============================================================================
// Credential Tests
// =============================================================================

func TestValidateAWSCredentials_DefaultChain(t *testing.T) {
	assert.NoError(t, ValidateAWSCredentials(AWSCredentials{}))
}

func TestValidateAWSCredentials_Partial(t *testing.T) {
	assert.ErrorIs(t, ValidateAWSCredentials(AWSCredentials{SecretAccessKey: "s"}), ErrAWSAccessKeyRequired)
	assert.ErrorIs(t, ValidateAWSCredentials(AWSCredentials{AccessKeyID: "a"}), ErrAWSSecretKeyRequired)
}
