package aws

import (
	"errors"
	"slices"

	smithy "github.com/aws/smithy-go"
)

var (
	ErrNoSubnets              = errors.New("network has no subnets")
	ErrNoMachineImage         = errors.New("no ECS-optimized machine image found")
	ErrServiceNotFound        = errors.New("service not found")
	ErrContainerNotFound      = errors.New("container not found in task definition")
	ErrNoTaskDefinition       = errors.New("registration returned no task definition")
	ErrBuildFailed            = errors.New("build failed")
	ErrArtifactBucketRequired = errors.New("build artifact bucket is required")
	ErrServiceRoleRequired    = errors.New("build service role is required")
)

// AWS error codes matched by the engine.
const (
	codeVpcNotFound        = "InvalidVpcID.NotFound"
	codeKeyPairNotFound    = "InvalidKeyPair.NotFound"
	codeDuplicateRule      = "InvalidPermission.Duplicate"
	codeRepoNotFound       = "RepositoryNotFoundException"
	codeImageNotFound      = "ImageNotFoundException"
	codeLBNotFound         = "LoadBalancerNotFound"
	codeTargetGroupMissing = "TargetGroupNotFound"
	codeNoSuchKey          = "NoSuchKey"
)

// apiErrorCode returns the service error code carried by err, or "".
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func hasCode(err error, codes ...string) bool {
	code := apiErrorCode(err)
	return code != "" && slices.Contains(codes, code)
}
