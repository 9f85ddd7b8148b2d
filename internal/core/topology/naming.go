package topology

import "fmt"

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ClusterName returns the ECS cluster name.
//
// Example:
//
//	ClusterName("my-app") // returns "my-app-cluster"
func ClusterName(app string) string {
	return app + "-cluster"
}

// CapacityGroupName returns the name tagged on capacity hosts.
func CapacityGroupName(app string) string {
	return app + "-capacity"
}

// HostName returns the Name tag of the index-th host (1-based) of a
// capacity group.
//
// Example:
//
//	HostName("my-app-capacity", 2) // returns "my-app-capacity-2"
func HostName(group string, index int) string {
	return fmt.Sprintf("%s-%d", group, index)
}

// SecurityGroupName returns the security group attached to capacity hosts.
func SecurityGroupName(app string) string {
	return app + "-hosts"
}

// LoadBalancerSecurityGroupName returns the security group of the load balancer.
func LoadBalancerSecurityGroupName(app string) string {
	return app + "-lb-sg"
}

// KeyPairName returns the default access key name for capacity hosts.
func KeyPairName(app string) string {
	return app + "-key"
}

// TaskFamily returns the task definition family.
func TaskFamily(app string) string {
	return app + "-task"
}

// ServiceName returns the ECS service name.
func ServiceName(app string) string {
	return app + "-service"
}

// LoadBalancerName returns the load balancer name. App names are capped at
// 28 characters so every derived ELB name stays within the 32 character limit.
func LoadBalancerName(app string) string {
	return app + "-lb"
}

// TargetGroupName returns the target group name.
func TargetGroupName(app string) string {
	return app + "-tg"
}

// LogGroupName returns the awslogs group for the container.
//
// Example:
//
//	LogGroupName("my-app") // returns "/ecs/my-app"
func LogGroupName(app string) string {
	return "/ecs/" + app
}

// PipelineName returns the pipeline name.
func PipelineName(app string) string {
	return app + "-pipeline"
}

// BuildProjectName returns the build project name.
func BuildProjectName(app string) string {
	return app + "-build"
}

// ArtifactStoreName returns the logical artifact store of the pipeline.
func ArtifactStoreName(app string) string {
	return app + "-artifacts"
}
