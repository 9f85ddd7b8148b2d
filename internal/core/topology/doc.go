// Package topology builds the immutable deployment definition: network and
// registry handles, the ECS cluster with its EC2 capacity, the task and its
// load-balanced service, and the Source, Build and Deploy pipeline.
//
// All functions are pure. The shell resolves handles (internal/shell/engine)
// and hands them to Define, which derives every resource name from a single
// Inputs value so that the task container and the build manifest cannot
// drift apart.
//
// # Usage
//
//	in := topology.DefaultInputs()
//	in.NetworkID = "vpc-0abc"
//	in.RegistryURI = "123456789.dkr.ecr.ap-northeast-2.amazonaws.com/my-app"
//	def, err := topology.Define(in, network, registry)
package topology
