// Package hypervisor defines the capability interface for the cluster
// control plane that runs the virtual machines.
//
// The engine never talks wire formats itself; every component consumes
// the Client interface defined here. In production it is satisfied by
// the REST client living outside this module, in tests by scripted
// fakes.
package hypervisor
